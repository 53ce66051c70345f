package pieces

// rng is the minimal random source the Grab Engine needs: picking one
// element from an intersection, and shuffling a slice for endgame. Tests
// inject a deterministic implementation (spec.md §9).
type rng interface {
	// Intn returns a pseudo-random number in [0, n).
	Intn(n int) int
}

// grabBlocks implements the Grab Engine (spec.md §4.D).
//
// k is the maximum number of (PieceNum, Block) pairs to return. eligible is
// the requesting peer's advertised piece set. The three steps run in order:
// drain in-progress pieces first, then open new pending pieces at random
// until k is satisfied or pending has nothing eligible left, then fall back
// to endgame if nothing was grabbed and pending is now empty.
func (d *pdb) grabBlocks(pieceMap *PieceMap, r rng, k int, eligible map[PieceNum]struct{}) GrabResult {
	var grabbed []PieceBlock

	// Step 1: drain in-progress pieces whose PieceNum is eligible.
	drain := func() {
		for pn := range eligible {
			if k <= 0 {
				return
			}
			ipp, ok := d.inProgress[pn]
			if !ok || len(ipp.PendingBlocks) == 0 {
				continue
			}

			taken := ipp.checkout(k)
			for _, blk := range taken {
				grabbed = append(grabbed, PieceBlock{Piece: pn, Block: blk})
			}
			k -= len(taken)
		}
	}
	drain()

	// Step 2: open new pending pieces at random while k remains and the
	// eligible set still intersects pending.
	for k > 0 {
		candidates := eligiblePending(d.pending, eligible)
		if len(candidates) == 0 {
			break
		}

		pick := candidates[r.Intn(len(candidates))]
		blocks := pieceMap.Blocks(pick)
		delete(d.pending, pick)
		d.inProgress[pick] = newInProgressPiece(blocks)

		drain()
	}

	if len(grabbed) == 0 && len(d.pending) == 0 {
		d.endgame = true
		pool := eligibleDownloading(d.downloading, eligible)
		shuffle(pool, r)
		if len(pool) > k {
			pool = pool[:k]
		}

		out := make([]PieceBlock, len(pool))
		for i, cp := range pool {
			out[i] = PieceBlock{Piece: cp.Piece, Block: cp.Block}
		}
		return GrabResult{Endgame: true, Blocks: out}
	}

	for _, pb := range grabbed {
		d.downloading = append(d.downloading, checkoutPair{Piece: pb.Piece, Block: pb.Block})
	}
	return GrabResult{Endgame: false, Blocks: grabbed}
}

func eligiblePending(pending, eligible map[PieceNum]struct{}) []PieceNum {
	var out []PieceNum
	for pn := range eligible {
		if _, ok := pending[pn]; ok {
			out = append(out, pn)
		}
	}
	return out
}

func eligibleDownloading(downloading []checkoutPair, eligible map[PieceNum]struct{}) []checkoutPair {
	var out []checkoutPair
	for _, cp := range downloading {
		if _, ok := eligible[cp.Piece]; ok {
			out = append(out, cp)
		}
	}
	return out
}

func shuffle(cps []checkoutPair, r rng) {
	for i := len(cps) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		cps[i], cps[j] = cps[j], cps[i]
	}
}
