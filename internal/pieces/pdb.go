package pieces

// pdb is the Piece Database (spec.md §3): the in-memory state of which
// pieces are pending, in progress, or done, and which blocks are currently
// checked out to peers. It is mutated exclusively by the dispatcher's event
// loop goroutine — nothing else may observe or touch it, which is why none
// of its fields are guarded by a mutex.
type pdb struct {
	pending map[PieceNum]struct{}
	done    map[PieceNum]struct{}

	inProgress map[PieceNum]*InProgressPiece

	// downloading is the list of blocks currently checked out to peers.
	// A slice, not a set, per spec.md §9's explicit trade-off: put-back is
	// O(n·m) list-difference, acceptable unless profiling says otherwise.
	downloading []checkoutPair

	donePushQueue []ChokeNotification

	endgame bool

	// assertCountdown counts event-loop iterations down to the next
	// Consistency Auditor pass; it fires when this reaches zero.
	assertCountdown int
}

// createPDB builds the initial Piece Database from the filesystem
// collaborator's initial scan: doneMap[pn] is true for pieces already
// verified on disk, false otherwise. A PieceNum of pieceMap that is absent
// from doneMap is treated as not done.
func createPDB(doneMap map[PieceNum]bool, pieceMap *PieceMap) *pdb {
	d := &pdb{
		pending:         make(map[PieceNum]struct{}),
		done:            make(map[PieceNum]struct{}),
		inProgress:      make(map[PieceNum]*InProgressPiece),
		endgame:         false,
		assertCountdown: 0,
	}

	for pn := 0; pn < pieceMap.Count(); pn++ {
		n := PieceNum(pn)
		if doneMap[n] {
			d.done[n] = struct{}{}
		} else {
			d.pending[n] = struct{}{}
		}
	}

	return d
}

func (d *pdb) pushNotify(n ChokeNotification) {
	d.donePushQueue = append(d.donePushQueue, n)
}

// peekNotify returns the head of donePushQueue without removing it.
func (d *pdb) peekNotify() (ChokeNotification, bool) {
	if len(d.donePushQueue) == 0 {
		return ChokeNotification{}, false
	}
	return d.donePushQueue[0], true
}

func (d *pdb) popNotify() (ChokeNotification, bool) {
	if len(d.donePushQueue) == 0 {
		return ChokeNotification{}, false
	}

	n := d.donePushQueue[0]
	d.donePushQueue = d.donePushQueue[1:]
	return n, true
}

// removeDownloading deletes (pn, blk) from downloading if present and
// reports whether it was found.
func (d *pdb) removeDownloading(pn PieceNum, blk Block) bool {
	for i, cp := range d.downloading {
		if cp.Piece == pn && cp.Block == blk {
			d.downloading = append(d.downloading[:i], d.downloading[i+1:]...)
			return true
		}
	}
	return false
}

// hasDownloading reports whether (pn, blk) is currently checked out,
// without mutating downloading.
func (d *pdb) hasDownloading(pn PieceNum, blk Block) bool {
	for _, cp := range d.downloading {
		if cp.Piece == pn && cp.Block == blk {
			return true
		}
	}
	return false
}
