package pieces

import (
	"context"
	"log/slog"
)

// storeBlock implements the Completion Pipeline's StoreBlock handling
// (spec.md §4.E). It is called from the dispatcher's single goroutine only.
func (m *Manager) storeBlock(ctx context.Context, pn PieceNum, blk Block, data []byte) error {
	if err := m.fs.WriteBlock(ctx, pn, blk, data); err != nil {
		return err
	}

	// Removing from downloading is a no-op if the pair was never grabbed
	// or had already been put back. The open question in spec.md §9: such
	// "unsolicited" stores are trusted exactly like solicited ones —
	// behavior is preserved, not tightened, pending further guidance.
	m.db.removeDownloading(pn, blk)

	if m.db.endgame {
		m.db.pushNotify(ChokeNotification{Kind: NotifyBlockComplete, Piece: pn, Block: blk})
	}

	ipp, ok := m.db.inProgress[pn]
	if !ok {
		// Not in progress: a done piece is an endgame stray; any other
		// piece (still pending, or not tracked at all) has no record to
		// store the block in, which is a programmer-invariant violation.
		if _, isDone := m.db.done[pn]; isDone {
			// Endgame stray: other peers keep racing a finished piece.
			return nil
		}
		return m.fatal(fatalf(KindMissingInProgress, []PieceNum{pn},
			"StoreBlock for piece neither in_progress nor done"))
	}

	if _, already := ipp.HaveBlocks[blk.Offset]; already {
		// Stray duplicate: common without the FAST extension, and
		// expected routinely during endgame.
		return nil
	}
	ipp.HaveBlocks[blk.Offset] = blk
	ipp.removePending(blk)

	if !ipp.complete() {
		return nil
	}

	if err := m.checkTentativeCompletion(pn, ipp); err != nil {
		return m.fatal(err)
	}

	result, err := m.fs.CheckPiece(ctx, pn)
	if err != nil {
		return err
	}

	switch result {
	case CheckVerified:
		delete(m.db.inProgress, pn)
		m.db.done[pn] = struct{}{}
		m.db.pushNotify(ChokeNotification{Kind: NotifyPieceDone, Piece: pn})

		info := m.pieceMap.Lookup(pn)
		if err := m.status.CompletedPiece(ctx, info.Length); err != nil {
			return m.fatal(fatalf(KindCollaboratorProtocol, []PieceNum{pn},
				"status collaborator CompletedPiece: %v", err))
		}

		if len(m.db.done) == m.pieceMap.Count() {
			m.log.Info("torrent complete", "pieces", len(m.db.done))
			m.db.pushNotify(ChokeNotification{Kind: NotifyTorrentComplete})
			if err := m.status.TorrentCompleted(ctx); err != nil {
				return m.fatal(fatalf(KindCollaboratorProtocol, nil,
					"status collaborator TorrentCompleted: %v", err))
			}
		}

	case CheckMismatch:
		m.log.Warn("piece failed digest check, reopening", "piece", pn)
		delete(m.db.inProgress, pn)
		m.db.pending[pn] = struct{}{}

	case CheckUnknown:
		return m.fatal(fatalf(KindUnknownPiece, []PieceNum{pn},
			"filesystem collaborator has no record of piece"))
	}

	return nil
}

// checkTentativeCompletion runs the consistency pre-checks required before
// issuing CheckPiece: every block from offset 0 up to the piece length must
// be accounted for exactly once, and none may still be listed in
// downloading.
func (m *Manager) checkTentativeCompletion(pn PieceNum, ipp *InProgressPiece) *FatalError {
	expected := blockPiece(m.pieceMap.BlockSize(), m.pieceMap.Lookup(pn).Length)
	if len(expected) != len(ipp.HaveBlocks) {
		return fatalf(KindInvariantViolation, []PieceNum{pn},
			"tentative completion: have %d blocks, want %d", len(ipp.HaveBlocks), len(expected))
	}
	for _, blk := range expected {
		have, ok := ipp.HaveBlocks[blk.Offset]
		if !ok || have.Size != blk.Size {
			return fatalf(KindInvariantViolation, []PieceNum{pn},
				"tentative completion: missing or short block at offset %d", blk.Offset)
		}
		if m.db.hasDownloading(pn, blk) {
			return fatalf(KindInvariantViolation, []PieceNum{pn},
				"tentative completion: block %v still listed in downloading", blk)
		}
	}
	return nil
}

// putbackBlocks implements PutbackBlocks handling (spec.md §4.E): release a
// peer's outstanding checkouts after disconnect or renege.
func (m *Manager) putbackBlocks(pairs []PieceBlock) error {
	for _, pb := range pairs {
		if _, done := m.db.done[pb.Piece]; done {
			// Endgame stray: the piece finished before the put-back
			// arrived. Ignore.
			continue
		}

		ipp, ok := m.db.inProgress[pb.Piece]
		if !ok {
			return m.fatal(fatalf(KindMissingInProgress, []PieceNum{pb.Piece},
				"PutbackBlocks for piece not in in_progress and not done"))
		}

		ipp.putback(pb.Block)
		m.db.removeDownloading(pb.Piece, pb.Block)
	}
	return nil
}

// askInterested implements AskInterested: true iff set intersects pending
// or the keys of in_progress.
func (m *Manager) askInterested(set map[PieceNum]struct{}) bool {
	for pn := range set {
		if _, ok := m.db.pending[pn]; ok {
			return true
		}
		if _, ok := m.db.inProgress[pn]; ok {
			return true
		}
	}
	return false
}

// getDone implements GetDone: an ordered snapshot of done piece numbers.
func (m *Manager) getDone() []PieceNum {
	out := make([]PieceNum, 0, len(m.db.done))
	for pn := range m.db.done {
		out = append(out, pn)
	}
	sortPieceNums(out)
	return out
}

func sortPieceNums(s []PieceNum) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// fatal routes a FatalError to the supervisor callback, keyed by component
// name per spec.md §6 "To the supervisor".
func (m *Manager) fatal(err *FatalError) error {
	m.log.Error("fatal piece manager error", "kind", err.Kind, "pieces", err.Pieces, "msg", err.Message, slog.Bool("fatal", true))
	if m.onFatal != nil {
		m.onFatal(err)
	}
	return err
}
