package pieces

// audit runs the Consistency Auditor (spec.md §4.G): invariants (1)-(5) of
// §3 plus the finer in-progress invariants. It is called once per dispatcher
// iteration; the countdown decides whether this call actually does work.
func (m *Manager) audit() error {
	if m.db.assertCountdown > 0 {
		m.db.assertCountdown--
		return nil
	}

	if err := m.checkInvariants(); err != nil {
		return m.fatal(err)
	}

	m.db.assertCountdown = m.assertInterval
	return nil
}

func (m *Manager) checkInvariants() *FatalError {
	// Invariant 1: pending, done, and keys(in_progress) pairwise disjoint.
	for pn := range m.db.pending {
		if _, ok := m.db.done[pn]; ok {
			return fatalf(KindInvariantViolation, []PieceNum{pn}, "piece in both pending and done")
		}
		if _, ok := m.db.inProgress[pn]; ok {
			return fatalf(KindInvariantViolation, []PieceNum{pn}, "piece in both pending and in_progress")
		}
	}
	for pn := range m.db.done {
		if _, ok := m.db.inProgress[pn]; ok {
			return fatalf(KindInvariantViolation, []PieceNum{pn}, "piece in both done and in_progress")
		}
	}

	// Invariant 2: every downloading PieceNum is a key of in_progress; no
	// done piece appears in downloading.
	for _, cp := range m.db.downloading {
		if _, ok := m.db.done[cp.Piece]; ok {
			return fatalf(KindInvariantViolation, []PieceNum{cp.Piece}, "done piece appears in downloading")
		}
		ipp, ok := m.db.inProgress[cp.Piece]
		if !ok {
			return fatalf(KindInvariantViolation, []PieceNum{cp.Piece}, "downloading references piece absent from in_progress")
		}

		// Invariant 3: a downloading block is neither pending nor have.
		if _, have := ipp.HaveBlocks[cp.Block.Offset]; have {
			return fatalf(KindInvariantViolation, []PieceNum{cp.Piece}, "downloading block %v already in have_blocks", cp.Block)
		}
		for _, pending := range ipp.PendingBlocks {
			if pending == cp.Block {
				return fatalf(KindInvariantViolation, []PieceNum{cp.Piece}, "downloading block %v still in pending_blocks", cp.Block)
			}
		}
	}

	// Invariant 4: |have_blocks| <= total_blocks for every in-progress
	// piece.
	for pn, ipp := range m.db.inProgress {
		if len(ipp.HaveBlocks) > ipp.TotalBlocks {
			return fatalf(KindInvariantViolation, []PieceNum{pn}, "have_blocks exceeds total_blocks")
		}
	}

	// Invariant 5: pending ∪ done ∪ keys(in_progress) = {0, ..., P-1}.
	total := len(m.db.pending) + len(m.db.done) + len(m.db.inProgress)
	if total != m.pieceMap.Count() {
		return fatalf(KindInvariantViolation, nil,
			"pending(%d)+done(%d)+in_progress(%d) = %d, want %d",
			len(m.db.pending), len(m.db.done), len(m.db.inProgress), total, m.pieceMap.Count())
	}

	return nil
}
