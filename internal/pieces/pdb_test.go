package pieces

import "testing"

func fourPieceMap(t *testing.T) *PieceMap {
	t.Helper()
	digests := [][20]byte{{1}, {2}, {3}, {4}}
	pm, err := NewPieceMap(digests, 16384, 16384*4, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}
	return pm
}

func TestCreatePDB(t *testing.T) {
	pm := fourPieceMap(t)
	doneMap := map[PieceNum]bool{0: true, 1: false, 2: true, 3: false}

	db := createPDB(doneMap, pm)

	if len(db.done) != 2 || len(db.pending) != 2 {
		t.Fatalf("done=%d pending=%d, want 2 and 2", len(db.done), len(db.pending))
	}
	if _, ok := db.done[0]; !ok {
		t.Errorf("piece 0 should be done")
	}
	if _, ok := db.pending[1]; !ok {
		t.Errorf("piece 1 should be pending")
	}
	if db.endgame {
		t.Errorf("endgame should start false")
	}
	if db.assertCountdown != 0 {
		t.Errorf("assertCountdown = %d, want 0", db.assertCountdown)
	}
}

func TestRemoveDownloading(t *testing.T) {
	db := &pdb{downloading: []checkoutPair{
		{Piece: 0, Block: Block{Offset: 0, Size: 16384}},
		{Piece: 1, Block: Block{Offset: 0, Size: 16384}},
	}}

	if !db.removeDownloading(0, Block{Offset: 0, Size: 16384}) {
		t.Fatalf("expected removal to succeed")
	}
	if len(db.downloading) != 1 {
		t.Fatalf("downloading has %d entries, want 1", len(db.downloading))
	}
	if db.removeDownloading(0, Block{Offset: 0, Size: 16384}) {
		t.Fatalf("second removal of same pair should report not found")
	}
}

func TestPendingBlocksPutbackPrepends(t *testing.T) {
	ipp := newInProgressPiece([]Block{{Offset: 0, Size: 16384}, {Offset: 16384, Size: 16384}})
	ipp.checkout(2)
	if len(ipp.PendingBlocks) != 0 {
		t.Fatalf("expected pending_blocks empty after checkout")
	}

	ipp.putback(Block{Offset: 16384, Size: 16384})
	ipp.putback(Block{Offset: 0, Size: 16384})

	if ipp.PendingBlocks[0].Offset != 0 || ipp.PendingBlocks[1].Offset != 16384 {
		t.Fatalf("putback order = %v, want [0, 16384]", ipp.PendingBlocks)
	}
}
