package pieces

import "testing"

func twoPieceDigests() [][20]byte {
	return [][20]byte{{0x01}, {0x02}}
}

func TestNewPieceMap(t *testing.T) {
	pm, err := NewPieceMap(twoPieceDigests(), 32768, 65536, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	if pm.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", pm.Count())
	}

	p0 := pm.Lookup(0)
	if p0.ByteOffsetInFile != 0 || p0.Length != 32768 {
		t.Errorf("piece 0 = %+v", p0)
	}

	p1 := pm.Lookup(1)
	if p1.ByteOffsetInFile != 32768 || p1.Length != 32768 {
		t.Errorf("piece 1 = %+v", p1)
	}
}

func TestNewPieceMapShortFinalPiece(t *testing.T) {
	digests := [][20]byte{{0x01}, {0x02}, {0x03}}
	pm, err := NewPieceMap(digests, 32768, 32768*2+100, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	last := pm.Lookup(2)
	if last.Length != 100 {
		t.Errorf("last piece length = %d, want 100", last.Length)
	}

	first := pm.Lookup(0)
	if first.Length != 32768 {
		t.Errorf("first piece length = %d, want 32768", first.Length)
	}
}

func TestPieceMapLookupOutOfRangePanics(t *testing.T) {
	pm, err := NewPieceMap(twoPieceDigests(), 32768, 65536, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range lookup")
		}
	}()

	pm.Lookup(2)
}
