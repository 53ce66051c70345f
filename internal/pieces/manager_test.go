package pieces

import (
	"bytes"
	"context"
	"crypto/sha1"
	"sync"
	"testing"
)

// fakeFilesystem is an in-memory stand-in for the filesystem collaborator.
// Blocks are buffered per-piece; CheckPiece hashes whatever has been
// buffered and compares against the expected digest carried in digests.
type fakeFilesystem struct {
	mu      sync.Mutex
	digests map[PieceNum][20]byte
	lengths map[PieceNum]int
	data    map[PieceNum]map[int][]byte // piece -> offset -> bytes

	// corrupt marks (piece) whose stored bytes should fail CheckPiece
	// regardless of what was written, simulating S2's digest failure.
	corrupt map[PieceNum]bool

	// unknown marks pieces CheckPiece should report as untracked.
	unknown map[PieceNum]bool
}

func newFakeFilesystem(pm *PieceMap) *fakeFilesystem {
	digests := make(map[PieceNum][20]byte)
	lengths := make(map[PieceNum]int)
	for pn := 0; pn < pm.Count(); pn++ {
		info := pm.Lookup(PieceNum(pn))
		digests[PieceNum(pn)] = info.ExpectedDigest
		lengths[PieceNum(pn)] = info.Length
	}

	return &fakeFilesystem{
		digests: digests,
		lengths: lengths,
		data:    make(map[PieceNum]map[int][]byte),
		corrupt: make(map[PieceNum]bool),
		unknown: make(map[PieceNum]bool),
	}
}

func (f *fakeFilesystem) WriteBlock(ctx context.Context, pn PieceNum, blk Block, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.data[pn] == nil {
		f.data[pn] = make(map[int][]byte)
	}
	f.data[pn][blk.Offset] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFilesystem) CheckPiece(ctx context.Context, pn PieceNum) (CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unknown[pn] {
		return CheckUnknown, nil
	}

	length, ok := f.lengths[pn]
	if !ok {
		return CheckUnknown, nil
	}

	buf := make([]byte, length)
	for off, data := range f.data[pn] {
		copy(buf[off:], data)
	}

	if f.corrupt[pn] {
		return CheckMismatch, nil
	}

	if sha1.Sum(buf) != f.digests[pn] {
		return CheckMismatch, nil
	}
	return CheckVerified, nil
}

type fakeStatus struct {
	mu               sync.Mutex
	completedLengths []int
	torrentDone      bool
}

func (s *fakeStatus) CompletedPiece(ctx context.Context, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedLengths = append(s.completedLengths, length)
	return nil
}

func (s *fakeStatus) TorrentCompleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torrentDone = true
	return nil
}

// sequenceRNG returns fixed values from Intn calls in order, wrapping once
// exhausted. It makes grab/endgame randomness deterministic in tests.
type sequenceRNG struct {
	vals []int
	i    int
}

func (s *sequenceRNG) Intn(n int) int {
	if len(s.vals) == 0 {
		return 0
	}
	v := s.vals[s.i%len(s.vals)]
	s.i++
	if v >= n {
		v = n - 1
	}
	if v < 0 {
		v = 0
	}
	return v
}

// twoPieceFixture builds a 2-piece, 32KiB-each, 16KiB-block torrent matching
// S1/S2: an empty fakeFilesystem that knows each piece's digest, plus the
// correct content of each piece for the test to store.
func twoPieceFixture(t *testing.T) (*PieceMap, *fakeFilesystem, map[PieceNum][]byte) {
	t.Helper()

	piece0 := bytes.Repeat([]byte{0xAA}, 32768)
	piece1 := bytes.Repeat([]byte{0xBB}, 32768)
	digests := [][20]byte{sha1.Sum(piece0), sha1.Sum(piece1)}

	pm, err := NewPieceMap(digests, 32768, 65536, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	fs := newFakeFilesystem(pm)
	content := map[PieceNum][]byte{0: piece0, 1: piece1}
	return pm, fs, content
}

func newTestManager(t *testing.T, pm *PieceMap, fs Filesystem, status StatusCollaborator, r rng) *Manager {
	t.Helper()

	m := NewManager(Opts{
		PieceMap:       pm,
		DoneMap:        map[PieceNum]bool{},
		AssertInterval: 10,
		Filesystem:     fs,
		Status:         status,
		RNG:            r,
		OnFatal: func(err *FatalError) {
			t.Errorf("unexpected fatal error: %v", err)
		},
	})
	return m
}

func runManager(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return cancel, done
}

// drainChoke drains n notifications off m.ChokeNotifications(), blocking
// until all n have arrived.
func drainChoke(m *Manager, n int) []ChokeNotification {
	out := make([]ChokeNotification, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-m.ChokeNotifications())
	}
	return out
}

// TestS1HappyPath grabs all four blocks of a 2-piece torrent, stores them
// correctly, and expects both pieces done plus PieceDone x2 + TorrentComplete.
func TestS1HappyPath(t *testing.T) {
	pm, fs, content := twoPieceFixture(t)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0, 0}})

	cancel, done := runManager(t, m)
	defer cancel()

	ctx := context.Background()
	eligible := map[PieceNum]struct{}{0: {}, 1: {}}

	res, err := m.GrabBlocks(ctx, 4, eligible)
	if err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}
	if res.Endgame {
		t.Fatalf("expected leech, got endgame")
	}
	if len(res.Blocks) != 4 {
		t.Fatalf("got %d blocks, want 4: %v", len(res.Blocks), res.Blocks)
	}

	var notifyWG sync.WaitGroup
	notifications := make([]ChokeNotification, 0, 3)
	var notifyMu sync.Mutex
	notifyWG.Add(1)
	go func() {
		defer notifyWG.Done()
		for i := 0; i < 3; i++ {
			n := <-m.ChokeNotifications()
			notifyMu.Lock()
			notifications = append(notifications, n)
			notifyMu.Unlock()
		}
	}()

	for _, pb := range res.Blocks {
		data := content[pb.Piece][pb.Block.Offset : pb.Block.Offset+pb.Block.Size]
		if err := m.StoreBlock(ctx, pb.Piece, pb.Block, data); err != nil {
			t.Fatalf("StoreBlock(%v): %v", pb, err)
		}
	}

	notifyWG.Wait()
	cancel()
	<-done

	if len(status.completedLengths) != 2 {
		t.Errorf("completedLengths = %v, want 2 entries", status.completedLengths)
	}
	if !status.torrentDone {
		t.Errorf("expected torrent completed")
	}

	var pieceDones, torrentCompletes int
	for _, n := range notifications {
		switch n.Kind {
		case NotifyPieceDone:
			pieceDones++
		case NotifyTorrentComplete:
			torrentCompletes++
		}
	}
	if pieceDones != 2 {
		t.Errorf("PieceDone count = %d, want 2", pieceDones)
	}
	if torrentCompletes != 1 {
		t.Errorf("TorrentComplete count = %d, want 1", torrentCompletes)
	}
}

// TestS2DigestFailure stores both blocks of piece 0, one correct and one
// corrupted; CheckPiece should report a mismatch and reopen the piece.
func TestS2DigestFailure(t *testing.T) {
	pm, fs, content := twoPieceFixture(t)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0}})

	cancel, done := runManager(t, m)
	defer cancel()
	ctx := context.Background()

	res, err := m.GrabBlocks(ctx, 2, map[PieceNum]struct{}{0: {}})
	if err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}
	if len(res.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(res.Blocks))
	}

	for _, pb := range res.Blocks {
		data := content[0][pb.Block.Offset : pb.Block.Offset+pb.Block.Size]
		if pb.Block.Offset == 16384 {
			data = bytes.Repeat([]byte{0xFF}, len(data))
		}
		if err := m.StoreBlock(ctx, pb.Piece, pb.Block, data); err != nil {
			t.Fatalf("StoreBlock(%v): %v", pb, err)
		}
	}

	cancel()
	<-done

	if len(status.completedLengths) != 0 {
		t.Errorf("expected no CompletedPiece, got %v", status.completedLengths)
	}
}

// TestS3Putback grabs two blocks, then puts them back; they should reappear
// at the head of pending_blocks and downloading should empty out.
func TestS3Putback(t *testing.T) {
	pm, fs, _ := twoPieceFixture(t)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0}})

	cancel, done := runManager(t, m)
	defer cancel()
	ctx := context.Background()

	res, err := m.GrabBlocks(ctx, 2, map[PieceNum]struct{}{0: {}})
	if err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}
	if len(res.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(res.Blocks))
	}

	pairs := make([]PieceBlock, len(res.Blocks))
	copy(pairs, res.Blocks)

	if err := m.PutbackBlocks(ctx, pairs); err != nil {
		t.Fatalf("PutbackBlocks: %v", err)
	}

	// Grab again: should get the exact same two blocks back from the head
	// of pending_blocks. Each put-back block is prepended, so they come back
	// in reverse of the order they were put back.
	res2, err := m.GrabBlocks(ctx, 2, map[PieceNum]struct{}{0: {}})
	if err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}

	cancel()
	<-done

	if len(res2.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(res2.Blocks))
	}
	got := map[Block]bool{res2.Blocks[0].Block: true, res2.Blocks[1].Block: true}
	for _, pb := range pairs {
		if !got[pb.Block] {
			t.Errorf("block %v not re-granted after putback", pb.Block)
		}
	}
}

// TestS4EndgameEntry covers a single-piece, single-block torrent: the first
// peer leeches the only block, the second finds pending empty and nothing
// else in progress for it, and gets Endgame.
func TestS4EndgameEntry(t *testing.T) {
	data := bytes.Repeat([]byte{0xCC}, 16384)
	digest := sha1.Sum(data)
	pm, err := NewPieceMap([][20]byte{digest}, 16384, 16384, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	fs := newFakeFilesystem(pm)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0}})

	cancel, done := runManager(t, m)
	defer cancel()
	ctx := context.Background()

	eligible := map[PieceNum]struct{}{0: {}}

	first, err := m.GrabBlocks(ctx, 1, eligible)
	if err != nil {
		t.Fatalf("GrabBlocks (peer1): %v", err)
	}
	if first.Endgame || len(first.Blocks) != 1 {
		t.Fatalf("peer1 result = %+v, want single leech block", first)
	}

	second, err := m.GrabBlocks(ctx, 1, eligible)
	if err != nil {
		t.Fatalf("GrabBlocks (peer2): %v", err)
	}

	cancel()
	<-done

	if !second.Endgame {
		t.Fatalf("peer2 result = %+v, want endgame", second)
	}
	if len(second.Blocks) != 1 || second.Blocks[0].Block != first.Blocks[0].Block {
		t.Errorf("endgame result = %+v, want duplicate of %+v", second, first)
	}
}

// TestS5AskInterested exercises the truth table across done/in_progress/
// pending/unknown pieces.
func TestS5AskInterested(t *testing.T) {
	digests := [][20]byte{{1}, {2}, {3}}
	pm, err := NewPieceMap(digests, 16384, 16384*3, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	fs := newFakeFilesystem(pm)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0}})

	cancel, done := runManager(t, m)
	defer cancel()
	ctx := context.Background()

	// Open piece 1 into in_progress by grabbing one of its blocks.
	if _, err := m.GrabBlocks(ctx, 1, map[PieceNum]struct{}{1: {}}); err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}

	// Drive piece 0 to done.
	blk := Block{Offset: 0, Size: 16384}
	content := bytes.Repeat([]byte{0xDD}, 16384)
	fs.digests[0] = sha1.Sum(content)
	if _, err := m.GrabBlocks(ctx, 1, map[PieceNum]struct{}{0: {}}); err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}
	if err := m.StoreBlock(ctx, 0, blk, content); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	<-m.ChokeNotifications() // PieceDone(0)

	tests := []struct {
		set  map[PieceNum]struct{}
		want bool
	}{
		{map[PieceNum]struct{}{0: {}}, false},
		{map[PieceNum]struct{}{1: {}}, true},
		{map[PieceNum]struct{}{2: {}}, true},
		{map[PieceNum]struct{}{3: {}}, false},
	}

	for _, tt := range tests {
		got, err := m.AskInterested(ctx, tt.set)
		if err != nil {
			t.Fatalf("AskInterested(%v): %v", tt.set, err)
		}
		if got != tt.want {
			t.Errorf("AskInterested(%v) = %v, want %v", tt.set, got, tt.want)
		}
	}

	cancel()
	<-done
}

// TestS6StrayEndgameBlock covers a duplicate store in endgame: the second
// store of the same block arrives after the piece is already done and is
// ignored, without an error and without a second CompletedPiece.
func TestS6StrayEndgameBlock(t *testing.T) {
	data := bytes.Repeat([]byte{0xCC}, 16384)
	digest := sha1.Sum(data)
	pm, err := NewPieceMap([][20]byte{digest}, 16384, 16384, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	fs := newFakeFilesystem(pm)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0}})

	cancel, done := runManager(t, m)
	defer cancel()
	ctx := context.Background()
	eligible := map[PieceNum]struct{}{0: {}}

	if _, err := m.GrabBlocks(ctx, 1, eligible); err != nil {
		t.Fatalf("GrabBlocks (peer1): %v", err)
	}
	// Force endgame: second grab with nothing pending and nothing else
	// in-progress to drain triggers Endgame per S4.
	if _, err := m.GrabBlocks(ctx, 1, eligible); err != nil {
		t.Fatalf("GrabBlocks (peer2): %v", err)
	}

	blk := Block{Offset: 0, Size: 16384}

	if err := m.StoreBlock(ctx, 0, blk, data); err != nil {
		t.Fatalf("first StoreBlock: %v", err)
	}
	<-m.ChokeNotifications() // BlockComplete(0, blk) from endgame
	<-m.ChokeNotifications() // PieceDone(0)
	<-m.ChokeNotifications() // TorrentComplete

	// Second peer's store of the same block arrives after completion.
	if err := m.StoreBlock(ctx, 0, blk, data); err != nil {
		t.Fatalf("stray StoreBlock should be ignored, not errored: %v", err)
	}

	cancel()
	<-done

	if len(status.completedLengths) != 1 {
		t.Errorf("CompletedPiece fired %d times, want 1", len(status.completedLengths))
	}
}

// TestStoreBlock_Unsolicited covers spec.md §9's open question: a block
// that was never checked out to anyone (still sitting in pending_blocks)
// arrives via StoreBlock anyway. The decision is to record it like any
// other store, not reject it — but doing so must also retire it from
// pending_blocks, or a later GrabBlocks would hand the same block out again
// while it's already in have_blocks, killing the manager the next time the
// Consistency Auditor runs.
func TestStoreBlock_Unsolicited(t *testing.T) {
	data := bytes.Repeat([]byte{0xEE}, 32768)
	digest := sha1.Sum(data)
	pm, err := NewPieceMap([][20]byte{digest}, 32768, 32768, 16384)
	if err != nil {
		t.Fatalf("NewPieceMap: %v", err)
	}

	fs := newFakeFilesystem(pm)
	status := &fakeStatus{}
	m := newTestManager(t, pm, fs, status, &sequenceRNG{vals: []int{0}})

	cancel, done := runManager(t, m)
	defer cancel()
	ctx := context.Background()
	eligible := map[PieceNum]struct{}{0: {}}

	// Grab only one of the piece's two blocks; the other stays in
	// pending_blocks, never checked out to anyone.
	first, err := m.GrabBlocks(ctx, 1, eligible)
	if err != nil {
		t.Fatalf("GrabBlocks: %v", err)
	}
	if len(first.Blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(first.Blocks))
	}

	unsolicitedOffset := 16384
	if first.Blocks[0].Block.Offset == 16384 {
		unsolicitedOffset = 0
	}
	unsolicited := Block{Offset: unsolicitedOffset, Size: 16384}
	unsolicitedData := data[unsolicitedOffset : unsolicitedOffset+16384]

	// Store the never-granted block directly.
	if err := m.StoreBlock(ctx, 0, unsolicited, unsolicitedData); err != nil {
		t.Fatalf("unsolicited StoreBlock: %v", err)
	}

	// Nothing should be left to grab for piece 0: the unsolicited block is
	// already in have_blocks and must not still be offered from
	// pending_blocks. With pending empty and nothing grabbed, the call falls
	// back to endgame, whose only candidate is the block still checked out
	// to the first peer.
	second, err := m.GrabBlocks(ctx, 1, eligible)
	if err != nil {
		t.Fatalf("GrabBlocks after unsolicited store: %v", err)
	}
	if !second.Endgame || len(second.Blocks) != 1 || second.Blocks[0].Block != first.Blocks[0].Block {
		t.Errorf("expected endgame duplicate of %+v only, got %+v", first.Blocks[0], second)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("manager run returned error: %v", err)
	}
}
