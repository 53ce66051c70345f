// Package pieces is the piece manager: the state machine that tracks which
// pieces and blocks of a torrent are pending, in progress, or done, hands out
// work to peers, verifies completed pieces, and drives the transition into
// endgame mode. It owns no file handles and no network sockets — those are
// external collaborators reached only through the interfaces in collab.go.
package pieces

import "fmt"

// PieceNum is a dense, non-negative piece identifier in [0, P).
type PieceNum int

// Block is a byte range within a single piece, identified by its offset from
// the start of the piece and its length. Two blocks are equal iff both
// fields match.
type Block struct {
	Offset int
	Size   int
}

func (b Block) String() string {
	return fmt.Sprintf("Block(%d,%d)", b.Offset, b.Size)
}

// PieceInfo is static, immutable per-piece metadata built once from parsed
// metainfo.
type PieceInfo struct {
	// ByteOffsetInFile is where this piece begins in the backing file.
	ByteOffsetInFile int64

	// Length is the piece's length in bytes. Every piece but the last has
	// the torrent's uniform piece length; the last may be shorter.
	Length int

	// ExpectedDigest is the 20-byte SHA-1 digest this piece must hash to
	// once fully written.
	ExpectedDigest [20]byte
}

// InProgressPiece is a piece that has been opened for download — at least
// one block has been handed out or written — but is not yet verified.
type InProgressPiece struct {
	TotalBlocks int

	// HaveBlocks is the set of blocks already written to disk for this
	// piece, keyed by offset.
	HaveBlocks map[int]Block

	// PendingBlocks is the ordered queue of blocks not yet checked out to
	// any peer. Head of queue is granted first.
	PendingBlocks []Block
}

func newInProgressPiece(blocks []Block) *InProgressPiece {
	return &InProgressPiece{
		TotalBlocks:   len(blocks),
		HaveBlocks:    make(map[int]Block, len(blocks)),
		PendingBlocks: append([]Block(nil), blocks...),
	}
}

// checkout removes up to n blocks from the head of PendingBlocks and returns
// them.
func (ipp *InProgressPiece) checkout(n int) []Block {
	if n > len(ipp.PendingBlocks) {
		n = len(ipp.PendingBlocks)
	}

	taken := append([]Block(nil), ipp.PendingBlocks[:n]...)
	ipp.PendingBlocks = ipp.PendingBlocks[n:]
	return taken
}

// putback prepends blk to the head of PendingBlocks.
func (ipp *InProgressPiece) putback(blk Block) {
	ipp.PendingBlocks = append([]Block{blk}, ipp.PendingBlocks...)
}

// removePending splices blk out of PendingBlocks, wherever it sits in the
// queue. A block can land here out of order when it's stored without ever
// having been checked out (spec.md §9's unsolicited-store case) — without
// this, the block stays eligible for a later checkout while also recorded
// in HaveBlocks, violating the "downloading disjoint from have_blocks"
// invariant the very next time it's grabbed.
func (ipp *InProgressPiece) removePending(blk Block) {
	for i, p := range ipp.PendingBlocks {
		if p == blk {
			ipp.PendingBlocks = append(ipp.PendingBlocks[:i], ipp.PendingBlocks[i+1:]...)
			return
		}
	}
}

// complete reports whether every block of the piece has been written.
func (ipp *InProgressPiece) complete() bool {
	return len(ipp.HaveBlocks) == ipp.TotalBlocks
}

// checkoutPair is a block currently handed out to some peer.
type checkoutPair struct {
	Piece PieceNum
	Block Block
}

// GrabResult tags a GrabBlocks response as ordinary leeching or endgame
// duplication, per spec.md §4.D.
type GrabResult struct {
	Endgame bool
	Blocks  []PieceBlock
}

// PieceBlock pairs a piece number with one of its blocks — the unit the
// Grab Engine and put-back deal in.
type PieceBlock struct {
	Piece PieceNum
	Block Block
}
