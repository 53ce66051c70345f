package pieces

import "fmt"

// PieceMap is the static, total map from PieceNum to PieceInfo, built once
// from parsed metainfo (internal/metainfo) at torrent load time.
type PieceMap struct {
	infos     []PieceInfo
	blockSize int
}

// NewPieceMap builds a flat PieceMap from a sequence of expected digests, a
// uniform piece length, a total torrent length, and the block size the
// Block Allocator should slice pieces into. The final piece is shorter than
// pieceLength when totalLength is not a multiple of it; every earlier piece
// has the uniform length.
func NewPieceMap(digests [][20]byte, pieceLength int, totalLength int64, blockSize int) (*PieceMap, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("pieces: piece length must be positive, got %d", pieceLength)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("pieces: block size must be positive, got %d", blockSize)
	}
	if len(digests) == 0 {
		return nil, fmt.Errorf("pieces: no piece digests")
	}

	infos := make([]PieceInfo, len(digests))
	var offset int64
	for i, digest := range digests {
		length := pieceLength
		if i == len(digests)-1 {
			if last := int(totalLength - offset); last > 0 && last < pieceLength {
				length = last
			}
		}

		infos[i] = PieceInfo{
			ByteOffsetInFile: offset,
			Length:           length,
			ExpectedDigest:   digest,
		}
		offset += int64(length)
	}

	return &PieceMap{infos: infos, blockSize: blockSize}, nil
}

// Count returns P, the total number of pieces.
func (m *PieceMap) Count() int { return len(m.infos) }

// BlockSize returns the configured block size blocks are sliced to.
func (m *PieceMap) BlockSize() int { return m.blockSize }

// Lookup returns the static info for pn. An out-of-range PieceNum is a
// programmer error — the caller has a PieceNum it did not get from this
// same map — and is fatal, not a recoverable condition.
func (m *PieceMap) Lookup(pn PieceNum) PieceInfo {
	if pn < 0 || int(pn) >= len(m.infos) {
		panic(fmt.Sprintf("pieces: PieceNum %d out of range [0, %d)", pn, len(m.infos)))
	}
	return m.infos[pn]
}

// Blocks returns the ordered block list covering pn via the Block Allocator.
func (m *PieceMap) Blocks(pn PieceNum) []Block {
	return blockPiece(m.blockSize, m.Lookup(pn).Length)
}
