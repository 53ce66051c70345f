// Package fsio is the filesystem collaborator: it owns the single backing
// file for a torrent and answers the piece manager's WriteBlock/CheckPiece
// requests (spec.md §6), plus the initial on-disk scan that builds the
// done-piece map create_pdb consumes. Single-file layout only, per spec
// non-goal ("multi-file torrents").
package fsio

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nnyan/burrow/internal/pieces"
)

// PieceGeometry is the subset of the Piece Map the store needs to locate
// and verify pieces, without importing internal/pieces' internal types
// directly into the hot write path.
type PieceGeometry struct {
	ByteOffsetInFile int64
	Length           int
	ExpectedDigest   [20]byte
}

// Store is the filesystem collaborator. It implements pieces.Filesystem.
type Store struct {
	log *slog.Logger

	mu sync.Mutex
	f  *os.File

	geometry []PieceGeometry

	recheckConcurrency int
}

// Open creates (if needed) and truncates the backing file at path to
// totalLength, ready for random-access WriteBlock calls.
func Open(log *slog.Logger, path string, totalLength int64, geometry []PieceGeometry, recheckConcurrency int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fsio: open %s: %w", path, err)
	}
	if err := f.Truncate(totalLength); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fsio: truncate %s: %w", path, err)
	}

	if recheckConcurrency <= 0 {
		recheckConcurrency = 1
	}

	if log == nil {
		log = slog.Default()
	}

	return &Store{
		log:                log.With("component", "fsio"),
		f:                  f,
		geometry:           geometry,
		recheckConcurrency: recheckConcurrency,
	}, nil
}

// Close releases the backing file handle.
func (s *Store) Close() error {
	return s.f.Close()
}

// WriteBlock persists data at blk's offset within pn. Precondition:
// len(data) == blk.Size.
func (s *Store) WriteBlock(ctx context.Context, pn pieces.PieceNum, blk pieces.Block, data []byte) error {
	if len(data) != blk.Size {
		return fmt.Errorf("fsio: WriteBlock(%d, %v): got %d bytes, want %d", pn, blk, len(data), blk.Size)
	}

	info, err := s.lookup(pn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.WriteAt(data, info.ByteOffsetInFile+int64(blk.Offset)); err != nil {
		return fmt.Errorf("fsio: WriteBlock(%d, %v): %w", pn, blk, err)
	}
	return nil
}

// CheckPiece re-reads pn from disk and compares its digest against the
// Piece Map's expected value.
func (s *Store) CheckPiece(ctx context.Context, pn pieces.PieceNum) (pieces.CheckResult, error) {
	info, err := s.lookup(pn)
	if err != nil {
		return pieces.CheckUnknown, nil
	}

	buf := make([]byte, info.Length)

	s.mu.Lock()
	_, err = s.f.ReadAt(buf, info.ByteOffsetInFile)
	s.mu.Unlock()
	if err != nil {
		return pieces.CheckMismatch, fmt.Errorf("fsio: CheckPiece(%d): %w", pn, err)
	}

	if sha1.Sum(buf) != info.ExpectedDigest {
		return pieces.CheckMismatch, nil
	}
	return pieces.CheckVerified, nil
}

func (s *Store) lookup(pn pieces.PieceNum) (PieceGeometry, error) {
	if pn < 0 || int(pn) >= len(s.geometry) {
		return PieceGeometry{}, fmt.Errorf("fsio: piece %d out of range", pn)
	}
	return s.geometry[pn], nil
}

// RecheckTorrent verifies every piece already on disk against its expected
// digest, in bounded concurrency, and returns the done-piece map create_pdb
// consumes. Supplements spec.md's unspecified "initial scan".
func (s *Store) RecheckTorrent(ctx context.Context) (map[pieces.PieceNum]bool, error) {
	done := make(map[pieces.PieceNum]bool, len(s.geometry))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.recheckConcurrency)

	for i := range s.geometry {
		pn := pieces.PieceNum(i)
		g.Go(func() error {
			result, err := s.CheckPiece(ctx, pn)
			if err != nil {
				return err
			}

			mu.Lock()
			done[pn] = result == pieces.CheckVerified
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fsio: recheck torrent: %w", err)
	}

	verified := 0
	for _, ok := range done {
		if ok {
			verified++
		}
	}
	s.log.Info("initial recheck complete", "pieces_verified", verified, "pieces_total", len(s.geometry))

	return done, nil
}
