package pieces

import "context"

// CheckResult is the three-way outcome of asking the filesystem collaborator
// to verify a piece's digest (spec.md §6).
type CheckResult int

const (
	// CheckMismatch means the piece's digest does not match expected.
	CheckMismatch CheckResult = iota
	// CheckVerified means the piece's digest matches expected.
	CheckVerified
	// CheckUnknown means the filesystem collaborator has no record of the
	// piece at all — a protocol violation, never a legitimate response for
	// a tracked piece.
	CheckUnknown
)

// Filesystem is the external collaborator that owns the backing file. The
// Piece Manager talks to it only through this synchronous interface; it
// never touches a file handle itself.
type Filesystem interface {
	// WriteBlock persists bytes at blk within pn. len(bytes) must equal
	// blk.Size; violating that precondition is the caller's bug.
	WriteBlock(ctx context.Context, pn PieceNum, blk Block, data []byte) error

	// CheckPiece recomputes pn's digest and compares it against the
	// expected value from the Piece Map.
	CheckPiece(ctx context.Context, pn PieceNum) (CheckResult, error)
}

// StatusCollaborator receives download-progress notifications.
type StatusCollaborator interface {
	CompletedPiece(ctx context.Context, lengthBytes int) error
	TorrentCompleted(ctx context.Context) error
}

// ChokeNotification is a single outbound message queued on done_push_queue
// and drained strictly FIFO by the Event Dispatcher (spec.md §4.F, §5).
type ChokeNotification struct {
	Kind  ChokeNotificationKind
	Piece PieceNum
	Block Block
}

type ChokeNotificationKind int

const (
	NotifyPieceDone ChokeNotificationKind = iota
	NotifyBlockComplete
	NotifyTorrentComplete
)

// ChokeCollaborator receives PieceDone / BlockComplete / TorrentComplete
// notifications so it can decide which peers to serve and cancel
// outstanding duplicate requests.
type ChokeCollaborator interface {
	Notify(ctx context.Context, n ChokeNotification) error
}
