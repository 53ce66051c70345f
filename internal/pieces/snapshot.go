package pieces

// Snapshot is a read-only point-in-time view of the Piece Database's
// aggregate state, for status reporting (SPEC_FULL.md §4). It is not one of
// the five inbound RPC messages the dispatcher handles; Snapshot reads
// Manager's fields directly and is safe only when nothing else is
// concurrently mutating them — in practice, from tests driving a Manager
// whose Run goroutine hasn't started yet, or between an explicit stop and
// inspection.
type Snapshot struct {
	Pending     int
	InProgress  int
	Done        int
	Downloading int
	Endgame     bool
}

// Snapshot reports the current sizes of the pending, in-progress, and done
// sets, the number of blocks checked out for download, and whether the
// Piece Database has entered endgame.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		Pending:     len(m.db.pending),
		InProgress:  len(m.db.inProgress),
		Done:        len(m.db.done),
		Downloading: len(m.db.downloading),
		Endgame:     m.db.endgame,
	}
}
