// Package notify provides in-memory implementations of the status and
// choke collaborators the piece manager talks to (spec.md §6). Each
// outbound notification is tagged with a correlation ID so a supervising
// UI or choke subsystem can de-duplicate redelivery after reconnect.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nnyan/burrow/internal/pieces"
)

// StatusEvent is one notification delivered to the status collaborator,
// tagged with a correlation ID.
type StatusEvent struct {
	ID              uuid.UUID
	CompletedPiece  bool
	LengthBytes     int
	TorrentComplete bool
}

// Status is an in-memory StatusCollaborator: it logs and fans out each
// event on a channel a UI layer can subscribe to.
type Status struct {
	log *slog.Logger

	mu     sync.Mutex
	events []StatusEvent
	sink   chan StatusEvent
}

// NewStatus builds a Status collaborator with the given sink buffer size.
// Every event is recorded; it is also delivered live when the sink has room
// or, with a sink of 0, when a subscriber is already waiting on Sink.
func NewStatus(log *slog.Logger, sinkSize int) *Status {
	if log == nil {
		log = slog.Default()
	}
	return &Status{
		log:  log.With("component", "notify.status"),
		sink: make(chan StatusEvent, sinkSize),
	}
}

func (s *Status) CompletedPiece(ctx context.Context, lengthBytes int) error {
	ev := StatusEvent{ID: uuid.New(), CompletedPiece: true, LengthBytes: lengthBytes}
	s.record(ev)
	s.log.Info("piece completed", "bytes", lengthBytes, "event_id", ev.ID)
	return nil
}

func (s *Status) TorrentCompleted(ctx context.Context) error {
	ev := StatusEvent{ID: uuid.New(), TorrentComplete: true}
	s.record(ev)
	s.log.Info("torrent completed", "event_id", ev.ID)
	return nil
}

func (s *Status) record(ev StatusEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()

	select {
	case s.sink <- ev:
	default:
		// No subscriber draining the sink; the event is still recorded
		// above for anyone polling Events.
	}
}

// Events returns a snapshot of every event recorded so far.
func (s *Status) Events() []StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusEvent(nil), s.events...)
}

// Sink exposes the live event channel for subscribers.
func (s *Status) Sink() <-chan StatusEvent { return s.sink }

// ChokeEvent pairs a raw ChokeNotification with a correlation ID.
type ChokeEvent struct {
	ID           uuid.UUID
	Notification pieces.ChokeNotification
}

// Choke forwards a Manager's ChokeNotifications channel to a tagged event
// stream, logging each notification as it passes through. It's the in-
// memory stand-in for the real choke subsystem.
type Choke struct {
	log *slog.Logger
	out chan ChokeEvent
}

// NewChoke builds a Choke collaborator with the given output buffer size.
func NewChoke(log *slog.Logger, outSize int) *Choke {
	if log == nil {
		log = slog.Default()
	}
	return &Choke{
		log: log.With("component", "notify.choke"),
		out: make(chan ChokeEvent, outSize),
	}
}

// Run drains src (typically Manager.ChokeNotifications()) until it closes
// or ctx is cancelled, tagging and forwarding each notification.
func (c *Choke) Run(ctx context.Context, src <-chan pieces.ChokeNotification) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-src:
			if !ok {
				return nil
			}

			ev := ChokeEvent{ID: uuid.New(), Notification: n}
			c.log.Debug("choke notification", "kind", n.Kind, "piece", n.Piece, "event_id", ev.ID)

			select {
			case c.out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Events exposes the tagged notification stream.
func (c *Choke) Events() <-chan ChokeEvent { return c.out }
