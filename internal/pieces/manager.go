package pieces

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Manager is the Piece Manager: the single-threaded dispatcher that owns
// the Piece Database and is its only mutator (spec.md §4.F, §5). Everything
// else — peers, filesystem, status, choke — reaches it only through the
// inbound channel and the collaborator interfaces in collab.go.
type Manager struct {
	log *slog.Logger

	pieceMap *PieceMap
	db       *pdb
	rng      rng

	assertInterval int

	fs     Filesystem
	status StatusCollaborator

	inbound chan any

	// outboundChoke is the rendezvous channel done_push_queue drains into,
	// one notification at a time, strictly FIFO (spec.md §4.F, §5).
	outboundChoke chan ChokeNotification

	// onFatal is invoked with the diagnostic FatalError whenever a
	// programmer-invariant violation is detected, per the supervisor
	// protocol of spec.md §7. It runs on the dispatcher goroutine; it
	// must not block or call back into the Manager.
	onFatal func(*FatalError)
}

// Opts configures a new Manager.
type Opts struct {
	Log            *slog.Logger
	PieceMap       *PieceMap
	DoneMap        map[PieceNum]bool
	AssertInterval int
	Filesystem     Filesystem
	Status         StatusCollaborator
	OnFatal        func(*FatalError)

	// RNG overrides the process-wide random source; tests inject a
	// deterministic one (spec.md §9).
	RNG rng
}

// rngFromRand adapts *rand.Rand to the rng interface.
type rngFromRand struct{ r *rand.Rand }

func (a rngFromRand) Intn(n int) int { return a.r.Intn(n) }

// NewManager builds a Manager and its Piece Database from the filesystem
// collaborator's initial scan (doneMap). It does not start the dispatcher —
// call Run in its own goroutine to do that.
func NewManager(opts Opts) *Manager {
	if opts.AssertInterval <= 0 {
		opts.AssertInterval = 10
	}
	if opts.RNG == nil {
		// Auto-seeded: every process run picks and shuffles differently, so
		// concurrent downloaders of the same torrent diffuse contention
		// instead of racing the same piece (spec.md §4.D). Tests inject a
		// deterministic RNG instead of relying on this default.
		opts.RNG = rngFromRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Manager{
		log:            opts.Log.With("component", "pieces"),
		pieceMap:       opts.PieceMap,
		db:             createPDB(opts.DoneMap, opts.PieceMap),
		rng:            opts.RNG,
		assertInterval: opts.AssertInterval,
		fs:             opts.Filesystem,
		status:         opts.Status,
		onFatal:        opts.OnFatal,
		inbound:        make(chan any),
		outboundChoke:  make(chan ChokeNotification),
	}
}

// ChokeNotifications returns the channel the choke collaborator should
// receive PieceDone / BlockComplete / TorrentComplete notifications from.
// done_push_queue drains into it strictly FIFO.
func (m *Manager) ChokeNotifications() <-chan ChokeNotification {
	return m.outboundChoke
}

// Run is the Event Dispatcher (spec.md §4.F): a single-threaded loop that
// multiplexes inbound RPC against delivery of queued choke notifications.
// It returns when ctx is cancelled or a fatal error is hit.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Debug("piece manager event loop started")

	for {
		if err := m.audit(); err != nil {
			return err
		}

		if head, ok := m.db.peekNotify(); ok {
			select {
			case <-ctx.Done():
				m.log.Info("piece manager shutting down", "reason", ctx.Err())
				return nil

			case msg, ok := <-m.inbound:
				if !ok {
					return nil
				}
				if err := m.dispatch(ctx, msg); err != nil {
					return err
				}

			case m.outboundChoke <- head:
				m.db.popNotify()
			}
			continue
		}

		select {
		case <-ctx.Done():
			m.log.Info("piece manager shutting down", "reason", ctx.Err())
			return nil

		case msg, ok := <-m.inbound:
			if !ok {
				return nil
			}
			if err := m.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, raw any) error {
	switch msg := raw.(type) {
	case GrabBlocksMsg:
		res := m.db.grabBlocks(m.pieceMap, m.rng, msg.K, msg.Eligible)
		msg.Reply <- res

	case StoreBlockMsg:
		err := m.storeBlock(ctx, msg.Piece, msg.Block, msg.Data)
		msg.Reply <- err
		if _, ok := err.(*FatalError); ok {
			return err
		}

	case PutbackBlocksMsg:
		err := m.putbackBlocks(msg.Pairs)
		msg.Reply <- err
		if _, ok := err.(*FatalError); ok {
			return err
		}

	case AskInterestedMsg:
		msg.Reply <- m.askInterested(msg.Set)

	case GetDoneMsg:
		msg.Reply <- m.getDone()
	}

	return nil
}
