// Package routing implements the support-call state machine: clients queue
// in a shared waiting voice channel, administrators claim them, and each
// claimed call gets an ephemeral private room that is torn down when either
// party leaves.
package routing

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultHoldDelay           = 4 * time.Second
	defaultClaimReleaseDelay   = 2 * time.Second
	defaultRoomDeleteDelay     = 3 * time.Second
	defaultEmptyReleaseDelay   = 3 * time.Second
	defaultCollaboratorTimeout = 15 * time.Second
	defaultQueueSize           = 256

	shutdownReleaseTimeout = 5 * time.Second
)

// Config holds the channel ids and grace delays the router works with.
type Config struct {
	WaitingChannelID string
	CategoryID       string
	AdminRoleID      string

	WaitingClip string
	LoopClip    string

	HoldDelay         time.Duration
	ClaimReleaseDelay time.Duration
	RoomDeleteDelay   time.Duration
	EmptyReleaseDelay time.Duration

	// CollaboratorTimeout bounds each directory, voice, or notifier call.
	CollaboratorTimeout time.Duration

	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.HoldDelay <= 0 {
		c.HoldDelay = defaultHoldDelay
	}
	if c.ClaimReleaseDelay <= 0 {
		c.ClaimReleaseDelay = defaultClaimReleaseDelay
	}
	if c.RoomDeleteDelay <= 0 {
		c.RoomDeleteDelay = defaultRoomDeleteDelay
	}
	if c.EmptyReleaseDelay <= 0 {
		c.EmptyReleaseDelay = defaultEmptyReleaseDelay
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = defaultCollaboratorTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Deps are the collaborators a Router drives. Calls, Rooms, and Clock
// default to fresh registries and the real clock when nil.
type Deps struct {
	Directory Directory
	Voice     VoiceProvider
	Notifier  Notifier
	Calls     *CallRegistry
	Rooms     *RoomRegistry
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// PresenceTransition is one voice-presence change: an entity moved from one
// voice channel to another. An empty channel id means "not in voice".
type PresenceTransition struct {
	EntityID      string
	EntityName    string
	GuildID       string
	FromChannelID string
	ToChannelID   string
	IsAdmin       bool
}

type task func(ctx context.Context)

// Router is the routing state machine. All state is owned by the goroutine
// running Run; every other entry point posts a task onto its queue.
type Router struct {
	cfg       Config
	directory Directory
	voice     VoiceProvider
	notifier  Notifier
	clock     clockwork.Clock
	logger    *slog.Logger

	calls     *CallRegistry
	rooms     *RoomRegistry
	sessions  map[string]VoiceSession
	holds     map[string]*guildHold
	holdGen   uint64
	observers []Observer

	queue     chan task
	done      chan struct{}
	closeOnce sync.Once

	snapshot atomic.Pointer[Snapshot]

	newID      func() string
	roomNumber func() int
}

// NewRouter creates a router. Observers must be added before Run starts.
func NewRouter(cfg Config, deps Deps) *Router {
	cfg.applyDefaults()
	if deps.Calls == nil {
		deps.Calls = NewCallRegistry()
	}
	if deps.Rooms == nil {
		deps.Rooms = NewRoomRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := &Router{
		cfg:        cfg,
		directory:  deps.Directory,
		voice:      deps.Voice,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		logger:     deps.Logger.With("subsystem", "routing"),
		calls:      deps.Calls,
		rooms:      deps.Rooms,
		sessions:   make(map[string]VoiceSession),
		holds:      make(map[string]*guildHold),
		queue:      make(chan task, cfg.QueueSize),
		done:       make(chan struct{}),
		newID:      uuid.NewString,
		roomNumber: func() int { return rand.IntN(1000) },
	}
	r.publishSnapshot()
	return r
}

// AddObserver registers a lifecycle observer.
func (r *Router) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// OnPresenceTransition queues a presence transition for the event loop.
// It is safe to call from any goroutine and returns without waiting for
// the transition to be applied.
func (r *Router) OnPresenceTransition(ev PresenceTransition) {
	r.post(func(ctx context.Context) { r.handle(ctx, ev) })
}

// Run processes queued transitions and deferred work until ctx is
// cancelled, then releases every voice session.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("routing loop started",
		"waiting_channel_id", r.cfg.WaitingChannelID,
		"category_id", r.cfg.CategoryID,
	)
	defer r.closeOnce.Do(func() { close(r.done) })

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case t := <-r.queue:
			r.exec(ctx, t)
		}
	}
}

func (r *Router) exec(ctx context.Context, t task) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("routing task panicked", "panic", p)
		}
		r.publishSnapshot()
	}()
	t(ctx)
}

// post enqueues t. After Run has returned, tasks are dropped.
func (r *Router) post(t task) {
	select {
	case r.queue <- t:
	case <-r.done:
	}
}

// after posts t onto the loop once d has elapsed.
func (r *Router) after(d time.Duration, t task) {
	r.clock.AfterFunc(d, func() { r.post(t) })
}

func (r *Router) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
}

func (r *Router) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownReleaseTimeout)
	defer cancel()

	for guildID, h := range r.holds {
		delete(r.holds, guildID)
		r.voice.Stop(h.playback)
	}
	for guildID, sess := range r.sessions {
		delete(r.sessions, guildID)
		if err := r.voice.Release(ctx, sess); err != nil {
			r.logger.Error("failed to release voice session on shutdown",
				"guild_id", guildID,
				"error", collaboratorError("release session", err),
			)
		}
	}
	r.publishSnapshot()
	r.logger.Info("routing loop stopped")
}

func (r *Router) emitQueued(c *Call) {
	for _, o := range r.observers {
		o.CallQueued(*c)
	}
}

func (r *Router) emitClaimed(c *Call) {
	for _, o := range r.observers {
		o.CallClaimed(*c)
	}
}

func (r *Router) emitEnded(c *Call, outcome Outcome) {
	now := r.clock.Now()
	for _, o := range r.observers {
		o.CallEnded(*c, outcome, now)
	}
}
