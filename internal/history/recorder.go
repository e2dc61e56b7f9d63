// Package history persists a record of every ended support call.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/supportline/supportline/internal/database"
	"github.com/supportline/supportline/internal/database/models"
	"github.com/supportline/supportline/internal/routing"
)

const (
	defaultBuffer = 128
	writeTimeout  = 5 * time.Second
)

// Recorder is a routing.Observer that writes a call_records row for every
// ended call. Writes happen on a background goroutine started by Run so
// the routing loop never waits on the database.
type Recorder struct {
	repo   database.CallRecordRepository
	clock  clockwork.Clock
	logger *slog.Logger

	records chan *models.CallRecord

	mu      sync.Mutex
	claimed map[string]time.Time // call id -> claim time
}

// NewRecorder creates a Recorder. A buffer <= 0 uses the default size.
func NewRecorder(repo database.CallRecordRepository, clk clockwork.Clock, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Recorder{
		repo:    repo,
		clock:   clk,
		logger:  logger.With("subsystem", "history"),
		records: make(chan *models.CallRecord, buffer),
		claimed: make(map[string]time.Time),
	}
}

// CallQueued implements routing.Observer.
func (r *Recorder) CallQueued(routing.Call) {}

// CallClaimed implements routing.Observer.
func (r *Recorder) CallClaimed(c routing.Call) {
	r.mu.Lock()
	r.claimed[c.ID] = r.clock.Now()
	r.mu.Unlock()
}

// CallEnded implements routing.Observer. The record is dropped with a
// warning when the write buffer is full.
func (r *Recorder) CallEnded(c routing.Call, outcome routing.Outcome, endedAt time.Time) {
	r.mu.Lock()
	claimedAt, ok := r.claimed[c.ID]
	delete(r.claimed, c.ID)
	r.mu.Unlock()

	var claimed *time.Time
	if ok {
		claimed = &claimedAt
	} else if c.CallStartTime != nil {
		t := *c.CallStartTime
		claimed = &t
	}

	rec := recordFor(c, outcome, claimed, endedAt)
	select {
	case r.records <- rec:
	default:
		r.logger.Warn("history buffer full, dropping call record",
			"call_id", c.ID,
			"client_id", c.ClientID,
			"outcome", string(outcome),
		)
	}
}

// Run writes queued records until ctx is cancelled, then flushes whatever
// is still buffered.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("call history recorder started")
	for {
		select {
		case rec := <-r.records:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.flush()
			r.logger.Info("call history recorder stopped")
			return nil
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.records:
			r.write(context.Background(), rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec *models.CallRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.repo.Create(ctx, rec); err != nil {
		r.logger.Error("failed to write call record",
			"call_id", rec.CallID,
			"client_id", rec.ClientID,
			"error", err,
		)
		return
	}
	r.logger.Debug("call record written",
		"call_id", rec.CallID,
		"outcome", rec.Outcome,
		"wait_ms", rec.WaitMS,
		"talk_ms", rec.TalkMS,
	)
}

func recordFor(c routing.Call, outcome routing.Outcome, claimedAt *time.Time, endedAt time.Time) *models.CallRecord {
	rec := &models.CallRecord{
		CallID:     c.ID,
		GuildID:    c.GuildID,
		ClientID:   c.ClientID,
		ClientName: c.ClientName,
		AdminID:    c.AdminID,
		AdminName:  c.AdminName,
		RoomID:     c.PrivateRoomID,
		Outcome:    string(outcome),
		JoinedAt:   c.JoinedAt,
		ClaimedAt:  claimedAt,
		EndedAt:    endedAt,
		WaitMS:     c.WaitDuration(endedAt).Milliseconds(),
	}
	if c.CallStartTime != nil {
		rec.TalkMS = endedAt.Sub(*c.CallStartTime).Milliseconds()
	}
	return rec
}
