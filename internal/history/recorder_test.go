package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/supportline/supportline/internal/database"
	"github.com/supportline/supportline/internal/database/models"
	"github.com/supportline/supportline/internal/routing"
)

type fakeRepo struct {
	mu      sync.Mutex
	records []*models.CallRecord
	err     error
	written chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{written: make(chan struct{}, 16)}
}

func (f *fakeRepo) Create(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.written <- struct{}{}
	}()
	if f.err != nil {
		return f.err
	}
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) GetByCallID(context.Context, string) (*models.CallRecord, error) {
	return nil, nil
}

func (f *fakeRepo) List(context.Context, database.CallRecordListFilter) ([]models.CallRecord, int, error) {
	return nil, 0, nil
}

func (f *fakeRepo) CountByOutcome(context.Context) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeRepo) snapshot() []*models.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.CallRecord(nil), f.records...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func waitWritten(t *testing.T, repo *fakeRepo) {
	t.Helper()
	select {
	case <-repo.written:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record write")
	}
}

func TestRecorderWritesCompletedCall(t *testing.T) {
	repo := newFakeRepo()
	clk := clockwork.NewFakeClockAt(epoch)
	rec := NewRecorder(repo, clk, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	call := routing.Call{
		ID:         "call-1",
		ClientID:   "client-1",
		ClientName: "Alice",
		GuildID:    "guild-1",
		JoinedAt:   epoch,
	}
	rec.CallQueued(call)

	clk.Advance(20 * time.Second)
	call.AdminID = "admin-1"
	call.AdminName = "Bob"
	rec.CallClaimed(call)

	start := epoch.Add(21 * time.Second)
	call.CallStartTime = &start
	call.PrivateRoomID = "room-1"
	call.State = routing.StateInRoom
	rec.CallEnded(call, routing.OutcomeCompleted, start.Add(5*time.Minute))

	waitWritten(t, repo)
	got := repo.snapshot()
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	r := got[0]
	if r.CallID != "call-1" || r.Outcome != "completed" || r.RoomID != "room-1" || r.AdminID != "admin-1" {
		t.Errorf("record = %+v", r)
	}
	if r.ClaimedAt == nil || !r.ClaimedAt.Equal(epoch.Add(20*time.Second)) {
		t.Errorf("ClaimedAt = %v, want claim time", r.ClaimedAt)
	}
	if r.WaitMS != 21000 {
		t.Errorf("WaitMS = %d, want 21000", r.WaitMS)
	}
	if r.TalkMS != (5 * time.Minute).Milliseconds() {
		t.Errorf("TalkMS = %d, want 300000", r.TalkMS)
	}
}

func TestRecorderWritesAbandonedCall(t *testing.T) {
	repo := newFakeRepo()
	rec := NewRecorder(repo, clockwork.NewFakeClockAt(epoch), 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	call := routing.Call{ID: "call-2", ClientID: "client-2", GuildID: "guild-1", JoinedAt: epoch}
	rec.CallEnded(call, routing.OutcomeAbandoned, epoch.Add(45*time.Second))

	waitWritten(t, repo)
	r := repo.snapshot()[0]
	if r.ClaimedAt != nil {
		t.Errorf("ClaimedAt = %v, want nil", r.ClaimedAt)
	}
	if r.WaitMS != 45000 || r.TalkMS != 0 {
		t.Errorf("WaitMS=%d TalkMS=%d, want 45000/0", r.WaitMS, r.TalkMS)
	}
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	repo := newFakeRepo()
	rec := NewRecorder(repo, clockwork.NewFakeClockAt(epoch), 0, testLogger())

	for i, id := range []string{"call-a", "call-b"} {
		rec.CallEnded(routing.Call{ID: id, ClientID: id, JoinedAt: epoch}, routing.OutcomeAbandoned, epoch.Add(time.Duration(i)*time.Second))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := len(repo.snapshot()); got != 2 {
		t.Errorf("records after flush = %d, want 2", got)
	}
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	repo := newFakeRepo()
	rec := NewRecorder(repo, clockwork.NewFakeClockAt(epoch), 1, testLogger())

	rec.CallEnded(routing.Call{ID: "call-1", JoinedAt: epoch}, routing.OutcomeAbandoned, epoch)
	rec.CallEnded(routing.Call{ID: "call-2", JoinedAt: epoch}, routing.OutcomeAbandoned, epoch)

	if got := len(rec.records); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestRecorderWriteErrorIsLogged(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("disk full")
	rec := NewRecorder(repo, clockwork.NewFakeClockAt(epoch), 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	rec.CallEnded(routing.Call{ID: "call-1", JoinedAt: epoch}, routing.OutcomeFailed, epoch)
	waitWritten(t, repo)

	if got := len(repo.snapshot()); got != 0 {
		t.Errorf("records = %d, want 0", got)
	}
}

func TestRecorderAgainstSQLite(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	repo := database.NewCallRecordRepository(db)
	rec := NewRecorder(repo, clockwork.NewFakeClockAt(epoch), 0, testLogger())
	rec.CallEnded(routing.Call{ID: "call-9", ClientID: "c9", GuildID: "g", JoinedAt: epoch}, routing.OutcomeAbandoned, epoch.Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	got, err := repo.GetByCallID(context.Background(), "call-9")
	if err != nil || got == nil {
		t.Fatalf("GetByCallID() = %v, %v", got, err)
	}
	if got.Outcome != "abandoned" || got.WaitMS != 1000 {
		t.Errorf("record = %+v", got)
	}
}
