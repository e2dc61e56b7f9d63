package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	testGuild   = "guild-1"
	testWaiting = "waiting"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeDirectory struct {
	ops       *[]string
	members   map[string][]Member
	createErr error
	listErr   error
	created   []RoomRequest
	deleted   []string
	nextRoom  int
}

func (d *fakeDirectory) add(channelID string, m Member) {
	d.members[channelID] = append(d.members[channelID], m)
}

func (d *fakeDirectory) remove(channelID, memberID string) (Member, bool) {
	list := d.members[channelID]
	for i, m := range list {
		if m.ID == memberID {
			d.members[channelID] = append(list[:i:i], list[i+1:]...)
			return m, true
		}
	}
	return Member{}, false
}

func (d *fakeDirectory) CreateVoiceChannel(_ context.Context, req RoomRequest) (string, error) {
	*d.ops = append(*d.ops, "create")
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextRoom++
	d.created = append(d.created, req)
	return fmt.Sprintf("room-%d", d.nextRoom), nil
}

func (d *fakeDirectory) DeleteChannel(_ context.Context, _, channelID, _ string) (bool, error) {
	*d.ops = append(*d.ops, "delete:"+channelID)
	d.deleted = append(d.deleted, channelID)
	return true, nil
}

func (d *fakeDirectory) MoveMember(_ context.Context, _, memberID, channelID string) (bool, error) {
	*d.ops = append(*d.ops, "move:"+memberID)
	for ch := range d.members {
		if m, ok := d.remove(ch, memberID); ok {
			d.add(channelID, m)
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) ListMembers(_ context.Context, _, channelID string) ([]Member, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	return append([]Member(nil), d.members[channelID]...), nil
}

type fakeSession struct {
	guild, channel string
	dead           bool
}

func (s *fakeSession) GuildID() string   { return s.guild }
func (s *fakeSession) ChannelID() string { return s.channel }
func (s *fakeSession) Alive() bool       { return !s.dead }

type fakePlayback struct {
	clip    string
	onDone  func()
	stopped bool
}

func (p *fakePlayback) Clip() string { return p.clip }

type fakeVoice struct {
	ops        *[]string
	acquireErr error
	acquired   int
	released   int
	sessions   []*fakeSession
	plays      []*fakePlayback
}

func (v *fakeVoice) Acquire(_ context.Context, guildID, channelID string) (VoiceSession, error) {
	*v.ops = append(*v.ops, "acquire")
	if v.acquireErr != nil {
		return nil, v.acquireErr
	}
	v.acquired++
	s := &fakeSession{guild: guildID, channel: channelID}
	v.sessions = append(v.sessions, s)
	return s, nil
}

func (v *fakeVoice) Release(_ context.Context, _ VoiceSession) error {
	*v.ops = append(*v.ops, "release")
	v.released++
	return nil
}

func (v *fakeVoice) Play(_ VoiceSession, clip string, onDone func()) (Playback, error) {
	*v.ops = append(*v.ops, "play:"+clip)
	pb := &fakePlayback{clip: clip, onDone: onDone}
	v.plays = append(v.plays, pb)
	return pb, nil
}

func (v *fakeVoice) Stop(p Playback) {
	pb := p.(*fakePlayback)
	*v.ops = append(*v.ops, "stop:"+pb.clip)
	pb.stopped = true
}

type fakeNotifier struct {
	kinds []NotificationKind
	sent  []Notification
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, kind NotificationKind, msg Notification) error {
	n.kinds = append(n.kinds, kind)
	n.sent = append(n.sent, msg)
	return n.err
}

type fakeObserver struct {
	events []string
}

func (o *fakeObserver) CallQueued(c Call)  { o.events = append(o.events, "queued:"+c.ClientID) }
func (o *fakeObserver) CallClaimed(c Call) { o.events = append(o.events, "claimed:"+c.ClientID) }
func (o *fakeObserver) CallEnded(c Call, outcome Outcome, _ time.Time) {
	o.events = append(o.events, fmt.Sprintf("ended:%s:%s", c.ClientID, outcome))
}

// testClock runs AfterFunc callbacks on the goroutine that advances it, in
// deadline order, so deferred tasks are queued by the time advance returns.
type testClock struct {
	*clockwork.FakeClock

	mu      sync.Mutex
	pending []*pendingFunc
}

type pendingFunc struct {
	due   time.Time
	f     func()
	fired chan struct{}
}

func newTestClock(at time.Time) *testClock {
	return &testClock{FakeClock: clockwork.NewFakeClockAt(at)}
}

func (c *testClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	p := &pendingFunc{due: c.Now().Add(d), f: f, fired: make(chan struct{})}
	c.mu.Lock()
	c.pending = append(c.pending, p)
	c.mu.Unlock()
	return c.FakeClock.AfterFunc(d, func() { close(p.fired) })
}

func (c *testClock) advance(d time.Duration) {
	c.Advance(d)
	now := c.Now()

	c.mu.Lock()
	var due, rest []*pendingFunc
	for _, p := range c.pending {
		if p.due.After(now) {
			rest = append(rest, p)
		} else {
			due = append(due, p)
		}
	}
	c.pending = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, p := range due {
		<-p.fired
		p.f()
	}
}

// --- harness ---

type harness struct {
	t        *testing.T
	ctx      context.Context
	r        *Router
	clock    *testClock
	dir      *fakeDirectory
	voice    *fakeVoice
	notifier *fakeNotifier
	obs      *fakeObserver
	ops      []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background()}
	h.clock = newTestClock(epoch)
	h.dir = &fakeDirectory{ops: &h.ops, members: make(map[string][]Member)}
	h.voice = &fakeVoice{ops: &h.ops}
	h.notifier = &fakeNotifier{}
	h.obs = &fakeObserver{}

	h.r = NewRouter(Config{
		WaitingChannelID: testWaiting,
		CategoryID:       "category-1",
		AdminRoleID:      "role-admin",
		WaitingClip:      "waiting",
		LoopClip:         "loop",
	}, Deps{
		Directory: h.dir,
		Voice:     h.voice,
		Notifier:  h.notifier,
		Clock:     h.clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	n := 0
	h.r.newID = func() string {
		n++
		return fmt.Sprintf("call-%d", n)
	}
	h.r.roomNumber = func() int { return 7 }
	h.r.AddObserver(h.obs)
	return h
}

// drain runs queued tasks on the test goroutine, standing in for Run.
func (h *harness) drain() {
	for {
		select {
		case t := <-h.r.queue:
			h.r.exec(h.ctx, t)
		default:
			return
		}
	}
}

func (h *harness) send(ev PresenceTransition) {
	h.r.OnPresenceTransition(ev)
	h.drain()
}

func (h *harness) advance(d time.Duration) {
	h.clock.advance(d)
	h.drain()
}

func (h *harness) enter(m Member) {
	h.dir.add(testWaiting, m)
	h.send(PresenceTransition{EntityID: m.ID, EntityName: m.Name, GuildID: testGuild, ToChannelID: testWaiting, IsAdmin: m.IsAdmin})
}

func (h *harness) leave(m Member, from string) {
	h.dir.remove(from, m.ID)
	h.send(PresenceTransition{EntityID: m.ID, EntityName: m.Name, GuildID: testGuild, FromChannelID: from, IsAdmin: m.IsAdmin})
}

func (h *harness) move(m Member, from, to string) {
	if _, ok := h.dir.remove(from, m.ID); ok {
		h.dir.add(to, m)
	}
	h.send(PresenceTransition{EntityID: m.ID, EntityName: m.Name, GuildID: testGuild, FromChannelID: from, ToChannelID: to, IsAdmin: m.IsAdmin})
}

// migrate delivers the presence updates produced by the router's own
// MoveMember calls for a call provisioned into room.
func (h *harness) migrate(client, admin Member, room string) {
	h.send(PresenceTransition{EntityID: client.ID, EntityName: client.Name, GuildID: testGuild, FromChannelID: testWaiting, ToChannelID: room})
	h.send(PresenceTransition{EntityID: admin.ID, EntityName: admin.Name, GuildID: testGuild, FromChannelID: testWaiting, ToChannelID: room, IsAdmin: true})
}

func (h *harness) call(clientID string) *Call {
	h.t.Helper()
	c, ok := h.r.calls.Get(clientID)
	if !ok {
		h.t.Fatalf("no call for client %s", clientID)
	}
	return c
}

func (h *harness) count(op string) int {
	n := 0
	for _, o := range h.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (h *harness) index(op string) int {
	for i, o := range h.ops {
		if o == op {
			return i
		}
	}
	return -1
}

// assertRoomBijection checks that a call is in_room exactly when its room
// is registered.
func (h *harness) assertRoomBijection() {
	h.t.Helper()
	for _, c := range h.r.calls.Values() {
		_, registered := h.r.rooms.Get(c.PrivateRoomID)
		if (c.State == StateInRoom) != (c.PrivateRoomID != "" && registered) {
			h.t.Errorf("call %s state=%s room=%q registered=%v", c.ClientID, c.State, c.PrivateRoomID, registered)
		}
	}
}

func client(id string) Member { return Member{ID: id, Name: "Client " + id} }
func admin(id string) Member  { return Member{ID: id, Name: "Admin " + id, IsAdmin: true} }

// --- tests ---

func TestClientQueuedPlaysHoldAudioAfterDelay(t *testing.T) {
	h := newHarness(t)
	c1 := client("c1")

	h.enter(c1)

	c := h.call("c1")
	if c.State != StateWaiting || c.HoldAudioMuted {
		t.Fatalf("call state = %s muted=%v, want waiting unmuted", c.State, c.HoldAudioMuted)
	}
	if len(h.notifier.kinds) != 1 || h.notifier.kinds[0] != NewCallQueued {
		t.Fatalf("notifications = %v, want [new_call_queued]", h.notifier.kinds)
	}
	if h.voice.acquired != 1 {
		t.Fatalf("acquired = %d, want 1", h.voice.acquired)
	}

	h.advance(3900 * time.Millisecond)
	if len(h.voice.plays) != 0 {
		t.Fatalf("hold audio started early: %d plays", len(h.voice.plays))
	}

	h.advance(100 * time.Millisecond)
	if len(h.voice.plays) != 1 || h.voice.plays[0].clip != "waiting" {
		t.Fatalf("plays after 4s = %d, want waiting clip", len(h.voice.plays))
	}

	h.voice.plays[0].onDone()
	h.drain()
	if len(h.voice.plays) != 2 || h.voice.plays[1].clip != "loop" {
		t.Fatalf("expected loop clip after waiting clip, got %d plays", len(h.voice.plays))
	}

	h.voice.plays[1].onDone()
	h.drain()
	if len(h.voice.plays) != 3 || h.voice.plays[2].clip != "loop" {
		t.Fatalf("loop did not re-arm, got %d plays", len(h.voice.plays))
	}
}

func TestImmediateClaimWhenAdminPresent(t *testing.T) {
	h := newHarness(t)
	a1 := admin("a1")
	h.dir.add(testWaiting, a1)

	h.enter(client("c1"))

	c := h.call("c1")
	if c.State != StateInRoom || !c.HoldAudioMuted {
		t.Fatalf("call state = %s muted=%v, want in_room muted", c.State, c.HoldAudioMuted)
	}
	if c.AdminID != "a1" || c.PrivateRoomID != "room-1" || c.CallStartTime == nil {
		t.Fatalf("call = %+v", c)
	}
	if len(h.voice.plays) != 0 || h.voice.acquired != 0 {
		t.Fatalf("hold audio touched: plays=%d acquired=%d", len(h.voice.plays), h.voice.acquired)
	}
	if len(h.notifier.kinds) != 1 || h.notifier.kinds[0] != CallClaimed {
		t.Fatalf("notifications = %v, want [call_claimed]", h.notifier.kinds)
	}
	if got := h.index("move:c1"); got < 0 || got > h.index("move:a1") {
		t.Fatalf("client must move before admin, ops = %v", h.ops)
	}
	for _, e := range h.obs.events {
		if e == "queued:c1" {
			t.Fatal("immediately claimed call must never be queued")
		}
	}

	h.advance(10 * time.Second)
	if len(h.voice.plays) != 0 {
		t.Fatal("hold audio started for claimed call")
	}
	h.assertRoomBijection()
}

func TestAdminClaimStopsHoldBeforeRoomCreation(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.advance(4 * time.Second)
	if len(h.voice.plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(h.voice.plays))
	}

	h.enter(admin("a1"))

	if !h.voice.plays[0].stopped {
		t.Fatal("hold audio not stopped on claim")
	}
	stop, create := h.index("stop:waiting"), h.index("create")
	if stop < 0 || create < 0 || stop > create {
		t.Fatalf("stop must precede create, ops = %v", h.ops)
	}
	if n := h.count("create"); n != 1 {
		t.Fatalf("create called %d times, want 1", n)
	}

	req := h.dir.created[0]
	if req.Name != "Supp-Client-c1-7" || req.ParentID != "category-1" || req.GuildID != testGuild {
		t.Errorf("room request = %+v", req)
	}
	if len(req.Grants) != 4 {
		t.Fatalf("grants = %d, want 4", len(req.Grants))
	}
	if g := req.Grants[0]; !g.Role || g.SubjectID != testGuild || !g.Deny.Has(PermViewChannel|PermConnect) {
		t.Errorf("everyone grant = %+v", g)
	}
	if g := req.Grants[2]; g.SubjectID != "a1" || !g.Allow.Has(PermMoveMembers) {
		t.Errorf("admin grant = %+v", g)
	}
	if g := req.Grants[1]; g.SubjectID != "c1" || g.Allow.Has(PermMoveMembers) {
		t.Errorf("client grant = %+v", g)
	}
	h.assertRoomBijection()
}

func TestAdminClaimsOldestWaitingClient(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.advance(time.Second)
	h.enter(client("c2"))
	h.advance(time.Second)

	h.enter(admin("a1"))

	if c := h.call("c1"); c.State != StateInRoom || c.AdminID != "a1" {
		t.Fatalf("c1 state = %s admin = %s, want in_room claimed by a1", c.State, c.AdminID)
	}
	if c := h.call("c2"); c.State != StateWaiting || c.AdminID != "" {
		t.Fatalf("c2 state = %s, want still waiting", c.State)
	}
	if h.r.rooms.Len() != 1 {
		t.Fatalf("rooms = %d, want 1", h.r.rooms.Len())
	}
}

func TestAdminEntryWithoutWaitingClientIsNoop(t *testing.T) {
	h := newHarness(t)
	h.enter(admin("a1"))

	if h.count("create") != 0 || h.r.calls.Len() != 0 {
		t.Fatalf("ops = %v calls = %d", h.ops, h.r.calls.Len())
	}
}

func TestAdminDoesNotClaimClientNoLongerListed(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	// Presence drifted: c1 is gone from the directory listing but the
	// departure event has not arrived yet.
	h.dir.remove(testWaiting, "c1")

	h.enter(admin("a1"))

	if h.count("create") != 0 {
		t.Fatal("room created for client not in waiting room")
	}
	if h.call("c1").State != StateWaiting {
		t.Fatal("call should remain waiting")
	}
}

func TestClaimScenarioWithoutHoldAudio(t *testing.T) {
	h := newHarness(t)
	c1, a1 := client("c1"), admin("a1")

	h.enter(c1)
	h.advance(time.Second)
	h.enter(a1)
	h.migrate(c1, a1, "room-1")

	c := h.call("c1")
	if c.State != StateInRoom || c.PrivateRoomID != "room-1" {
		t.Fatalf("call = %+v, want in room-1", c)
	}

	h.advance(2 * time.Second)
	if h.voice.released != 1 {
		t.Fatalf("released = %d, want session released 2s after claim", h.voice.released)
	}

	h.advance(5 * time.Second)
	if len(h.voice.plays) != 0 {
		t.Fatalf("hold audio played %d times, want 0", len(h.voice.plays))
	}
	h.assertRoomBijection()
}

func TestPrivateRoomDeletedOnceAfterDelay(t *testing.T) {
	h := newHarness(t)
	c1, a1 := client("c1"), admin("a1")
	h.enter(c1)
	h.advance(time.Second)
	h.enter(a1)
	h.migrate(c1, a1, "room-1")

	h.leave(c1, "room-1")
	if _, ok := h.r.calls.Get("c1"); ok {
		t.Fatal("call not removed on client departure from room")
	}
	if _, ok := h.r.rooms.Get("room-1"); !ok {
		t.Fatal("room removed before grace delay")
	}

	h.advance(time.Second)
	h.leave(a1, "room-1")

	h.advance(1900 * time.Millisecond)
	if len(h.dir.deleted) != 0 {
		t.Fatal("room deleted before 3s")
	}
	h.advance(100 * time.Millisecond)
	if len(h.dir.deleted) != 1 || h.dir.deleted[0] != "room-1" {
		t.Fatalf("deleted = %v, want [room-1]", h.dir.deleted)
	}
	if h.r.rooms.Len() != 0 {
		t.Fatal("room still registered after deletion")
	}

	h.advance(10 * time.Second)
	if len(h.dir.deleted) != 1 {
		t.Fatalf("room deleted %d times, want exactly once", len(h.dir.deleted))
	}

	want := []string{"queued:c1", "claimed:c1", "ended:c1:completed"}
	if fmt.Sprint(h.obs.events) != fmt.Sprint(want) {
		t.Errorf("observer events = %v, want %v", h.obs.events, want)
	}
}

func TestAdminLeavingRoomEndsCall(t *testing.T) {
	h := newHarness(t)
	c1, a1 := client("c1"), admin("a1")
	h.dir.add(testWaiting, a1)
	h.enter(c1)
	h.migrate(c1, a1, "room-1")

	h.leave(a1, "room-1")
	if _, ok := h.r.calls.Get("c1"); ok {
		t.Fatal("call should end when admin leaves")
	}
	h.leave(c1, "room-1")
	h.advance(3 * time.Second)
	if len(h.dir.deleted) != 1 {
		t.Fatalf("deleted = %v", h.dir.deleted)
	}
}

func TestNonPartyLeavingRoomIsIgnored(t *testing.T) {
	h := newHarness(t)
	c1, a1 := client("c1"), admin("a1")
	h.dir.add(testWaiting, a1)
	h.enter(c1)
	h.migrate(c1, a1, "room-1")

	h.send(PresenceTransition{EntityID: "x9", GuildID: testGuild, FromChannelID: "room-1"})

	if h.call("c1").State != StateInRoom {
		t.Fatal("call disturbed by non-party departure")
	}
	h.advance(5 * time.Second)
	if len(h.dir.deleted) != 0 {
		t.Fatal("room deleted after non-party departure")
	}
}

func TestClientAbandonsWaitingRoom(t *testing.T) {
	h := newHarness(t)
	c1 := client("c1")
	h.enter(c1)
	h.advance(2 * time.Second)

	h.leave(c1, testWaiting)
	if h.r.calls.Len() != 0 {
		t.Fatal("call not removed")
	}

	h.advance(2 * time.Second)
	if len(h.voice.plays) != 0 {
		t.Fatal("hold audio started for departed client")
	}

	h.advance(time.Second)
	if h.voice.released != 1 {
		t.Fatalf("released = %d, want 1 after empty check", h.voice.released)
	}
	if got := h.obs.events[len(h.obs.events)-1]; got != "ended:c1:abandoned" {
		t.Errorf("last event = %s, want ended:c1:abandoned", got)
	}
}

func TestClientLeavingDuringHoldStopsAudio(t *testing.T) {
	h := newHarness(t)
	c1 := client("c1")
	h.enter(c1)
	h.advance(4 * time.Second)

	h.leave(c1, testWaiting)
	if !h.voice.plays[0].stopped {
		t.Fatal("hold audio not stopped on departure")
	}
}

func TestSessionKeptWhileChannelOccupied(t *testing.T) {
	h := newHarness(t)
	c1, c2 := client("c1"), client("c2")
	h.enter(c1)
	h.enter(c2)

	h.leave(c1, testWaiting)
	h.advance(3 * time.Second)
	if h.voice.released != 0 {
		t.Fatal("session released while a client still waits")
	}
	if h.voice.acquired != 1 {
		t.Fatalf("acquired = %d, want one shared session", h.voice.acquired)
	}
}

func TestRejoinDiscardsStaleHoldStart(t *testing.T) {
	h := newHarness(t)
	c1 := client("c1")
	h.enter(c1)
	h.advance(time.Second)
	h.leave(c1, testWaiting)
	h.advance(time.Second)
	h.enter(c1)

	if h.call("c1").ID != "call-2" {
		t.Fatalf("rejoin call id = %s, want call-2", h.call("c1").ID)
	}

	h.advance(2 * time.Second) // first call's hold timer fires here
	if len(h.voice.plays) != 0 {
		t.Fatal("stale hold start played audio")
	}
	h.advance(2 * time.Second)
	if len(h.voice.plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(h.voice.plays))
	}
}

func TestDuplicateEntryIgnored(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	first := h.call("c1").ID

	h.send(PresenceTransition{EntityID: "c1", GuildID: testGuild, FromChannelID: "elsewhere", ToChannelID: testWaiting})

	if h.r.calls.Len() != 1 || h.call("c1").ID != first {
		t.Fatal("duplicate entry replaced existing call")
	}
	if len(h.notifier.kinds) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.kinds))
	}
}

func TestSameChannelTransitionIgnored(t *testing.T) {
	h := newHarness(t)
	h.send(PresenceTransition{EntityID: "c1", GuildID: testGuild, FromChannelID: testWaiting, ToChannelID: testWaiting})

	if h.r.calls.Len() != 0 || len(h.ops) != 0 {
		t.Fatalf("ops = %v", h.ops)
	}
}

func TestUntrackedDepartureStillSchedulesRelease(t *testing.T) {
	h := newHarness(t)
	h.send(PresenceTransition{EntityID: "c1", GuildID: testGuild, FromChannelID: testWaiting})
	h.advance(3 * time.Second)

	if h.voice.released != 0 {
		t.Fatal("release without session")
	}
}

func TestLoopSkippedWhenAdminPresent(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.advance(4 * time.Second)

	h.dir.add(testWaiting, admin("a1"))
	h.voice.plays[0].onDone()
	h.drain()

	if len(h.voice.plays) != 1 {
		t.Fatalf("plays = %d, want loop suppressed", len(h.voice.plays))
	}
}

func TestStoppedPlaybackCompletionIgnored(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.advance(4 * time.Second)
	pb := h.voice.plays[0]

	h.enter(admin("a1"))
	pb.onDone()
	h.drain()

	if len(h.voice.plays) != 1 {
		t.Fatal("completion of stopped playback re-armed hold audio")
	}
}

func TestCreateRoomFailureLeavesClaimedCall(t *testing.T) {
	h := newHarness(t)
	h.dir.createErr = errors.New("missing permissions")
	c1 := client("c1")
	h.enter(c1)

	h.enter(admin("a1"))

	c := h.call("c1")
	if c.State != StateClaimed || c.PrivateRoomID != "" {
		t.Fatalf("call = %+v, want claimed without room", c)
	}
	if h.count("move:c1") != 0 {
		t.Fatal("members moved after failed room creation")
	}
	h.assertRoomBijection()

	h.leave(c1, testWaiting)
	if got := h.obs.events[len(h.obs.events)-1]; got != "ended:c1:failed" {
		t.Errorf("last event = %s, want ended:c1:failed", got)
	}
}

func TestNotifierFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("rate limited")

	h.enter(client("c1"))
	h.advance(4 * time.Second)

	if len(h.voice.plays) != 1 {
		t.Fatal("notifier failure aborted queueing")
	}
}

func TestAcquireFailureSkipsHoldAudio(t *testing.T) {
	h := newHarness(t)
	h.voice.acquireErr = errors.New("gateway timeout")

	h.enter(client("c1"))
	h.advance(10 * time.Second)

	if len(h.voice.plays) != 0 {
		t.Fatal("hold audio without a session")
	}
	if h.call("c1").State != StateWaiting {
		t.Fatal("call should stay waiting")
	}
}

func TestDeadSessionReacquired(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.voice.sessions[0].dead = true

	h.advance(4 * time.Second)

	if h.voice.acquired != 2 {
		t.Fatalf("acquired = %d, want 2", h.voice.acquired)
	}
	if h.voice.released != 1 {
		t.Fatalf("released = %d, want dead session released", h.voice.released)
	}
	first := -1
	for i, op := range h.ops {
		if op == "acquire" {
			first = i
		}
	}
	if rel := h.index("release"); rel < 0 || rel > first {
		t.Fatalf("dead session must be released before reacquiring, ops = %v", h.ops)
	}
	if len(h.voice.plays) != 1 {
		t.Fatal("hold audio not played on new session")
	}
}

func TestHoldAudioPassesToNextClientOnDeparture(t *testing.T) {
	h := newHarness(t)
	c1, c2 := client("c1"), client("c2")
	h.enter(c1)
	h.advance(time.Second)
	h.enter(c2)
	h.advance(3 * time.Second) // c1's hold starts
	h.advance(time.Second)     // c2's hold is due but audio is already playing

	if len(h.voice.plays) != 1 || h.voice.plays[0].clip != "waiting" {
		t.Fatalf("plays = %d, want one shared waiting clip", len(h.voice.plays))
	}

	h.leave(c1, testWaiting)
	if !h.voice.plays[0].stopped {
		t.Fatal("departed client's hold audio not stopped")
	}
	if len(h.voice.plays) != 2 || h.voice.plays[1].clip != "loop" {
		t.Fatalf("plays = %d, want loop restarted for c2", len(h.voice.plays))
	}

	// The stopped clip's completion must not disturb the new loop.
	h.voice.plays[0].onDone()
	h.drain()
	if len(h.voice.plays) != 2 {
		t.Fatalf("stale completion started audio, plays = %d", len(h.voice.plays))
	}

	h.voice.plays[1].onDone()
	h.drain()
	if len(h.voice.plays) != 3 || h.voice.plays[2].clip != "loop" {
		t.Fatalf("loop did not re-arm for c2, plays = %d", len(h.voice.plays))
	}
}

func TestSecondClientLeavingKeepsHoldAudio(t *testing.T) {
	h := newHarness(t)
	c1, c2 := client("c1"), client("c2")
	h.enter(c1)
	h.advance(time.Second)
	h.enter(c2)
	h.advance(4 * time.Second)

	h.leave(c2, testWaiting)
	if len(h.voice.plays) != 1 || h.voice.plays[0].stopped {
		t.Fatalf("c1's hold audio disturbed by c2 leaving, ops = %v", h.ops)
	}

	h.voice.plays[0].onDone()
	h.drain()
	if len(h.voice.plays) != 2 || h.voice.plays[1].clip != "loop" {
		t.Fatalf("loop did not re-arm for c1, plays = %d", len(h.voice.plays))
	}
	h.advance(3 * time.Second)
	if h.voice.released != 0 {
		t.Fatal("session released while c1 waits")
	}
}

func TestHoldAudioPassesToNextClientOnClaim(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.advance(time.Second)
	h.enter(client("c2"))
	h.advance(4 * time.Second)

	h.enter(admin("a1"))

	if h.call("c1").State != StateInRoom {
		t.Fatal("oldest client not claimed")
	}
	if !h.voice.plays[0].stopped {
		t.Fatal("claimed client's hold audio not stopped")
	}
	stop, create, loop := h.index("stop:waiting"), h.index("create"), h.index("play:loop")
	if stop < 0 || stop > create || loop < create {
		t.Fatalf("want stop, create, then loop for c2, ops = %v", h.ops)
	}

	h.advance(2 * time.Second)
	if h.voice.released != 0 {
		t.Fatal("session released while c2 still waits")
	}
}

func TestHandoverWaitsForHoldDelay(t *testing.T) {
	h := newHarness(t)
	c1, c2 := client("c1"), client("c2")
	h.enter(c1)
	h.advance(3 * time.Second)
	h.enter(c2)
	h.advance(time.Second)

	h.leave(c1, testWaiting)
	if len(h.voice.plays) != 1 {
		t.Fatalf("plays = %d, c2 has not waited out the hold delay", len(h.voice.plays))
	}

	h.advance(3 * time.Second)
	if len(h.voice.plays) != 2 || h.voice.plays[1].clip != "waiting" {
		t.Fatalf("plays = %d, want waiting clip for c2 at its own delay", len(h.voice.plays))
	}
}

func TestMoveFromRoomToWaitingStartsNewCall(t *testing.T) {
	h := newHarness(t)
	c1, a1 := client("c1"), admin("a1")
	h.dir.add(testWaiting, a1)
	h.enter(c1)
	h.migrate(c1, a1, "room-1")

	h.move(c1, "room-1", testWaiting)

	c := h.call("c1")
	if c.ID != "call-2" || c.State != StateWaiting {
		t.Fatalf("call = %+v, want new waiting call", c)
	}
	want := []string{"claimed:c1", "ended:c1:completed", "queued:c1"}
	if fmt.Sprint(h.obs.events) != fmt.Sprint(want) {
		t.Errorf("observer events = %v, want %v", h.obs.events, want)
	}
	h.advance(3 * time.Second)
	if len(h.dir.deleted) != 1 {
		t.Fatal("old room not deleted")
	}
}

func TestShutdownReleasesSessions(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.advance(4 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.r.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if h.voice.released != 1 {
		t.Fatalf("released = %d, want 1", h.voice.released)
	}
	if !h.voice.plays[0].stopped {
		t.Fatal("playback not stopped on shutdown")
	}

	// Posting after shutdown must not block.
	h.r.OnPresenceTransition(PresenceTransition{EntityID: "c2", GuildID: testGuild, ToChannelID: testWaiting})
}

func TestStatsReflectState(t *testing.T) {
	h := newHarness(t)
	h.enter(client("c1"))
	h.enter(client("c2"))
	h.enter(admin("a1"))

	st := h.r.Stats()
	if st.Waiting != 1 || st.InRoom != 1 || st.Rooms != 1 || st.Sessions != 1 {
		t.Fatalf("stats = %+v", st)
	}
	snap := h.r.Snapshot()
	if len(snap.Calls) != 2 || snap.Calls[0].ClientID != "c1" {
		t.Fatalf("snapshot calls = %+v", snap.Calls)
	}
}

func TestRoomName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice", "Supp-alice-42"},
		{"spaces and symbols", "Bob Smith!", "Supp-Bob-Smith--42"},
		{"truncated", "abcdefghijklmnopqrstuvwxyz", "Supp-abcdefghijklmno-42"},
		{"arabic", "محمد", "Supp-محمد-42"},
		{"empty", "", "Supp-client-42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoomName(tt.in, 42); got != tt.want {
				t.Errorf("RoomName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCallRegistryRejectsDuplicate(t *testing.T) {
	reg := NewCallRegistry()
	if err := reg.Put(&Call{ID: "a", ClientID: "c1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	err := reg.Put(&Call{ID: "b", ClientID: "c1"})
	if !errors.Is(err, ErrDuplicateCall) || !errors.Is(err, ErrInvariant) {
		t.Fatalf("Put() duplicate error = %v", err)
	}
	if c, _ := reg.Get("c1"); c.ID != "a" {
		t.Fatal("duplicate overwrote existing call")
	}
}

func TestRoomRegistryRejectsDuplicate(t *testing.T) {
	reg := NewRoomRegistry()
	if err := reg.Put(&PrivateRoom{RoomID: "r1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := reg.Put(&PrivateRoom{RoomID: "r1"}); !errors.Is(err, ErrDuplicateRoom) {
		t.Fatalf("Put() duplicate error = %v", err)
	}
	reg.Remove("r1")
	reg.Remove("r1")
	if reg.Len() != 0 {
		t.Fatal("room not removed")
	}
}
