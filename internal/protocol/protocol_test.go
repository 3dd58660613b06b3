package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"paddlearena/gamecore/internal/auth"
	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/logging"
	"paddlearena/gamecore/internal/match"
	"paddlearena/gamecore/internal/physics"
	"paddlearena/gamecore/internal/platform"
	"paddlearena/gamecore/internal/registry"
	"paddlearena/gamecore/internal/transport"
)

type fakeConn struct {
	mu        sync.Mutex
	events    []transport.MatchEvent
	snapshots int
	closed    bool
	closeCode int
}

func (c *fakeConn) SendEvent(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event {
	case transport.EventMatch:
		c.events = append(c.events, payload.(transport.MatchEvent))
	case transport.EventState:
		c.snapshots++
	}
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) lastEvent(t *testing.T) transport.MatchEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatalf("no match events received")
	}
	return c.events[len(c.events)-1]
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *fakeConn) snapshotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots
}

type fakeDirectory struct {
	mu           sync.Mutex
	names        map[string]string
	statuses     map[string]platform.UserStatus
	participants map[string]platform.Participants
}

func (d *fakeDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.names[userID], nil
}

func (d *fakeDirectory) CurrentStatus(_ context.Context, userID string) (platform.UserStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if status, ok := d.statuses[userID]; ok {
		return status, nil
	}
	return platform.StatusOnline, nil
}

func (d *fakeDirectory) ParticipantsOf(_ context.Context, matchID string) (platform.Participants, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	participants, ok := d.participants[matchID]
	if !ok {
		return platform.Participants{}, fmt.Errorf("match %s not scheduled", matchID)
	}
	return participants, nil
}

type fixture struct {
	handler  *Handler
	matches  *match.Registry
	conns    *registry.Registry
	verifier *auth.HMACTokenVerifier
	dir      *fakeDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// The idle tick rate keeps the background loop out of the way; admission
	// behaviour is what these tests drive.
	return newFixtureWithTickRate(t, 0.01)
}

func newFixtureWithTickRate(t *testing.T, tickRate float64) *fixture {
	t.Helper()
	logger := logging.NewTestLogger()
	return newFixtureWithFactory(t, func(id string) *engine.Engine {
		return engine.NewEngine(id, engine.Config{TickRate: tickRate, Logger: logger})
	})
}

func newFixtureWithFactory(t *testing.T, factory match.EngineFactory) *fixture {
	t.Helper()
	logger := logging.NewTestLogger()
	matches := match.NewRegistry(factory,
		match.WithLogger(logger),
		match.WithBotRand(func() *rand.Rand { return rand.New(rand.NewSource(1)) }))
	conns := registry.NewRegistry()
	verifier, err := auth.NewHMACTokenVerifier("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	dir := &fakeDirectory{
		names:        map[string]string{"10": "Alice", "11": "Bob"},
		statuses:     map[string]platform.UserStatus{},
		participants: map[string]platform.Participants{"42": {UserA: "10", UserB: "11"}},
	}
	handler := NewHandler(Config{
		Connections:  conns,
		Matches:      matches,
		Verifier:     verifier,
		Profiles:     dir,
		Participants: dir,
		Logger:       logger,
	})
	return &fixture{handler: handler, matches: matches, conns: conns, verifier: verifier, dir: dir}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.verifier.Mint(userID, "auth-"+userID, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func (f *fixture) connect(t *testing.T, rawQuery string) *fakeConn {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	conn := &fakeConn{}
	if _, err := f.handler.Connect(conn, ParseParams(values)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return conn
}

func envelope(t *testing.T, event string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(transport.Envelope{Event: event, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func ready(t *testing.T, f *fixture, conn *fakeConn, token string) {
	t.Helper()
	f.handler.HandleMessage(conn, envelope(t, transport.EventReady, readyPayload{Token: token}))
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublicMatchmakingPairsTwoPlayers(t *testing.T) {
	f := newFixture(t)

	connA := f.connect(t, "")
	ready(t, f, connA, f.token(t, "10"))
	first := connA.lastEvent(t)
	if first.Type != transport.MatchConnected || !first.Waiting {
		t.Fatalf("first player should wait, got %+v", first)
	}
	if first.SessionID != "" {
		t.Fatalf("waiting reply must omit the session id, got %q", first.SessionID)
	}
	if first.Slot != "p1" {
		t.Fatalf("waiting player holds p1, got %q", first.Slot)
	}

	connB := f.connect(t, "")
	ready(t, f, connB, f.token(t, "11"))

	foundA := connA.lastEvent(t)
	foundB := connB.lastEvent(t)
	if foundA.Type != transport.MatchFound || foundB.Type != transport.MatchFound {
		t.Fatalf("both players should see MATCH_FOUND: %+v / %+v", foundA, foundB)
	}
	if foundA.SessionID == "" || foundA.SessionID != foundB.SessionID {
		t.Fatalf("session ids must match: %q vs %q", foundA.SessionID, foundB.SessionID)
	}
	if foundA.Slot != "p1" || foundB.Slot != "p2" {
		t.Fatalf("unexpected slots: %q / %q", foundA.Slot, foundB.Slot)
	}

	session, err := f.matches.Lookup(foundA.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if session.Engine.PlayerCount() != 2 {
		t.Fatalf("both slots should be bound")
	}
	if record := f.conns.Get("10", registry.TypeGame); record == nil || record.SessionID != session.ID {
		t.Fatalf("waiting player's connection record missing: %+v", record)
	}
}

func TestSecondReadyWhileWaitingIsIgnored(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "")
	ready(t, f, conn, "")
	ready(t, f, conn, "")
	if f.matches.TakeWaitingSlot() == nil {
		t.Fatalf("waiting slot should exist")
	}
	if f.matches.TakeWaitingSlot() != nil {
		t.Fatalf("a repeated ready must not enqueue twice")
	}
}

func TestPairingBindFailureRejectsBothSides(t *testing.T) {
	// Every session comes up with both slots already taken, so the pairing
	// path's slot binding fails after the waiter has been dequeued.
	logger := logging.NewTestLogger()
	f := newFixtureWithFactory(t, func(id string) *engine.Engine {
		e := engine.NewEngine(id, engine.Config{TickRate: 0.01, Logger: logger})
		if _, err := e.AddPlayer(&fakeConn{}, "97", ""); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if _, err := e.AddPlayer(&fakeConn{}, "98", ""); err != nil {
			t.Fatalf("seed: %v", err)
		}
		return e
	})

	connA := f.connect(t, "")
	ready(t, f, connA, f.token(t, "10"))
	connB := f.connect(t, "")
	ready(t, f, connB, f.token(t, "11"))

	for name, conn := range map[string]*fakeConn{"waiter": connA, "ready": connB} {
		if event := conn.lastEvent(t); event.Type != transport.MatchUnavailable {
			t.Fatalf("%s should be rejected, got %+v", name, event)
		}
		if closed, code := conn.closedWith(); !closed || code != transport.CloseUnavailable {
			t.Fatalf("%s should close unavailable, got closed=%v code=%d", name, closed, code)
		}
	}
	if count := f.handler.ClientCount(); count != 0 {
		t.Fatalf("no clients should linger, got %d", count)
	}
	if f.matches.TakeWaitingSlot() != nil {
		t.Fatalf("the dequeued waiter must not stay parked")
	}
	if sessions := f.matches.Sessions(); len(sessions) != 0 {
		t.Fatalf("the half-built session should be removed, got %d", len(sessions))
	}
}

func TestStaleWaitingSlotFallsBackToParking(t *testing.T) {
	f := newFixture(t)

	connA := f.connect(t, "")
	ready(t, f, connA, "")

	// Recreate the race window where the waiter's close teardown has removed
	// its client but not yet cleared the queue entry.
	f.handler.mu.Lock()
	delete(f.handler.clients, connA)
	f.handler.mu.Unlock()

	connB := f.connect(t, "")
	ready(t, f, connB, "")
	event := connB.lastEvent(t)
	if event.Type != transport.MatchConnected || !event.Waiting {
		t.Fatalf("second player should park instead of pairing a dead socket, got %+v", event)
	}
	if event.Slot != "p1" {
		t.Fatalf("new waiter holds p1, got %q", event.Slot)
	}
	if sessions := f.matches.Sessions(); len(sessions) != 0 {
		t.Fatalf("no session should exist with a dead player bound, got %d", len(sessions))
	}
	// The fresh queue entry belongs to the live connection.
	waiting := f.matches.TakeWaitingSlot()
	if waiting == nil || waiting.Conn != connB {
		t.Fatalf("queue should hold the live connection, got %+v", waiting)
	}
}

func TestTournamentAdmission(t *testing.T) {
	f := newFixture(t)
	if _, err := f.matches.CreateSession("local-match-42"); err != nil {
		t.Fatalf("create: %v", err)
	}

	intruder := f.connect(t, "session_id=local-match-42")
	ready(t, f, intruder, f.token(t, "999"))
	if event := intruder.lastEvent(t); event.Type != transport.MatchUnavailable {
		t.Fatalf("unscheduled user should be rejected, got %+v", event)
	}
	if closed, code := intruder.closedWith(); !closed || code != transport.CloseUnavailable {
		t.Fatalf("rejected connection should close with 4001, got %v/%d", closed, code)
	}

	anonymous := f.connect(t, "session_id=local-match-42")
	ready(t, f, anonymous, "")
	if event := anonymous.lastEvent(t); event.Type != transport.MatchUnavailable {
		t.Fatalf("anonymous tournament ready should be rejected, got %+v", event)
	}

	participant := f.connect(t, "session_id=local-match-42")
	ready(t, f, participant, f.token(t, "10"))
	event := participant.lastEvent(t)
	if event.Type != transport.MatchConnected || event.SessionID != "local-match-42" {
		t.Fatalf("scheduled participant should be admitted, got %+v", event)
	}
}

func TestExpiredSessionRejectedAtReadyTime(t *testing.T) {
	f := newFixture(t)
	if _, err := f.matches.CreateSession("doomed"); err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := f.connect(t, "session_id=doomed")
	// The session dies between connect and ready; admission must re-check.
	f.matches.Expire("doomed")
	ready(t, f, conn, f.token(t, "10"))
	if event := conn.lastEvent(t); event.Type != transport.MatchUnavailable {
		t.Fatalf("expired session must reject, got %+v", event)
	}
	if !f.matches.IsExpired("doomed") {
		t.Fatalf("rejection must not resurrect the session")
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "")
	ready(t, f, conn, "not-a-token")
	if event := conn.lastEvent(t); event.Type != transport.MatchUnavailable {
		t.Fatalf("invalid token must reject, got %+v", event)
	}
	if closed, code := conn.closedWith(); !closed || code != transport.CloseUnavailable {
		t.Fatalf("unexpected close: %v/%d", closed, code)
	}
}

func TestBusyUserRejectedButSameSessionReconnectAllowed(t *testing.T) {
	f := newFixture(t)
	f.dir.statuses["10"] = platform.StatusInMatch

	session, err := f.matches.CreateSession("arena")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate the earlier connection that put the user mid-match.
	old := &fakeConn{}
	if _, err := session.Engine.AddPlayer(old, "10", "Alice"); err != nil {
		t.Fatalf("seed player: %v", err)
	}
	f.conns.Add("10", registry.TypeGame, "arena", "auth-10", old)

	elsewhere := f.connect(t, "session_id=other-room")
	ready(t, f, elsewhere, f.token(t, "10"))
	if event := elsewhere.lastEvent(t); event.Type != transport.MatchUnavailable {
		t.Fatalf("busy user joining another match must reject, got %+v", event)
	}

	back := f.connect(t, "session_id=arena")
	ready(t, f, back, f.token(t, "10"))
	event := back.lastEvent(t)
	if event.Type != transport.MatchConnected {
		t.Fatalf("same-session reconnect must be admitted, got %+v", event)
	}
}

func TestFullSessionReconnectTakesOverSlot(t *testing.T) {
	f := newFixture(t)
	f.dir.statuses["10"] = platform.StatusInMatch

	session, err := f.matches.CreateSession("arena")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Both slots taken: user 10's previous socket still holds p1.
	old := &fakeConn{}
	if _, err := session.Engine.AddPlayer(old, "10", "Alice"); err != nil {
		t.Fatalf("seed player: %v", err)
	}
	if _, err := session.Engine.AddPlayer(&fakeConn{}, "11", "Bob"); err != nil {
		t.Fatalf("seed opponent: %v", err)
	}
	f.conns.Add("10", registry.TypeGame, "arena", "auth-10", old)

	back := f.connect(t, "session_id=arena")
	ready(t, f, back, f.token(t, "10"))
	event := back.lastEvent(t)
	if event.Type != transport.MatchConnected || event.Slot != "p1" {
		t.Fatalf("reconnect into a full session must re-take p1, got %+v", event)
	}
	if slot, ok := session.Engine.SlotOf(back); !ok || slot != engine.SlotP1 {
		t.Fatalf("new connection should hold p1, got %v ok=%v", slot, ok)
	}
	if _, ok := session.Engine.SlotOf(old); ok {
		t.Fatalf("stale connection must lose its slot")
	}
	// The registry evicts the stale socket when the new one registers.
	if closed, code := old.closedWith(); !closed || code != transport.CloseReplaced {
		t.Fatalf("stale connection should close as replaced, got closed=%v code=%d", closed, code)
	}
	if record := f.conns.Get("10", registry.TypeGame); record == nil || record.Conn != back {
		t.Fatalf("registry record should point at the new connection")
	}
	if session.Engine.PlayerCount() != 2 {
		t.Fatalf("player count should stay 2, got %d", session.Engine.PlayerCount())
	}
}

func TestAISessionAdmitsAndStarts(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "mode=ai&difficulty=HARD")
	ready(t, f, conn, f.token(t, "10"))

	event := conn.lastEvent(t)
	if event.Type != transport.MatchConnected || event.Slot != "p1" {
		t.Fatalf("human should take p1 against the bot, got %+v", event)
	}
	session, err := f.matches.Lookup(event.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if session.Mode != match.ModeAI || session.Pilot == nil {
		t.Fatalf("expected ai session, got %+v", session)
	}
	if session.Engine.Snapshot().Status != engine.StatusPlaying {
		t.Fatalf("ai session should start immediately")
	}
}

func TestLocalModeRoutesInputBySlotField(t *testing.T) {
	f := newFixtureWithTickRate(t, 240)
	conn := f.connect(t, "mode=local")
	ready(t, f, conn, f.token(t, "10"))

	event := conn.lastEvent(t)
	if event.Type != transport.MatchConnected {
		t.Fatalf("local ready should be admitted, got %+v", event)
	}
	session, err := f.matches.Lookup(event.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	defer session.Engine.Stop()

	// Slot "p2" selects the second local player; omitting it drives p1.
	f.handler.HandleMessage(conn, envelope(t, transport.EventInput, inputPayload{Axis: 1, Slot: "p2"}))
	f.handler.HandleMessage(conn, envelope(t, transport.EventInput, inputPayload{Axis: -1}))

	center := float64(physics.BoardHeight) / 2
	waitFor(t, "paddles to diverge", func() bool {
		snapshot := session.Engine.Snapshot()
		return snapshot.PaddleP2 > center && snapshot.PaddleP1 < center
	})
	if conn.snapshotCount() == 0 {
		t.Fatalf("ticking engine should broadcast state updates")
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "")
	f.handler.HandleMessage(conn, []byte("{not json"))
	f.handler.HandleMessage(conn, envelope(t, "unknown:event", map[string]string{}))
	f.handler.HandleMessage(conn, []byte(`{"event":"input","payload":"nope"}`))
	if closed, _ := conn.closedWith(); closed {
		t.Fatalf("malformed traffic must not close the connection")
	}
	if f.handler.ClientCount() != 1 {
		t.Fatalf("client should still be tracked")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	connA := f.connect(t, "")
	ready(t, f, connA, f.token(t, "10"))
	connB := f.connect(t, "")
	ready(t, f, connB, f.token(t, "11"))
	sessionID := connB.lastEvent(t).SessionID

	leave := envelope(t, transport.EventControl, controlPayload{Type: ControlLeave})
	f.handler.HandleMessage(connA, leave)
	if event := connA.lastEvent(t); event.Type != transport.MatchLeft {
		t.Fatalf("expected LEFT, got %+v", event)
	}
	if closed, code := connA.closedWith(); !closed || code != transport.CloseNormal {
		t.Fatalf("leave should close normally, got %v/%d", closed, code)
	}

	eventsBefore := connA.eventCount()
	f.handler.HandleMessage(connA, leave)
	f.handler.HandleMessage(connA, leave)
	if connA.eventCount() != eventsBefore {
		t.Fatalf("a second LEAVE must have no observable effect")
	}

	session, err := f.matches.Lookup(sessionID)
	if err != nil {
		t.Fatalf("session should survive one player leaving: %v", err)
	}
	waitFor(t, "remaining player pause", func() bool {
		return session.Engine.Snapshot().Status == engine.StatusPaused
	})
}

func TestClosingBothConnectionsExpiresSession(t *testing.T) {
	f := newFixture(t)
	connA := f.connect(t, "")
	ready(t, f, connA, "")
	connB := f.connect(t, "")
	ready(t, f, connB, "")
	sessionID := connB.lastEvent(t).SessionID

	f.handler.HandleClose(connA)
	f.handler.HandleClose(connB)
	waitFor(t, "session expiry", func() bool { return f.matches.IsExpired(sessionID) })
	if _, err := f.matches.CreateSession(sessionID); err == nil {
		t.Fatalf("expired session must not be recreated")
	}
}

func TestClosingWaitingConnectionClearsQueue(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "")
	ready(t, f, conn, "")
	f.handler.HandleClose(conn)

	// The queue cleanup is deferred off the close notification.
	time.Sleep(100 * time.Millisecond)
	next := f.connect(t, "")
	ready(t, f, next, "")
	event := next.lastEvent(t)
	if event.Type != transport.MatchConnected || !event.Waiting {
		t.Fatalf("next player must not pair against a dead connection, got %+v", event)
	}
}

func TestCloseRemovesConnectionRecord(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "mode=ai")
	ready(t, f, conn, f.token(t, "10"))
	if f.conns.CountForUser("10") != 1 {
		t.Fatalf("admission should register the connection")
	}
	f.handler.HandleClose(conn)
	if f.conns.CountForUser("10") != 0 {
		t.Fatalf("close should deregister the connection")
	}
	// A second close is a no-op.
	f.handler.HandleClose(conn)
}

func TestRestartAfterFinish(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "mode=local")
	ready(t, f, conn, "")
	session, err := f.matches.Lookup(conn.lastEvent(t).SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	restart := envelope(t, transport.EventControl, controlPayload{Type: ControlRestart})
	// Restarting mid-game is refused.
	f.handler.HandleMessage(conn, restart)
	if session.Engine.Snapshot().Status != engine.StatusPlaying {
		t.Fatalf("premature restart must not disturb play")
	}

	f.handler.HandleMessage(conn, envelope(t, transport.EventControl, controlPayload{Type: ControlAbort}))
	if session.Engine.Snapshot().Status != engine.StatusFinished {
		t.Fatalf("abort should finish the match")
	}
	f.handler.HandleMessage(conn, restart)
	snapshot := session.Engine.Snapshot()
	if snapshot.Status != engine.StatusPlaying || snapshot.Score.P1 != 0 || snapshot.Score.P2 != 0 {
		t.Fatalf("restart should begin a fresh round, got %+v", snapshot)
	}
}
