package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"paddlearena/gamecore/internal/logging"
	"paddlearena/gamecore/internal/physics"
	"paddlearena/gamecore/internal/simulation"
	"paddlearena/gamecore/internal/transport"
)

var (
	// ErrMatchFull indicates both player slots are already bound.
	ErrMatchFull = errors.New("match is full")
	// ErrSlotOccupied indicates the requested slot is already taken.
	ErrSlotOccupied = errors.New("slot is occupied")
	// ErrNotFinished is returned when a restart is requested mid-round.
	ErrNotFinished = errors.New("match is not finished")
)

// DefaultWinScore ends the match once a player reaches this many points.
const DefaultWinScore = 11

// botObserveEveryTicks controls how often the attached bot receives a fresh
// snapshot to re-plan from, roughly once per second at 60 Hz.
const botObserveEveryTicks = 60

// ResultSink receives terminal match results. Persistence failures are the
// sink's problem; the engine fires and forgets.
type ResultSink interface {
	PersistResult(result Result)
}

// BotDriver produces synthetic inputs for an unmanned slot.
type BotDriver interface {
	// Observe hands the driver a fresh snapshot to plan against.
	Observe(snapshot Snapshot)
	// NextInput yields the input to apply for the upcoming tick.
	NextInput() Input
}

// Config carries the collaborators and tunables for one engine instance.
type Config struct {
	TickRate float64
	WinScore int
	Clock    func() time.Time
	Logger   *logging.Logger
	Sink     ResultSink
	// OnTerminal fires exactly once when the match reaches a terminal state.
	// The result is nil when the match tore down without an outcome, e.g.
	// after a tick failure or when both slots emptied before play began.
	OnTerminal func(sessionID string, result *Result)
}

type playerBinding struct {
	conn   transport.Conn
	userID string
	alias  string
	bot    bool
}

type playerIdentity struct {
	userID string
	alias  string
}

// Engine runs the fixed-tick simulation for a single match session and
// broadcasts state to the bound connections.
type Engine struct {
	mu sync.Mutex

	id      string
	loop    *simulation.Loop
	monitor *simulation.TickMonitor
	clock   func() time.Time
	logger  *logging.Logger
	sink    ResultSink
	onDone  func(string, *Result)

	winScore    int
	tick        uint64
	ball        physics.Ball
	paddles     map[Slot]float64
	inputs      map[Slot]Input
	slots       map[Slot]*playerBinding
	score       Score
	status      Status
	pauseReason string

	botSlot   Slot
	botDriver BotDriver

	// roster survives slot removal so terminal results keep identities.
	roster map[Slot]playerIdentity

	startedAt time.Time
	finished  bool
	terminal  bool
}

// NewEngine constructs an engine for the supplied session identifier.
func NewEngine(id string, cfg Config) *Engine {
	e := &Engine{
		id:       id,
		monitor:  simulation.NewTickMonitor(),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		onDone:   cfg.OnTerminal,
		winScore: cfg.WinScore,
		paddles:  map[Slot]float64{SlotP1: physics.BoardHeight / 2, SlotP2: physics.BoardHeight / 2},
		inputs:   make(map[Slot]Input),
		slots:    make(map[Slot]*playerBinding),
		roster:   make(map[Slot]playerIdentity),
		status:   StatusPaused,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = logging.L()
	}
	if e.winScore <= 0 {
		e.winScore = DefaultWinScore
	}
	rate := cfg.TickRate
	if rate <= 0 {
		rate = 60
	}
	e.loop = simulation.NewLoop(rate, e.step)
	e.serveLocked(SlotP2)
	return e
}

// ID returns the owning session identifier.
func (e *Engine) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// AddPlayer binds a connection to the first free slot. Re-adding an already
// bound connection returns its existing slot, and when the match is full a
// known user on a new connection takes over their old slot, so reconnect
// races stay benign.
func (e *Engine) AddPlayer(conn transport.Conn, userID, alias string) (Slot, error) {
	if e == nil || conn == nil {
		return "", errors.New("connection must not be nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, slot := range []Slot{SlotP1, SlotP2} {
		if binding, ok := e.slots[slot]; ok && binding.conn == conn {
			return slot, nil
		}
	}
	for _, slot := range []Slot{SlotP1, SlotP2} {
		if _, ok := e.slots[slot]; ok {
			continue
		}
		e.slots[slot] = &playerBinding{conn: conn, userID: userID, alias: alias}
		e.roster[slot] = playerIdentity{userID: userID, alias: alias}
		return slot, nil
	}
	//1.- Full match: a known user arriving on a fresh socket re-claims their
	// slot and the stale socket loses the binding. The game namespace allows
	// one connection per user, so the newer socket wins.
	if userID != "" {
		for _, slot := range []Slot{SlotP1, SlotP2} {
			if binding, ok := e.slots[slot]; ok && !binding.bot && binding.userID == userID {
				binding.conn = conn
				binding.alias = alias
				e.roster[slot] = playerIdentity{userID: userID, alias: alias}
				return slot, nil
			}
		}
	}
	return "", ErrMatchFull
}

// BindLocal binds both logical slots to a single connection for local play.
// Only the first slot carries the authenticated identity so the roster never
// records the same user twice.
func (e *Engine) BindLocal(conn transport.Conn, userID, alias string) error {
	if e == nil || conn == nil {
		return errors.New("connection must not be nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.slots) > 0 {
		return ErrSlotOccupied
	}
	e.slots[SlotP1] = &playerBinding{conn: conn, userID: userID, alias: alias}
	e.slots[SlotP2] = &playerBinding{conn: conn}
	e.roster[SlotP1] = playerIdentity{userID: userID, alias: alias}
	return nil
}

// AttachBot reserves a slot for a synthetic opponent.
func (e *Engine) AttachBot(slot Slot, driver BotDriver) error {
	if e == nil || driver == nil {
		return errors.New("bot driver must not be nil")
	}
	if !slot.Valid() {
		return fmt.Errorf("invalid slot %q", slot)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[slot]; ok {
		return ErrSlotOccupied
	}
	e.slots[slot] = &playerBinding{bot: true}
	e.botSlot = slot
	e.botDriver = driver
	return nil
}

// RemovePlayer unbinds every slot held by the connection and returns the
// number of connection-bound slots that remain. The loop stops once the last
// one leaves; a started match settles to a score-derived result.
func (e *Engine) RemovePlayer(conn transport.Conn) int {
	if e == nil || conn == nil {
		return e.PlayerCount()
	}
	e.mu.Lock()
	removed := false
	for slot, binding := range e.slots {
		if binding.conn == conn {
			delete(e.slots, slot)
			delete(e.inputs, slot)
			removed = true
		}
	}
	remaining := e.connectedLocked()
	if !removed {
		e.mu.Unlock()
		return remaining
	}
	switch {
	case remaining == 0:
		if !e.startedAt.IsZero() && !e.finished {
			e.finishLocked(e.scoreWinnerLocked())
		} else {
			e.haltLocked(nil)
		}
	case remaining == 1 && e.status == StatusPlaying:
		e.status = StatusPaused
		e.pauseReason = "opponent_left"
		e.loop.Stop()
	}
	snapshot := e.snapshotLocked()
	conns := e.uniqueConnsLocked()
	e.mu.Unlock()
	broadcast(conns, snapshot)
	return remaining
}

// PlayerCount reports how many distinct slots are bound to live connections.
func (e *Engine) PlayerCount() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectedLocked()
}

// SlotOf reports which slot a connection is bound to.
func (e *Engine) SlotOf(conn transport.Conn) (Slot, bool) {
	if e == nil || conn == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, slot := range []Slot{SlotP1, SlotP2} {
		if binding, ok := e.slots[slot]; ok && binding.conn == conn {
			return slot, true
		}
	}
	return "", false
}

// ProcessInput records the most recent input for a slot. Only the latest
// input per slot is applied on the next tick.
func (e *Engine) ProcessInput(slot Slot, input Input) {
	if e == nil || !slot.Valid() {
		return
	}
	if input.Axis < -1 {
		input.Axis = -1
	}
	if input.Axis > 1 {
		input.Axis = 1
	}
	e.mu.Lock()
	if _, ok := e.slots[slot]; ok {
		e.inputs[slot] = input
	}
	e.mu.Unlock()
}

// Start begins the tick loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	if e.startedAt.IsZero() {
		e.startedAt = e.clock()
	}
	e.status = StatusPlaying
	e.pauseReason = ""
	e.mu.Unlock()
	e.loop.Start()
}

// Pause suspends the tick loop with a reason surfaced to clients.
func (e *Engine) Pause(reason string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.finished || e.status != StatusPlaying {
		e.mu.Unlock()
		return
	}
	e.status = StatusPaused
	e.pauseReason = reason
	e.loop.Stop()
	snapshot := e.snapshotLocked()
	conns := e.uniqueConnsLocked()
	e.mu.Unlock()
	broadcast(conns, snapshot)
}

// Resume restarts a paused tick loop.
func (e *Engine) Resume() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.finished || e.status != StatusPaused {
		e.mu.Unlock()
		return
	}
	e.status = StatusPlaying
	e.pauseReason = ""
	e.mu.Unlock()
	e.loop.Start()
}

// Abort force-finishes the match with a score-derived winner.
func (e *Engine) Abort() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finishLocked(e.scoreWinnerLocked())
	snapshot := e.snapshotLocked()
	conns := e.uniqueConnsLocked()
	e.mu.Unlock()
	broadcast(conns, snapshot)
}

// Reset re-initialises a finished match for a new round and resumes ticking.
func (e *Engine) Reset() error {
	if e == nil {
		return errors.New("engine is nil")
	}
	e.mu.Lock()
	if !e.finished {
		e.mu.Unlock()
		return ErrNotFinished
	}
	e.finished = false
	e.terminal = false
	e.tick = 0
	e.score = Score{}
	e.paddles[SlotP1] = physics.BoardHeight / 2
	e.paddles[SlotP2] = physics.BoardHeight / 2
	e.inputs = make(map[Slot]Input)
	e.serveLocked(SlotP2)
	e.status = StatusPlaying
	e.pauseReason = ""
	e.startedAt = e.clock()
	e.monitor.Reset()
	e.mu.Unlock()
	e.loop.Start()
	return nil
}

// Stop halts the tick loop without emitting a result. Used on registry-driven
// teardown; safe to call on an already stopped engine.
func (e *Engine) Stop() {
	if e == nil {
		return
	}
	e.loop.Stop()
}

// Snapshot returns the current simulation state.
func (e *Engine) Snapshot() Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Finished reports whether the match reached a terminal state.
func (e *Engine) Finished() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Metrics exposes tick timing statistics for diagnostics.
func (e *Engine) Metrics() simulation.TickStats {
	if e == nil {
		return simulation.TickStats{}
	}
	return e.monitor.Snapshot()
}

// step advances one tick. A panicking tick is fatal for this match only: the
// loop stops, both connections are notified, and the session tears down.
func (e *Engine) step() {
	began := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.failMatch(r)
		}
	}()
	snapshot, conns, observe := e.advance()
	broadcast(conns, snapshot)
	if observe != nil {
		observe.Observe(snapshot)
	}
	e.monitor.Observe(time.Since(began))
}

func (e *Engine) advance() (Snapshot, []transport.Conn, BotDriver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPlaying {
		return e.snapshotLocked(), e.uniqueConnsLocked(), nil
	}
	e.tick++

	if e.botDriver != nil {
		e.inputs[e.botSlot] = e.botDriver.NextInput()
	}
	for _, slot := range []Slot{SlotP1, SlotP2} {
		input := e.inputs[slot]
		speed := physics.PaddleSpeed
		if input.Boost {
			speed *= physics.BoostFactor
		}
		e.paddles[slot] = physics.ClampPaddle(e.paddles[slot] + float64(input.Axis)*speed)
	}

	e.ball = physics.StepBall(e.ball)
	e.reflectPaddlesLocked()
	e.settleScoreLocked()

	var observe BotDriver
	if e.botDriver != nil && (e.tick == 1 || e.tick%botObserveEveryTicks == 0) {
		observe = e.botDriver
	}
	return e.snapshotLocked(), e.uniqueConnsLocked(), observe
}

func (e *Engine) reflectPaddlesLocked() {
	leftPlane := physics.PaddlePlaneX(false)
	rightPlane := physics.PaddlePlaneX(true)
	if e.ball.DX < 0 && e.ball.X-physics.BallRadius <= leftPlane && e.ball.X > 0 {
		if offset, hit := paddleContact(e.ball.Y, e.paddles[SlotP1]); hit {
			e.ball.X = leftPlane + physics.BallRadius
			e.ball.DX = -e.ball.DX
			e.ball.DY = offset * physics.BaseBallSpeed
		}
	}
	if e.ball.DX > 0 && e.ball.X+physics.BallRadius >= rightPlane && e.ball.X < physics.BoardWidth {
		if offset, hit := paddleContact(e.ball.Y, e.paddles[SlotP2]); hit {
			e.ball.X = rightPlane - physics.BallRadius
			e.ball.DX = -e.ball.DX
			e.ball.DY = offset * physics.BaseBallSpeed
		}
	}
}

// paddleContact reports whether the ball touches a paddle and the normalised
// contact offset in [-1, 1] used to derive the deflection angle.
func paddleContact(ballY, paddleY float64) (float64, bool) {
	reach := physics.PaddleHeight/2 + physics.BallRadius
	delta := ballY - paddleY
	if delta < -reach || delta > reach {
		return 0, false
	}
	offset := delta / (physics.PaddleHeight / 2)
	if offset < -1 {
		offset = -1
	}
	if offset > 1 {
		offset = 1
	}
	return offset, true
}

func (e *Engine) settleScoreLocked() {
	switch {
	case e.ball.X < -physics.BallRadius:
		e.score.P2++
		if e.score.P2 >= e.winScore {
			e.finishLocked(SlotP2)
			return
		}
		e.serveLocked(SlotP1)
	case e.ball.X > physics.BoardWidth+physics.BallRadius:
		e.score.P1++
		if e.score.P1 >= e.winScore {
			e.finishLocked(SlotP1)
			return
		}
		e.serveLocked(SlotP2)
	}
}

// serveLocked re-centers the ball heading toward the slot that conceded.
func (e *Engine) serveLocked(toward Slot) {
	dx := physics.BaseBallSpeed
	if toward == SlotP1 {
		dx = -dx
	}
	dy := physics.BaseBallSpeed * 0.4
	if (e.score.P1+e.score.P2)%2 == 1 {
		dy = -dy
	}
	e.ball = physics.Ball{X: physics.BoardWidth / 2, Y: physics.BoardHeight / 2, DX: dx, DY: dy}
}

func (e *Engine) scoreWinnerLocked() Slot {
	if e.score.P2 > e.score.P1 {
		return SlotP2
	}
	return SlotP1
}

func (e *Engine) finishLocked(winner Slot) {
	if e.finished {
		return
	}
	e.finished = true
	e.status = StatusFinished
	e.pauseReason = ""
	result := Result{
		SessionID:  e.id,
		Winner:     winner,
		Score:      e.score,
		PlayerIDs:  make(map[Slot]string),
		Aliases:    make(map[Slot]string),
		StartedAt:  e.startedAt,
		FinishedAt: e.clock(),
	}
	for slot, identity := range e.roster {
		if identity.userID != "" {
			result.PlayerIDs[slot] = identity.userID
		}
		if identity.alias != "" {
			result.Aliases[slot] = identity.alias
		}
	}
	e.haltLocked(&result)
}

// haltLocked stops the loop and reports the terminal state exactly once.
func (e *Engine) haltLocked(result *Result) {
	e.loop.Stop()
	if e.terminal {
		return
	}
	e.terminal = true
	e.finished = true
	sink := e.sink
	done := e.onDone
	id := e.id
	go func() {
		if result != nil && sink != nil {
			sink.PersistResult(*result)
		}
		if done != nil {
			done(id, result)
		}
	}()
}

func (e *Engine) failMatch(cause any) {
	e.logger.Error("match tick failed",
		logging.String("session_id", e.id),
		logging.String("cause", fmt.Sprint(cause)))
	e.mu.Lock()
	e.status = StatusFinished
	e.haltLocked(nil)
	conns := e.uniqueConnsLocked()
	e.mu.Unlock()
	notice := transport.MatchEvent{Type: transport.MatchUnavailable, Message: "match terminated"}
	for _, conn := range conns {
		_ = conn.SendEvent(transport.EventMatch, notice)
		_ = conn.Close(transport.CloseUnavailable, "match terminated")
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:   e.id,
		Tick:        e.tick,
		Ball:        e.ball,
		PaddleP1:    e.paddles[SlotP1],
		PaddleP2:    e.paddles[SlotP2],
		Score:       e.score,
		Status:      e.status,
		PauseReason: e.pauseReason,
	}
}

func (e *Engine) connectedLocked() int {
	seen := make(map[transport.Conn]struct{}, 2)
	count := 0
	for _, binding := range e.slots {
		if binding.conn == nil {
			continue
		}
		if _, dup := seen[binding.conn]; dup {
			continue
		}
		seen[binding.conn] = struct{}{}
		count++
	}
	return count
}

func (e *Engine) uniqueConnsLocked() []transport.Conn {
	conns := make([]transport.Conn, 0, 2)
	seen := make(map[transport.Conn]struct{}, 2)
	for _, slot := range []Slot{SlotP1, SlotP2} {
		binding, ok := e.slots[slot]
		if !ok || binding.conn == nil {
			continue
		}
		if _, dup := seen[binding.conn]; dup {
			continue
		}
		seen[binding.conn] = struct{}{}
		conns = append(conns, binding.conn)
	}
	return conns
}

// broadcast delivers a snapshot to every connection, swallowing per-connection
// send errors so one half-closed socket never aborts the fan-out.
func broadcast(conns []transport.Conn, snapshot Snapshot) {
	for _, conn := range conns {
		_ = conn.SendEvent(transport.EventState, snapshot)
	}
}
