package protocol

import (
	"sync"
	"time"

	"paddlearena/gamecore/internal/transport"
)

// DropReason enumerates why an input frame was discarded before reaching the
// engine.
type DropReason string

const (
	DropNone DropReason = ""
	// DropStaleTick marks an input whose tick ran backwards.
	DropStaleTick DropReason = "stale_tick"
	// DropRateLimited marks an input that exceeded the per-connection budget.
	DropRateLimited DropReason = "rate_limit"
)

// Default input budget: well above the simulation rate, with headroom for a
// local-mode connection driving both paddles.
const (
	DefaultInputWindow = time.Second
	DefaultInputLimit  = 360
)

// GateStats aggregates drop counts per reason.
type GateStats struct {
	StaleTick   uint64 `json:"stale_tick"`
	RateLimited uint64 `json:"rate_limited"`
}

type gateState struct {
	lastTick uint64
	events   []time.Time
}

// InputGate validates inbound input frames per connection: ticks must be
// monotonic and frame throughput must stay inside a sliding-window budget.
type InputGate struct {
	mu     sync.Mutex
	now    func() time.Time
	window time.Duration
	limit  int
	states map[transport.Conn]*gateState
	stats  GateStats
}

// NewInputGate builds a gate allowing up to limit frames per window and
// connection. A non-positive window or limit disables rate limiting.
func NewInputGate(window time.Duration, limit int, clock func() time.Time) *InputGate {
	if clock == nil {
		clock = time.Now
	}
	return &InputGate{
		now:    clock,
		window: window,
		limit:  limit,
		states: make(map[transport.Conn]*gateState),
	}
}

// Admit decides whether the input frame may reach the engine. A zero tick is
// exempt from the monotonicity check; clients are not required to track ticks.
func (g *InputGate) Admit(conn transport.Conn, tick uint64) (bool, DropReason) {
	if g == nil || conn == nil {
		return true, DropNone
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.states[conn]
	if !ok {
		state = &gateState{}
		g.states[conn] = state
	}
	if tick != 0 && tick < state.lastTick {
		g.stats.StaleTick++
		return false, DropStaleTick
	}
	if g.window > 0 && g.limit > 0 {
		now := g.now()
		cutoff := now.Add(-g.window)
		kept := state.events[:0]
		for _, ts := range state.events {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		state.events = kept
		if len(state.events) >= g.limit {
			g.stats.RateLimited++
			return false, DropRateLimited
		}
		state.events = append(state.events, now)
	}
	if tick != 0 {
		state.lastTick = tick
	}
	return true, DropNone
}

// Forget releases the per-connection state once a connection closes.
func (g *InputGate) Forget(conn transport.Conn) {
	if g == nil || conn == nil {
		return
	}
	g.mu.Lock()
	delete(g.states, conn)
	g.mu.Unlock()
}

// Stats snapshots the drop counters.
func (g *InputGate) Stats() GateStats {
	if g == nil {
		return GateStats{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
