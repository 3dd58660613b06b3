package match

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"paddlearena/gamecore/internal/bots"
	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/logging"
	"paddlearena/gamecore/internal/transport"
)

var (
	// ErrSessionGone signals that the identifier belonged to a session that
	// has been expired and must never be resurrected.
	ErrSessionGone = errors.New("match session is gone")
	// ErrSessionNotFound signals that no session exists for the identifier.
	ErrSessionNotFound = errors.New("match session not found")
)

// EngineFactory builds the simulation engine for a new session. The registry
// owns session lifecycle; the factory owns engine wiring (sinks, tick rate).
type EngineFactory func(sessionID string) *engine.Engine

// Registry creates, looks up and expires match sessions, and owns the
// single-slot public matchmaking queue.
type Registry struct {
	mu         sync.Mutex
	factory    EngineFactory
	now        func() time.Time
	logger     *logging.Logger
	newBotRand func() *rand.Rand

	sessions   map[string]*Session
	tombstones map[string]time.Time
	waiting    *WaitingSlot
}

// Option configures optional registry behaviour.
type Option func(*Registry)

// WithClock injects a deterministic time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBotRand injects the random source factory used for AI pilots, enabling
// reproducible bot behaviour in tests.
func WithBotRand(factory func() *rand.Rand) Option {
	return func(r *Registry) {
		if factory != nil {
			r.newBotRand = factory
		}
	}
}

// NewRegistry constructs a session registry around the supplied engine factory.
func NewRegistry(factory EngineFactory, opts ...Option) *Registry {
	registry := &Registry{
		factory:    factory,
		now:        time.Now,
		logger:     logging.L(),
		newBotRand: func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// CreateSession returns the session for the identifier, creating it when
// absent. An empty identifier allocates a fresh public session. Joining an
// existing non-expired session is idempotent; an expired identifier fails
// with ErrSessionGone and is never recreated.
func (r *Registry) CreateSession(id string) (*Session, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		return r.createLocked(uuid.NewString(), ModeRemotePublic)
	}
	if _, gone := r.tombstones[id]; gone {
		return nil, ErrSessionGone
	}
	if session, ok := r.sessions[id]; ok {
		return session, nil
	}
	mode := ModeRemotePrivate
	if _, ok := TournamentMatchID(id); ok {
		mode = ModeTournament
	}
	return r.createLocked(id, mode)
}

// CreateAISession creates a fresh session with a synthetic opponent bound to
// the requested slot (p2 unless the client asked otherwise).
func (r *Registry) CreateAISession(difficulty bots.Difficulty, aiSlot engine.Slot) (*Session, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	if !aiSlot.Valid() {
		aiSlot = engine.SlotP2
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.createLocked(uuid.NewString(), ModeAI)
	if err != nil {
		return nil, err
	}
	pilot := bots.NewPilot(aiSlot, difficulty, r.newBotRand())
	if err := session.Engine.AttachBot(aiSlot, pilot); err != nil {
		delete(r.sessions, session.ID)
		session.Engine.Stop()
		return nil, err
	}
	session.Pilot = pilot
	return session, nil
}

// CreateLocalSession creates a session intended for two local inputs on one
// connection.
func (r *Registry) CreateLocalSession() (*Session, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(uuid.NewString(), ModeLocal)
}

func (r *Registry) createLocked(id string, mode Mode) (*Session, error) {
	if r.factory == nil {
		return nil, errors.New("engine factory not configured")
	}
	session := &Session{
		ID:        id,
		Mode:      mode,
		Engine:    r.factory(id),
		CreatedAt: r.now(),
	}
	r.sessions[id] = session
	r.logger.Info("match session created",
		logging.String("session_id", id),
		logging.String("mode", string(mode)))
	return session, nil
}

// Lookup returns the live session for the identifier. Expired identifiers
// report ErrSessionGone so callers can tell "gone" from "never existed".
func (r *Registry) Lookup(id string) (*Session, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.tombstones[id]; gone {
		return nil, ErrSessionGone
	}
	if session, ok := r.sessions[id]; ok {
		return session, nil
	}
	return nil, ErrSessionNotFound
}

// Expire marks the identifier terminally gone, stopping and removing any live
// session. Later lookups and joins fail with ErrSessionGone.
func (r *Registry) Expire(id string) {
	if r == nil || strings.TrimSpace(id) == "" {
		return
	}
	r.mu.Lock()
	session := r.sessions[id]
	delete(r.sessions, id)
	r.tombstones[id] = r.now()
	r.mu.Unlock()
	if session != nil {
		session.Engine.Stop()
		r.logger.Info("match session expired", logging.String("session_id", id))
	}
}

// IsExpired reads the terminal "gone" flag for the identifier.
func (r *Registry) IsExpired(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, gone := r.tombstones[id]
	return gone
}

// RemoveSession stops the session's engine and deletes it without leaving a
// tombstone; the identifier may be reused later.
func (r *Registry) RemoveSession(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	session := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if session != nil {
		session.Engine.Stop()
	}
}

// CreateWaitingSlot parks a ready connection as the pending public
// matchmaking entry and returns its provisional identifier. The identifier is
// not navigable: it never resolves to a joinable session.
func (r *Registry) CreateWaitingSlot(conn transport.Conn, userID, displayName string) string {
	if r == nil || conn == nil {
		return ""
	}
	slot := &WaitingSlot{
		ID:          "waiting-" + uuid.NewString(),
		Conn:        conn,
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   r.now(),
	}
	r.mu.Lock()
	r.waiting = slot
	r.mu.Unlock()
	return slot.ID
}

// TakeWaitingSlot atomically removes and returns the pending entry, or nil.
// The take-and-clear is what keeps two simultaneously ready connections from
// both deciding to wait.
func (r *Registry) TakeWaitingSlot() *WaitingSlot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	slot := r.waiting
	r.waiting = nil
	r.mu.Unlock()
	return slot
}

// RemoveWaitingSlot clears the pending entry if it still carries the given
// identifier; used when the waiting connection disconnects before pairing.
func (r *Registry) RemoveWaitingSlot(id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	if r.waiting != nil && r.waiting.ID == id {
		r.waiting = nil
	}
	r.mu.Unlock()
}

// SessionInfo is a read-only view of one live session for diagnostics.
type SessionInfo struct {
	ID        string        `json:"session_id"`
	Mode      Mode          `json:"mode"`
	Players   int           `json:"players"`
	Status    engine.Status `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Sessions snapshots the live session table.
func (r *Registry) Sessions() []SessionInfo {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, SessionInfo{
			ID:        session.ID,
			Mode:      session.Mode,
			Players:   session.Engine.PlayerCount(),
			Status:    session.Engine.Snapshot().Status,
			CreatedAt: session.CreatedAt,
		})
	}
	return infos
}

// SweepIdle expires sessions that have no bound connections and are older
// than the TTL, returning how many were expired. Pending waiting slots are
// untouched; their lifecycle is tied to their connection.
func (r *Registry) SweepIdle(ttl time.Duration) int {
	if r == nil || ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	cutoff := r.now().Add(-ttl)
	var idle []string
	for id, session := range r.sessions {
		if session.CreatedAt.After(cutoff) {
			continue
		}
		if session.Engine.PlayerCount() > 0 {
			continue
		}
		idle = append(idle, id)
	}
	r.mu.Unlock()
	for _, id := range idle {
		r.Expire(id)
	}
	return len(idle)
}
