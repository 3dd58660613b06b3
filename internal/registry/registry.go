package registry

import (
	"strings"
	"sync"
	"time"

	"paddlearena/gamecore/internal/transport"
)

// Type partitions the registry into independent connection namespaces so that
// closing a game connection never evicts a chat connection and vice versa.
type Type string

const (
	TypeGame Type = "game"
	TypeChat Type = "chat"
)

// singleConnection lists the namespaces that allow at most one live
// connection per user. The chat namespace deliberately permits multi-tab
// connections; the game namespace does not.
var singleConnection = map[Type]bool{
	TypeGame: true,
}

// Record is one live connection's bookkeeping entry.
type Record struct {
	UserID        string
	Type          Type
	SessionID     string
	AuthSessionID string
	Conn          transport.Conn
	ConnectedAt   time.Time
}

// Registry is the in-memory index of live connections by user and by auth
// session. All mutation happens under one lock; handle closes triggered by
// eviction are best-effort and their errors are swallowed.
type Registry struct {
	mu      sync.Mutex
	records map[string]map[Type][]*Record
	now     func() time.Time
}

// Option configures optional registry behaviour at construction time.
type Option func(*Registry)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(opts ...Option) *Registry {
	registry := &Registry{
		records: make(map[string]map[Type][]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Add registers a connection for the user. Re-adding the same handle for the
// same (user, type) only refreshes the record. In a single-connection
// namespace a different handle evicts and closes the previous one; handles of
// other types are never touched.
func (r *Registry) Add(userID string, typ Type, sessionID, authSessionID string, conn transport.Conn) {
	if r == nil || conn == nil {
		return
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	var evicted transport.Conn
	r.mu.Lock()
	byType, ok := r.records[userID]
	if !ok {
		byType = make(map[Type][]*Record)
		r.records[userID] = byType
	}
	existing := byType[typ]
	for _, record := range existing {
		if record.Conn == conn {
			record.SessionID = sessionID
			record.AuthSessionID = authSessionID
			record.ConnectedAt = r.now()
			r.mu.Unlock()
			return
		}
	}
	if singleConnection[typ] && len(existing) > 0 {
		evicted = existing[0].Conn
		byType[typ] = existing[:0]
	}
	byType[typ] = append(byType[typ], &Record{
		UserID:        userID,
		Type:          typ,
		SessionID:     sessionID,
		AuthSessionID: authSessionID,
		Conn:          conn,
		ConnectedAt:   r.now(),
	})
	r.mu.Unlock()
	if evicted != nil {
		_ = evicted.Close(transport.CloseReplaced, "replaced by a newer connection")
	}
}

// Remove deletes the record for the connection, but only if the stored handle
// still matches; a record refreshed by a newer connection is left alone.
func (r *Registry) Remove(userID string, typ Type, conn transport.Conn) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.records[userID]
	if !ok {
		return
	}
	records := byType[typ]
	kept := records[:0]
	for _, record := range records {
		if record.Conn != conn {
			kept = append(kept, record)
		}
	}
	if len(kept) == 0 {
		delete(byType, typ)
	} else {
		byType[typ] = kept
	}
	if len(byType) == 0 {
		delete(r.records, userID)
	}
}

// Get returns the stored record for the user and type, or nil. In the chat
// namespace the most recent record wins.
func (r *Registry) Get(userID string, typ Type) *Record {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.records[userID]
	if !ok {
		return nil
	}
	records := byType[typ]
	if len(records) == 0 {
		return nil
	}
	copied := *records[len(records)-1]
	return &copied
}

// CountForUser reports the number of live registered connections for the
// user across all namespaces. An unknown user counts as zero, never as
// "unknown".
func (r *Registry) CountForUser(userID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, records := range r.records[userID] {
		count += len(records)
	}
	return count
}

// CloseAllForAuthSession force-closes every connection minted under the auth
// session, across all users and namespaces, and returns the number closed.
// The identity service calls this on logout and token revocation.
func (r *Registry) CloseAllForAuthSession(authSessionID string) int {
	if r == nil || strings.TrimSpace(authSessionID) == "" {
		return 0
	}
	var victims []transport.Conn
	r.mu.Lock()
	for userID, byType := range r.records {
		for typ, records := range byType {
			kept := records[:0]
			for _, record := range records {
				if record.AuthSessionID == authSessionID {
					victims = append(victims, record.Conn)
					continue
				}
				kept = append(kept, record)
			}
			if len(kept) == 0 {
				delete(byType, typ)
			} else {
				byType[typ] = kept
			}
		}
		if len(byType) == 0 {
			delete(r.records, userID)
		}
	}
	r.mu.Unlock()
	for _, conn := range victims {
		_ = conn.Close(transport.CloseRevoked, "auth session revoked")
	}
	return len(victims)
}
