package transport

import "encoding/json"

// Envelope is the wire frame exchanged with clients: a routing event name and
// an opaque payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound event names.
const (
	// EventMatch carries lifecycle notifications about the client's session.
	EventMatch = "match:event"
	// EventState carries per-tick simulation snapshots.
	EventState = "state:update"
)

// Inbound event names.
const (
	EventReady   = "ready"
	EventInput   = "input"
	EventControl = "control"
)

// MatchEventType enumerates the lifecycle notifications sent to clients.
type MatchEventType string

const (
	MatchConnected   MatchEventType = "CONNECTED"
	MatchFound       MatchEventType = "MATCH_FOUND"
	MatchUnavailable MatchEventType = "UNAVAILABLE"
	MatchLeft        MatchEventType = "LEFT"
)

// MatchEvent is the payload for EventMatch frames. SessionID is omitted while
// a player is parked in the waiting queue; the provisional slot identifier is
// deliberately not navigable.
type MatchEvent struct {
	Type      MatchEventType `json:"type"`
	Message   string         `json:"message,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Slot      string         `json:"slot,omitempty"`
	Waiting   bool           `json:"waiting,omitempty"`
}
