package protocol

import (
	"net/url"
	"strings"

	"paddlearena/gamecore/internal/bots"
	"paddlearena/gamecore/internal/engine"
)

// Mode is the session flavour a client requests at connect time.
type Mode string

const (
	// ModePublic is the default: pair through the matchmaking queue.
	ModePublic Mode = ""
	ModeAI     Mode = "ai"
	ModeLocal  Mode = "local"
	// ModeRemote joins an explicitly named session.
	ModeRemote Mode = "remote"
)

// Params are the session establishment parameters supplied out-of-band on the
// connection URL.
type Params struct {
	Mode       Mode
	Difficulty bots.Difficulty
	SessionID  string
	AISlot     engine.Slot
}

// ParseParams reads the connect-time query parameters. Unknown modes fall
// back to public matchmaking; a session_id forces an explicit join regardless
// of the stated mode.
func ParseParams(query url.Values) Params {
	params := Params{
		Difficulty: bots.ParseDifficulty(query.Get("difficulty")),
		SessionID:  strings.TrimSpace(query.Get("session_id")),
	}
	switch Mode(strings.ToLower(strings.TrimSpace(query.Get("mode")))) {
	case ModeAI:
		params.Mode = ModeAI
	case ModeLocal:
		params.Mode = ModeLocal
	case ModeRemote:
		params.Mode = ModeRemote
	default:
		params.Mode = ModePublic
	}
	if params.SessionID != "" {
		params.Mode = ModeRemote
	}
	if slot := engine.Slot(strings.ToLower(strings.TrimSpace(query.Get("ai_slot")))); slot.Valid() {
		params.AISlot = slot
	}
	return params
}
