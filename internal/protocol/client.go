package protocol

import (
	"paddlearena/gamecore/internal/auth"
	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/match"
	"paddlearena/gamecore/internal/transport"
)

// State is a connection's position in the admission lifecycle.
type State string

const (
	// StateConnected means the transport is open but no ready was accepted.
	StateConnected State = "CONNECTED"
	// StateWaiting means the connection is parked in the matchmaking queue.
	StateWaiting State = "WAITING"
	// StateActive means the connection is bound to a player slot.
	StateActive State = "ACTIVE"
	// StateRejected means admission failed and the connection was closed.
	StateRejected State = "REJECTED"
	// StateClosed means the transport closed, orderly or not.
	StateClosed State = "CLOSED"
)

// Client is the per-connection protocol state. All fields are guarded by the
// owning Handler's mutex; the Client itself carries no lock.
type Client struct {
	conn   transport.Conn
	params Params
	state  State

	identity    *auth.Identity
	displayName string

	session   *match.Session
	slot      engine.Slot
	waitingID string
}

// State reports the connection's lifecycle position.
func (c *Client) State() State {
	if c == nil {
		return StateClosed
	}
	return c.state
}

// Session reports the bound session, or nil before admission completes.
func (c *Client) Session() *match.Session {
	if c == nil {
		return nil
	}
	return c.session
}

// Slot reports the bound player slot; empty until admission completes.
func (c *Client) Slot() engine.Slot {
	if c == nil {
		return ""
	}
	return c.slot
}

// UserID reports the authenticated account, or empty for anonymous play.
func (c *Client) UserID() string {
	if c == nil || c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

func (c *Client) terminal() bool {
	return c.state == StateClosed || c.state == StateRejected
}
