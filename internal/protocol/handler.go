// Package protocol implements the per-connection message handler: it
// authenticates clients, admits them into match sessions, forwards gameplay
// messages to the session engine and keeps the connection registry current.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"paddlearena/gamecore/internal/auth"
	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/logging"
	"paddlearena/gamecore/internal/match"
	"paddlearena/gamecore/internal/platform"
	"paddlearena/gamecore/internal/registry"
	"paddlearena/gamecore/internal/transport"
)

// Control message types accepted from clients.
const (
	ControlPause   = "PAUSE"
	ControlResume  = "RESUME"
	ControlAbort   = "ABORT"
	ControlLeave   = "LEAVE"
	ControlRestart = "RESTART_MATCH"
)

type readyPayload struct {
	Token string `json:"token"`
}

type inputPayload struct {
	Tick  uint64 `json:"tick"`
	Axis  int    `json:"axis"`
	Boost bool   `json:"boost"`
	// Slot selects the logical player in local mode; ignored otherwise.
	Slot string `json:"slot,omitempty"`
}

type controlPayload struct {
	Type string `json:"type"`
}

// Config carries the collaborators a Handler needs.
type Config struct {
	Connections  *registry.Registry
	Matches      *match.Registry
	Verifier     TokenVerifier
	Profiles     ProfileDirectory
	Participants ParticipantSource
	Logger       *logging.Logger
}

// Handler owns every live protocol client and runs the admission pipeline.
type Handler struct {
	mu      sync.Mutex
	clients map[transport.Conn]*Client
	gate    *InputGate

	conns        *registry.Registry
	matches      *match.Registry
	verifier     TokenVerifier
	profiles     ProfileDirectory
	participants ParticipantSource
	logger       *logging.Logger
}

// NewHandler constructs a protocol handler around the supplied registries and
// collaborator ports.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{
		clients:      make(map[transport.Conn]*Client),
		gate:         NewInputGate(DefaultInputWindow, DefaultInputLimit, nil),
		conns:        cfg.Connections,
		matches:      cfg.Matches,
		verifier:     cfg.Verifier,
		profiles:     cfg.Profiles,
		participants: cfg.Participants,
		logger:       logger,
	}
}

// Connect registers a new connection and resolves its target session from the
// connect-time parameters. Public-queue connections resolve no session yet;
// that happens on their ready message.
func (h *Handler) Connect(conn transport.Conn, params Params) (*Client, error) {
	if h == nil || conn == nil {
		return nil, errors.New("handler or connection is nil")
	}
	client := &Client{conn: conn, params: params, state: StateConnected}

	//1.- Resolve the session eagerly for every mode that names one.
	var (
		session *match.Session
		err     error
	)
	switch params.Mode {
	case ModeAI:
		session, err = h.matches.CreateAISession(params.Difficulty, params.AISlot)
	case ModeLocal:
		session, err = h.matches.CreateLocalSession()
	case ModeRemote:
		session, err = h.matches.CreateSession(params.SessionID)
	}
	if err != nil {
		client.state = StateRejected
		h.reject(conn, "session unavailable")
		return client, fmt.Errorf("resolve session: %w", err)
	}
	client.session = session

	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()
	return client, nil
}

// HandleMessage dispatches one inbound envelope for the connection. Malformed
// frames are logged and dropped; the connection stays open.
func (h *Handler) HandleMessage(conn transport.Conn, data []byte) {
	if h == nil || conn == nil {
		return
	}
	var envelope transport.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.logger.Warn("malformed envelope dropped", logging.Error(err))
		return
	}
	switch envelope.Event {
	case transport.EventReady:
		var payload readyPayload
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				h.logger.Warn("malformed ready payload dropped", logging.Error(err))
				return
			}
		}
		h.handleReady(conn, payload)
	case transport.EventInput:
		var payload inputPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			h.logger.Warn("malformed input payload dropped", logging.Error(err))
			return
		}
		h.handleInput(conn, payload)
	case transport.EventControl:
		var payload controlPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			h.logger.Warn("malformed control payload dropped", logging.Error(err))
			return
		}
		h.handleControl(conn, payload)
	default:
		h.logger.Warn("unknown event dropped", logging.String("event", envelope.Event))
	}
}

func (h *Handler) handleReady(conn transport.Conn, payload readyPayload) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if !ok || client.terminal() || client.state == StateActive || client.state == StateWaiting {
		h.mu.Unlock()
		return
	}
	session := client.session
	h.mu.Unlock()

	//1.- Authenticate before touching any shared state. Anonymous ready is
	// allowed; tournament sessions tighten this below.
	var identity *auth.Identity
	if payload.Token != "" {
		var err error
		identity, err = h.verifier.Verify(payload.Token)
		if err != nil {
			h.logger.Warn("token rejected", logging.Error(err))
			h.rejectClient(conn, "invalid token")
			return
		}
	}

	//2.- Collaborator lookups happen outside the handler lock; the admission
	// decisions below re-check client state afterwards.
	displayName := h.lookupDisplayName(identity)
	if session != nil {
		if !h.admitToSession(conn, session, identity) {
			return
		}
		h.bindSession(conn, client, session, identity, displayName)
		return
	}
	if identity != nil && h.userBusyElsewhere(identity, "") {
		h.rejectClient(conn, "already in a match")
		return
	}
	h.pairOrWait(conn, client, identity, displayName)
}

// admitToSession runs the ordered admission checks for a resolved session.
// Any failure rejects and closes the connection.
func (h *Handler) admitToSession(conn transport.Conn, session *match.Session, identity *auth.Identity) bool {
	//1.- Expiry is re-checked at ready time; admission is asynchronous and
	// the session may have died since connect.
	if h.matches.IsExpired(session.ID) {
		h.rejectClient(conn, "session is gone")
		return false
	}
	if _, err := h.matches.Lookup(session.ID); err != nil {
		h.rejectClient(conn, "session is gone")
		return false
	}
	//2.- Tournament sessions admit only the two scheduled participants, and
	// anonymous play is not an option for them.
	if matchID, ok := match.TournamentMatchID(session.ID); ok {
		if identity == nil {
			h.rejectClient(conn, "authentication required")
			return false
		}
		participants, err := h.participantsOf(matchID)
		if err != nil {
			h.rejectClient(conn, "tournament unavailable")
			return false
		}
		if !participants.Contains(identity.UserID) {
			h.rejectClient(conn, "not a scheduled participant")
			return false
		}
	}
	//3.- A user already playing elsewhere is rejected unless this is a
	// reconnect into the very same session.
	if identity != nil && h.userBusyElsewhere(identity, session.ID) {
		h.rejectClient(conn, "already in a match")
		return false
	}
	return true
}

// bindSession attaches the connection to its slot(s) and activates the client.
func (h *Handler) bindSession(conn transport.Conn, client *Client, session *match.Session, identity *auth.Identity, displayName string) {
	userID := ""
	authSessionID := ""
	if identity != nil {
		userID = identity.UserID
		authSessionID = identity.AuthSessionID
	}

	h.mu.Lock()
	if client.terminal() {
		h.mu.Unlock()
		return
	}
	var slot engine.Slot
	var err error
	if session.Mode == match.ModeLocal {
		//1.- Local play binds both slots to one connection; only the first
		// slot's identity is persisted.
		err = session.Engine.BindLocal(conn, userID, displayName)
		slot = engine.SlotP1
	} else {
		slot, err = session.Engine.AddPlayer(conn, userID, displayName)
	}
	if err != nil {
		h.mu.Unlock()
		h.logger.Warn("slot binding failed",
			logging.String("session_id", session.ID), logging.Error(err))
		h.rejectClient(conn, "match is full")
		return
	}
	client.identity = identity
	client.displayName = displayName
	client.slot = slot
	client.state = StateActive
	h.mu.Unlock()

	if identity != nil {
		h.conns.Add(userID, registry.TypeGame, session.ID, authSessionID, conn)
	}
	h.send(conn, transport.MatchEvent{
		Type:      transport.MatchConnected,
		Message:   "joined match",
		SessionID: session.ID,
		Slot:      string(slot),
	})
	h.logger.Info("player admitted",
		logging.String("session_id", session.ID),
		logging.String("slot", string(slot)),
		logging.String("user_id", userID))
	h.startIfReady(session)
}

// pairOrWait runs the public matchmaking algorithm: take the waiting slot or
// become it.
func (h *Handler) pairOrWait(conn transport.Conn, client *Client, identity *auth.Identity, displayName string) {
	userID := ""
	authSessionID := ""
	if identity != nil {
		userID = identity.UserID
		authSessionID = identity.AuthSessionID
	}

	h.mu.Lock()
	if client.terminal() {
		h.mu.Unlock()
		return
	}
	//1.- The take-and-clear is atomic inside the match registry; holding the
	// handler lock across it keeps the opponent's client record consistent.
	waiting := h.matches.TakeWaitingSlot()
	if waiting != nil {
		if _, alive := h.clients[waiting.Conn]; !alive {
			// The queued opponent closed between parking and pairing; this
			// connection becomes the new waiter instead.
			waiting = nil
		}
	}
	if waiting == nil {
		waitingID := h.matches.CreateWaitingSlot(conn, userID, displayName)
		client.identity = identity
		client.displayName = displayName
		client.waitingID = waitingID
		client.state = StateWaiting
		h.mu.Unlock()
		//2.- The reply deliberately omits the session id: the waiting slot is
		// not a navigable resource yet.
		h.send(conn, transport.MatchEvent{
			Type:    transport.MatchConnected,
			Message: "waiting for an opponent",
			Slot:    string(engine.SlotP1),
			Waiting: true,
		})
		return
	}

	session, err := h.matches.CreateSession("")
	if err != nil {
		h.failPairingLocked(conn, waiting.Conn)
		h.logger.Error("pairing session creation failed", logging.Error(err))
		return
	}
	if _, err := session.Engine.AddPlayer(waiting.Conn, waiting.UserID, waiting.DisplayName); err != nil {
		h.failPairingLocked(conn, waiting.Conn)
		h.logger.Error("pairing bind failed", logging.Error(err))
		h.matches.RemoveSession(session.ID)
		return
	}
	if _, err := session.Engine.AddPlayer(conn, userID, displayName); err != nil {
		h.failPairingLocked(conn, waiting.Conn)
		h.logger.Error("pairing bind failed", logging.Error(err))
		h.matches.RemoveSession(session.ID)
		return
	}

	client.identity = identity
	client.displayName = displayName
	client.session = session
	client.slot = engine.SlotP2
	client.state = StateActive

	opponent := h.clients[waiting.Conn]
	var opponentIdentity *auth.Identity
	if opponent != nil {
		opponent.session = session
		opponent.slot = engine.SlotP1
		opponent.waitingID = ""
		opponent.state = StateActive
		opponentIdentity = opponent.identity
	}
	h.mu.Unlock()

	if opponentIdentity != nil {
		h.conns.Add(opponentIdentity.UserID, registry.TypeGame, session.ID,
			opponentIdentity.AuthSessionID, waiting.Conn)
	}
	if identity != nil {
		h.conns.Add(userID, registry.TypeGame, session.ID, authSessionID, conn)
	}

	h.send(waiting.Conn, transport.MatchEvent{
		Type:      transport.MatchFound,
		Message:   "opponent found",
		SessionID: session.ID,
		Slot:      string(engine.SlotP1),
	})
	h.send(conn, transport.MatchEvent{
		Type:      transport.MatchFound,
		Message:   "opponent found",
		SessionID: session.ID,
		Slot:      string(engine.SlotP2),
	})
	h.logger.Info("players paired", logging.String("session_id", session.ID))
	session.Engine.Start()
}

func (h *Handler) handleInput(conn transport.Conn, payload inputPayload) {
	if ok, reason := h.gate.Admit(conn, payload.Tick); !ok {
		h.logger.Debug("input dropped", logging.String("reason", string(reason)))
		return
	}
	h.mu.Lock()
	client, ok := h.clients[conn]
	if !ok || client.state != StateActive || client.session == nil {
		h.mu.Unlock()
		return
	}
	session := client.session
	slot := client.slot
	if session.Mode == match.ModeLocal {
		if requested := engine.Slot(payload.Slot); requested.Valid() {
			slot = requested
		}
	}
	h.mu.Unlock()

	session.Engine.ProcessInput(slot, engine.Input{
		Tick:  payload.Tick,
		Axis:  payload.Axis,
		Boost: payload.Boost,
	})
}

func (h *Handler) handleControl(conn transport.Conn, payload controlPayload) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if !ok || client.terminal() {
		// Already torn down; a second LEAVE (or anything else) is a no-op.
		h.mu.Unlock()
		return
	}
	session := client.session
	state := client.state
	h.mu.Unlock()

	if payload.Type == ControlLeave {
		h.leave(conn)
		return
	}
	if state != StateActive || session == nil {
		return
	}
	switch payload.Type {
	case ControlPause:
		session.Engine.Pause("player_request")
	case ControlResume:
		session.Engine.Resume()
	case ControlAbort:
		session.Engine.Abort()
	case ControlRestart:
		if err := session.Engine.Reset(); err != nil {
			h.logger.Warn("restart refused",
				logging.String("session_id", session.ID), logging.Error(err))
		}
	default:
		h.logger.Warn("unknown control dropped", logging.String("type", payload.Type))
	}
}

// leave removes the player's slot, notifies the client and closes the
// connection. Permitted from any state.
func (h *Handler) leave(conn transport.Conn) {
	h.send(conn, transport.MatchEvent{Type: transport.MatchLeft, Message: "left the match"})
	conn.Close(transport.CloseNormal, "leave")
	h.HandleClose(conn)
}

// HandleClose runs the teardown for a closed connection. Slot and waiting
// queue cleanup is deferred to a fresh goroutine so shared state is never
// mutated from inside the close notification still being delivered.
func (h *Handler) HandleClose(conn transport.Conn) {
	if h == nil || conn == nil {
		return
	}
	h.mu.Lock()
	client, ok := h.clients[conn]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	alreadyTerminal := client.terminal()
	client.state = StateClosed
	identity := client.identity
	session := client.session
	waitingID := client.waitingID
	h.mu.Unlock()
	if alreadyTerminal {
		return
	}
	h.gate.Forget(conn)

	if identity != nil {
		h.conns.Remove(identity.UserID, registry.TypeGame, conn)
	}

	go func() {
		if waitingID != "" {
			h.matches.RemoveWaitingSlot(waitingID)
		}
		if session == nil {
			return
		}
		if remaining := session.Engine.RemovePlayer(conn); remaining == 0 {
			h.matches.Expire(session.ID)
		}
	}()
}

// ClientCount reports the number of live protocol clients.
func (h *Handler) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// startIfReady starts the engine once every slot is occupied. The bot slot
// counts as occupied; Start is idempotent, so racing admissions are harmless.
func (h *Handler) startIfReady(session *match.Session) {
	switch session.Mode {
	case match.ModeAI, match.ModeLocal:
		session.Engine.Start()
	default:
		if session.Engine.PlayerCount() == 2 {
			session.Engine.Start()
		}
	}
}

func (h *Handler) lookupDisplayName(identity *auth.Identity) string {
	if identity == nil || h.profiles == nil {
		return ""
	}
	name, err := h.profiles.DisplayName(context.Background(), identity.UserID)
	if err != nil {
		return ""
	}
	return name
}

// userBusyElsewhere reports whether the platform marks the user as mid-match
// without a connection record tying them to this exact session.
func (h *Handler) userBusyElsewhere(identity *auth.Identity, sessionID string) bool {
	if h.profiles == nil {
		return false
	}
	status, err := h.profiles.CurrentStatus(context.Background(), identity.UserID)
	if err != nil || status != platform.StatusInMatch {
		return false
	}
	if record := h.conns.Get(identity.UserID, registry.TypeGame); record != nil {
		if sessionID != "" && record.SessionID == sessionID {
			return false // reconnect into the same match
		}
	}
	return true
}

func (h *Handler) participantsOf(matchID string) (platform.Participants, error) {
	if h.participants == nil {
		return platform.Participants{}, errors.New("participant source not configured")
	}
	return h.participants.ParticipantsOf(context.Background(), matchID)
}

// failPairingLocked tears down both sides of a pairing attempt that could not
// be completed; the dequeued waiter must not linger in StateWaiting with no
// queue slot behind it. The caller holds h.mu and this releases it.
func (h *Handler) failPairingLocked(ready, waiting transport.Conn) {
	for _, c := range []transport.Conn{ready, waiting} {
		if client, ok := h.clients[c]; ok {
			client.state = StateRejected
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
	h.reject(waiting, "matchmaking failed")
	h.reject(ready, "matchmaking failed")
}

// rejectClient marks the client rejected and closes the connection with an
// UNAVAILABLE notification.
func (h *Handler) rejectClient(conn transport.Conn, message string) {
	h.mu.Lock()
	if client, ok := h.clients[conn]; ok {
		client.state = StateRejected
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	h.reject(conn, message)
}

// reject notifies and closes a connection the handler does not track.
func (h *Handler) reject(conn transport.Conn, message string) {
	h.send(conn, transport.MatchEvent{Type: transport.MatchUnavailable, Message: message})
	conn.Close(transport.CloseUnavailable, message)
}

// send swallows per-connection delivery errors; a half-closed peer must not
// disturb anyone else.
func (h *Handler) send(conn transport.Conn, event transport.MatchEvent) {
	if err := conn.SendEvent(transport.EventMatch, event); err != nil {
		h.logger.Debug("outbound send failed", logging.Error(err))
	}
}
