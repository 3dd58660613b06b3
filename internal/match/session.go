package match

import (
	"strings"
	"time"

	"paddlearena/gamecore/internal/bots"
	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/transport"
)

// Mode describes how a session was created and who may join it.
type Mode string

const (
	ModeAI            Mode = "AI"
	ModeLocal         Mode = "LOCAL"
	ModeRemotePublic  Mode = "REMOTE_PUBLIC"
	ModeRemotePrivate Mode = "REMOTE_PRIVATE"
	ModeTournament    Mode = "TOURNAMENT_LINKED"
)

// Session is one pending or in-progress match. Exactly one session exists per
// identifier at any time; once expired the identifier is never reused.
type Session struct {
	ID        string
	Mode      Mode
	Engine    *engine.Engine
	Pilot     *bots.Pilot
	CreatedAt time.Time
}

// WaitingSlot is the single pending public-matchmaking entry: the parked
// connection plus whatever identity it carried at ready time.
type WaitingSlot struct {
	ID          string
	Conn        transport.Conn
	UserID      string
	DisplayName string
	CreatedAt   time.Time
}

// tournamentPrefix marks session identifiers scheduled by the tournament
// service. Admission into these sessions is restricted to the scheduled
// participants.
const tournamentPrefix = "local-match-"

// TournamentMatchID extracts the tournament match identifier from a session
// id of the form "local-match-{id}".
func TournamentMatchID(sessionID string) (string, bool) {
	if !strings.HasPrefix(sessionID, tournamentPrefix) {
		return "", false
	}
	matchID := strings.TrimPrefix(sessionID, tournamentPrefix)
	if matchID == "" {
		return "", false
	}
	return matchID, true
}
