package engine

import (
	"time"

	"paddlearena/gamecore/internal/physics"
)

// Slot identifies one of the two player positions in a match.
type Slot string

const (
	SlotP1 Slot = "p1"
	SlotP2 Slot = "p2"
)

// Opponent returns the other slot.
func (s Slot) Opponent() Slot {
	if s == SlotP1 {
		return SlotP2
	}
	return SlotP1
}

// Valid reports whether the slot names a real player position.
func (s Slot) Valid() bool { return s == SlotP1 || s == SlotP2 }

// Status enumerates the lifecycle states of a running simulation.
type Status string

const (
	StatusPlaying  Status = "PLAYING"
	StatusPaused   Status = "PAUSED"
	StatusFinished Status = "FINISHED"
)

// Score tracks points per slot.
type Score struct {
	P1 int `json:"p1"`
	P2 int `json:"p2"`
}

// Input carries one tick worth of player intent. Axis is -1, 0 or 1; boost
// multiplies paddle speed while held.
type Input struct {
	Tick  uint64 `json:"tick"`
	Axis  int    `json:"axis"`
	Boost bool   `json:"boost"`
}

// Snapshot is the per-tick simulation state broadcast to both connections.
type Snapshot struct {
	SessionID   string       `json:"session_id"`
	Tick        uint64       `json:"tick"`
	Ball        physics.Ball `json:"ball"`
	PaddleP1    float64      `json:"paddle_p1"`
	PaddleP2    float64      `json:"paddle_p2"`
	Score       Score        `json:"score"`
	Status      Status       `json:"status"`
	PauseReason string       `json:"pause_reason,omitempty"`
}

// Paddle returns the paddle center for the requested slot.
func (s Snapshot) Paddle(slot Slot) float64 {
	if slot == SlotP2 {
		return s.PaddleP2
	}
	return s.PaddleP1
}

// Result captures the terminal outcome of a match for persistence.
type Result struct {
	SessionID  string          `json:"session_id"`
	Winner     Slot            `json:"winner_slot"`
	Score      Score           `json:"score"`
	PlayerIDs  map[Slot]string `json:"player_ids"`
	Aliases    map[Slot]string `json:"aliases"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}
