package bots

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/physics"
)

// Difficulty selects how sharply the synthetic opponent plays.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyNormal Difficulty = "NORMAL"
	DifficultyHard   Difficulty = "HARD"
)

// ParseDifficulty maps a client-supplied string onto a difficulty, defaulting
// to NORMAL for anything unrecognised.
func ParseDifficulty(raw string) Difficulty {
	switch Difficulty(strings.ToUpper(strings.TrimSpace(raw))) {
	case DifficultyEasy:
		return DifficultyEasy
	case DifficultyHard:
		return DifficultyHard
	default:
		return DifficultyNormal
	}
}

// profile tunes the human-imperfection knobs per difficulty: how many ticks
// the pilot sits on its hands after each observation, and how far off the
// predicted intercept its aim may drift.
type profile struct {
	reactionTicks int
	errorMargin   float64
}

var profiles = map[Difficulty]profile{
	DifficultyEasy:   {reactionTicks: 24, errorMargin: 48},
	DifficultyNormal: {reactionTicks: 18, errorMargin: 24},
	DifficultyHard:   {reactionTicks: 10, errorMargin: 8},
}

// PlanTicks is the length of the pre-computed input queue, consumed one entry
// per engine tick between observations.
const PlanTicks = 120

// predictionHorizon bounds the forward ball simulation when predicting the
// intercept, in ticks.
const predictionHorizon = 600

// Pilot drives one paddle from periodic snapshots of the live simulation. It
// plans a full input queue per observation so its behaviour between
// observations stays self-consistent.
type Pilot struct {
	mu    sync.Mutex
	slot  engine.Slot
	prof  profile
	rng   *rand.Rand
	queue []engine.Input
	simY  float64
}

// NewPilot constructs a pilot for the given slot and difficulty. A nil rng
// falls back to a time-seeded source; tests inject a fixed seed.
func NewPilot(slot engine.Slot, difficulty Difficulty, rng *rand.Rand) *Pilot {
	prof, ok := profiles[difficulty]
	if !ok {
		prof = profiles[DifficultyNormal]
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pilot{
		slot: slot,
		prof: prof,
		rng:  rng,
		simY: physics.BoardHeight / 2,
	}
}

// Observe replaces the input plan based on a fresh simulation snapshot.
func (p *Pilot) Observe(snapshot engine.Snapshot) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.predictTargetLocked(snapshot)
	p.simY = snapshot.Paddle(p.slot)
	p.queue = p.queue[:0]
	for i := 0; i < PlanTicks; i++ {
		if i < p.prof.reactionTicks {
			p.queue = append(p.queue, engine.Input{})
			continue
		}
		delta := target - p.simY
		axis := 0
		if delta > physics.PaddleSpeed {
			axis = 1
		} else if delta < -physics.PaddleSpeed {
			axis = -1
		}
		if axis != 0 {
			p.simY = physics.ClampPaddle(p.simY + float64(axis)*physics.PaddleSpeed)
		}
		p.queue = append(p.queue, engine.Input{Axis: axis})
	}
}

// NextInput pops the next planned input, or a neutral input once the plan is
// exhausted.
func (p *Pilot) NextInput() engine.Input {
	if p == nil {
		return engine.Input{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return engine.Input{}
	}
	input := p.queue[0]
	p.queue = p.queue[1:]
	return input
}

// predictTargetLocked simulates the ball forward, reflecting off the walls
// exactly like the live engine, until it crosses the pilot's paddle plane or
// the horizon runs out. A difficulty-scaled random offset blurs the aim. A
// ball moving away targets the board center.
func (p *Pilot) predictTargetLocked(snapshot engine.Snapshot) float64 {
	ball := snapshot.Ball
	rightSide := p.slot == engine.SlotP2
	plane := physics.PaddlePlaneX(rightSide)

	approaching := (rightSide && ball.DX > 0) || (!rightSide && ball.DX < 0)
	if !approaching {
		return physics.BoardHeight / 2
	}
	for i := 0; i < predictionHorizon; i++ {
		ball = physics.StepBall(ball)
		if rightSide && ball.X >= plane {
			break
		}
		if !rightSide && ball.X <= plane {
			break
		}
	}
	target := ball.Y + (p.rng.Float64()*2-1)*p.prof.errorMargin
	return physics.ClampPaddle(target)
}
