package bots

import (
	"math/rand"
	"testing"

	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/physics"
)

func approachingSnapshot(paddleY float64) engine.Snapshot {
	return engine.Snapshot{
		Ball:     physics.Ball{X: physics.BoardWidth / 2, Y: 300, DX: physics.BaseBallSpeed, DY: 0},
		PaddleP1: physics.BoardHeight / 2,
		PaddleP2: paddleY,
	}
}

func TestParseDifficulty(t *testing.T) {
	cases := map[string]Difficulty{
		"easy":    DifficultyEasy,
		"HARD":    DifficultyHard,
		" Normal": DifficultyNormal,
		"bogus":   DifficultyNormal,
		"":        DifficultyNormal,
	}
	for raw, want := range cases {
		if got := ParseDifficulty(raw); got != want {
			t.Fatalf("ParseDifficulty(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestHardPilotReactionDelayThenApproach(t *testing.T) {
	pilot := NewPilot(engine.SlotP2, DifficultyHard, rand.New(rand.NewSource(1)))
	// Paddle parked far above the straight-line intercept at y=300.
	pilot.Observe(approachingSnapshot(100))

	for i := 0; i < 10; i++ {
		if input := pilot.NextInput(); input.Axis != 0 {
			t.Fatalf("tick %d inside reaction delay should be neutral, got %+v", i, input)
		}
	}
	after := pilot.NextInput()
	if after.Axis != 1 {
		t.Fatalf("expected downward approach toward intercept, got %+v", after)
	}
}

func TestPilotHoldsOnceOnTarget(t *testing.T) {
	pilot := NewPilot(engine.SlotP2, DifficultyHard, rand.New(rand.NewSource(1)))
	// Paddle already near the intercept; after the delay the plan should hold.
	pilot.Observe(approachingSnapshot(300))

	moves := 0
	for i := 0; i < PlanTicks; i++ {
		if pilot.NextInput().Axis != 0 {
			moves++
		}
	}
	// Aim error is at most 8px on HARD, so at most a couple of steps.
	if moves > 3 {
		t.Fatalf("pilot kept moving while on target: %d moves", moves)
	}
}

func TestPilotTargetsCenterWhenBallRetreats(t *testing.T) {
	pilot := NewPilot(engine.SlotP2, DifficultyHard, rand.New(rand.NewSource(1)))
	snapshot := engine.Snapshot{
		Ball:     physics.Ball{X: 400, Y: 120, DX: -physics.BaseBallSpeed, DY: 0},
		PaddleP2: 120,
	}
	pilot.Observe(snapshot)

	// Drain the reaction delay, then the pilot should drift down toward center.
	for i := 0; i < 10; i++ {
		pilot.NextInput()
	}
	if input := pilot.NextInput(); input.Axis != 1 {
		t.Fatalf("expected drift toward board center, got %+v", input)
	}
}

func TestPlanAccountsForWallReflection(t *testing.T) {
	pilot := NewPilot(engine.SlotP2, DifficultyHard, rand.New(rand.NewSource(1)))
	// Steep downward trajectory that must bounce off the bottom wall before
	// reaching the right paddle plane.
	snapshot := engine.Snapshot{
		Ball:     physics.Ball{X: 600, Y: 560, DX: physics.BaseBallSpeed, DY: 6},
		PaddleP2: 560,
	}
	ball := snapshot.Ball
	plane := physics.PaddlePlaneX(true)
	for ball.X < plane {
		ball = physics.StepBall(ball)
	}
	if ball.Y >= 560 {
		t.Fatalf("test setup expects the reflected intercept above the start, got %v", ball.Y)
	}

	pilot.Observe(snapshot)
	for i := 0; i < 10; i++ {
		pilot.NextInput()
	}
	if input := pilot.NextInput(); input.Axis != -1 {
		t.Fatalf("expected the plan to chase the reflected intercept upward, got %+v", input)
	}
}

func TestNextInputExhaustsToNeutral(t *testing.T) {
	pilot := NewPilot(engine.SlotP1, DifficultyEasy, rand.New(rand.NewSource(7)))
	pilot.Observe(approachingSnapshot(300))
	for i := 0; i < PlanTicks; i++ {
		pilot.NextInput()
	}
	if input := pilot.NextInput(); input.Axis != 0 || input.Boost {
		t.Fatalf("exhausted queue should be neutral, got %+v", input)
	}
}

func TestEasyPilotReactsSlowerThanHard(t *testing.T) {
	easy := NewPilot(engine.SlotP2, DifficultyEasy, rand.New(rand.NewSource(1)))
	hard := NewPilot(engine.SlotP2, DifficultyHard, rand.New(rand.NewSource(1)))
	easy.Observe(approachingSnapshot(100))
	hard.Observe(approachingSnapshot(100))

	firstMove := func(p *Pilot) int {
		for i := 0; i < PlanTicks; i++ {
			if p.NextInput().Axis != 0 {
				return i
			}
		}
		return PlanTicks
	}
	if e, h := firstMove(easy), firstMove(hard); e <= h {
		t.Fatalf("easy pilot moved at tick %d, hard at %d", e, h)
	}
}
