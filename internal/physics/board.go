package physics

// Board geometry and motion constants, in logical pixels per tick. The bot
// planner reuses these so its forward simulation reflects exactly like the
// live engine.
const (
	// BoardWidth is the horizontal extent of the playfield.
	BoardWidth = 800.0
	// BoardHeight is the vertical extent of the playfield.
	BoardHeight = 600.0
	// PaddleHeight is the vertical extent of each paddle.
	PaddleHeight = 100.0
	// PaddleMargin is the distance of each paddle face from its goal line.
	PaddleMargin = 20.0
	// PaddleSpeed is how far a paddle travels in one tick at full deflection.
	PaddleSpeed = 6.0
	// BallRadius is the collision radius of the ball.
	BallRadius = 8.0
	// BaseBallSpeed is the horizontal ball speed in pixels per tick.
	BaseBallSpeed = 5.0
	// BoostFactor multiplies paddle speed while the boost input is held.
	BoostFactor = 1.5
)

// Ball carries the position and per-tick velocity of the ball.
type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// StepBall advances the ball one tick and reflects it off the top and bottom
// walls, preserving the overshoot so trajectories stay continuous.
func StepBall(b Ball) Ball {
	b.X += b.DX
	b.Y += b.DY
	if b.Y < BallRadius {
		b.Y = 2*BallRadius - b.Y
		b.DY = -b.DY
	}
	if b.Y > BoardHeight-BallRadius {
		b.Y = 2*(BoardHeight-BallRadius) - b.Y
		b.DY = -b.DY
	}
	return b
}

// ClampPaddle bounds a paddle center so the paddle stays fully on the board.
func ClampPaddle(y float64) float64 {
	if y < PaddleHeight/2 {
		return PaddleHeight / 2
	}
	if y > BoardHeight-PaddleHeight/2 {
		return BoardHeight - PaddleHeight/2
	}
	return y
}

// PaddlePlaneX reports the x coordinate of the paddle face for each side.
// The left paddle defends x=0 and the right paddle defends x=BoardWidth.
func PaddlePlaneX(rightSide bool) float64 {
	if rightSide {
		return BoardWidth - PaddleMargin
	}
	return PaddleMargin
}
