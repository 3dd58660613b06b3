package simulation

import (
	"sync"
	"time"
)

// StepFunc advances the simulation by one fixed timestep.
type StepFunc func()

// Loop drives a fixed timestep simulation at the configured target frequency.
// Start is idempotent and Stop has a single well-defined cancellation path, so
// a loop can be paused and resumed without leaking tickers.
type Loop struct {
	mu       sync.Mutex
	interval time.Duration
	stepFunc StepFunc
	stop     chan struct{}
	running  bool
}

// NewLoop configures a loop that targets the provided steps per second.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func() {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		interval: interval,
		stepFunc: step,
	}
}

// Start begins ticking. Calling Start on a running loop is a no-op.
func (l *Loop) Start() {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	stop := make(chan struct{})
	l.stop = stop
	l.mu.Unlock()

	go l.run(stop)
}

func (l *Loop) run(stop chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			//1.- Accumulate elapsed time and run fixed steps while catching up.
			accumulator += now.Sub(last)
			last = now
			for accumulator >= l.interval {
				l.stepFunc()
				accumulator -= l.interval
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}
}

// Stop cancels the loop. It is safe to call from within a step and safe to
// call repeatedly; only the first call closes the tick channel.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stop)
	l.stop = nil
}

// Running reports whether the loop currently owns a live ticker.
func (l *Loop) Running() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Interval exposes the configured timestep for testing.
func (l *Loop) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
