// Package clock provides the frame clock and the fixed-timestep accumulator
// that drive hook dispatch.
package clock

import "time"

// Frame tracks per-frame delta and total elapsed time.
type Frame struct {
	now     func() time.Time
	last    time.Time
	delta   time.Duration
	elapsed time.Duration
	frames  uint64
}

// NewFrame creates a frame clock. A nil now uses time.Now.
func NewFrame(now func() time.Time) *Frame {
	if now == nil {
		now = time.Now
	}
	return &Frame{now: now}
}

// Advance measures the wall time since the previous Advance and records it
// as the current frame delta. The first call yields a zero delta.
func (f *Frame) Advance() time.Duration {
	t := f.now()
	var dt time.Duration
	if !f.last.IsZero() {
		dt = t.Sub(f.last)
		if dt < 0 {
			dt = 0
		}
	}
	f.last = t
	f.Step(dt)
	return dt
}

// Step records an explicit frame delta.
func (f *Frame) Step(dt time.Duration) {
	f.delta = dt
	f.elapsed += dt
	f.frames++
}

func (f *Frame) Delta() time.Duration   { return f.delta }
func (f *Frame) Elapsed() time.Duration { return f.elapsed }
func (f *Frame) Frames() uint64         { return f.frames }

// FixedStep converts variable frame deltas into whole fixed timesteps.
// Every accumulated step is reported; steps are never dropped or merged.
type FixedStep struct {
	step    time.Duration
	acc     time.Duration
	elapsed time.Duration
}

// NewFixedStep creates an accumulator. step must be positive.
func NewFixedStep(step time.Duration) *FixedStep {
	if step <= 0 {
		panic("clock: fixed step must be positive")
	}
	return &FixedStep{step: step}
}

// Advance adds dt and returns how many fixed steps are now due.
func (s *FixedStep) Advance(dt time.Duration) int {
	if dt > 0 {
		s.acc += dt
	}
	n := 0
	for s.acc >= s.step {
		s.acc -= s.step
		s.elapsed += s.step
		n++
	}
	return n
}

// Step is the configured timestep.
func (s *FixedStep) Step() time.Duration { return s.step }

// Elapsed is the total simulated time in whole steps.
func (s *FixedStep) Elapsed() time.Duration { return s.elapsed }

// Pending is the remainder not yet consumed by a step.
func (s *FixedStep) Pending() time.Duration { return s.acc }
