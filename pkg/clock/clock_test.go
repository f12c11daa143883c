package clock

import (
	"testing"
	"time"
)

func TestFrameAdvance(t *testing.T) {
	base := time.Unix(1000, 0)
	now := base
	f := NewFrame(func() time.Time { return now })

	if dt := f.Advance(); dt != 0 {
		t.Errorf("first advance = %v, want 0", dt)
	}
	now = now.Add(16 * time.Millisecond)
	if dt := f.Advance(); dt != 16*time.Millisecond {
		t.Errorf("second advance = %v", dt)
	}
	now = now.Add(-time.Second) // clock went backwards
	if dt := f.Advance(); dt != 0 {
		t.Errorf("backwards advance = %v, want 0", dt)
	}
	if f.Elapsed() != 16*time.Millisecond || f.Frames() != 3 {
		t.Errorf("elapsed=%v frames=%d", f.Elapsed(), f.Frames())
	}
}

func TestFixedStepCountsEveryStep(t *testing.T) {
	s := NewFixedStep(50 * time.Millisecond)
	tests := []struct {
		dt   time.Duration
		want int
	}{
		{20 * time.Millisecond, 0},
		{30 * time.Millisecond, 1},
		{10 * time.Millisecond, 0},
		{250 * time.Millisecond, 5},
		{40 * time.Millisecond, 1},
	}
	total := 0
	for i, tt := range tests {
		got := s.Advance(tt.dt)
		if got != tt.want {
			t.Errorf("step %d: Advance(%v) = %d, want %d", i, tt.dt, got, tt.want)
		}
		total += got
	}
	if s.Elapsed() != time.Duration(total)*s.Step() {
		t.Errorf("elapsed %v does not match %d steps", s.Elapsed(), total)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %v, want 0", s.Pending())
	}
}

func TestFixedStepRejectsZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero step")
		}
	}()
	NewFixedStep(0)
}
