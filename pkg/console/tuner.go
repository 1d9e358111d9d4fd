package console

// Cycle auto-tuning bounds.
const (
	DefaultCycle = 1000
	MaxCycle     = 100000000
	MinCycle     = 10

	// Framerate band relative to the target rate: above the upper
	// bound the machine is idle-rich and the cycle count doubles;
	// below the lower bound it halves.
	DefaultLowRate  = 0.5
	DefaultHighRate = 0.8

	// StableWindow holds the tuned value for this many observations to
	// prevent oscillation.
	StableWindow = 100
)

// Tuner adapts the per-tick instruction budget to the observed
// framerate. An explicit SetCycle pins the value and disables tuning.
type Tuner struct {
	cycle     int
	targetFPS float64
	lowRate   float64
	highRate  float64
	stable    int
	pinned    bool
}

// NewTuner creates a tuner around a target framerate.
func NewTuner(targetFPS float64) *Tuner {
	return &Tuner{
		cycle:     DefaultCycle,
		targetFPS: targetFPS,
		lowRate:   DefaultLowRate,
		highRate:  DefaultHighRate,
	}
}

// SetRates overrides the tuning band.
func (t *Tuner) SetRates(low, high float64) {
	t.lowRate, t.highRate = low, high
}

// Cycle returns the current per-tick instruction budget.
func (t *Tuner) Cycle() int { return t.cycle }

// SetCycle pins the budget, overriding auto-tuning.
func (t *Tuner) SetCycle(cycle int) {
	if cycle < MinCycle {
		cycle = MinCycle
	}
	if cycle > MaxCycle {
		cycle = MaxCycle
	}
	t.cycle = cycle
	t.pinned = true
}

// Unpin re-enables auto-tuning.
func (t *Tuner) Unpin() { t.pinned = false }

// Observe feeds one framerate sample and adjusts the budget.
func (t *Tuner) Observe(fps float64) {
	if t.pinned {
		return
	}
	if t.stable > 0 {
		t.stable--
		return
	}
	switch {
	case fps > t.targetFPS*t.highRate:
		if t.cycle < MaxCycle {
			t.cycle *= 2
			if t.cycle > MaxCycle {
				t.cycle = MaxCycle
			}
			t.stable = StableWindow
		}
	case fps < t.targetFPS*t.lowRate:
		if t.cycle > MinCycle {
			t.cycle /= 2
			if t.cycle < MinCycle {
				t.cycle = MinCycle
			}
			t.stable = StableWindow
		}
	}
}
