package stratum

import (
	"sync"
	"time"
)

const (
	// vardiffTargetInterval is the desired spacing between shares from
	// one session.
	vardiffTargetInterval = 15 * time.Second

	// vardiffWindow is how many recent share times feed a retarget.
	vardiffWindow = 8

	// vardiffRetargetMin is the minimum time between retargets.
	vardiffRetargetMin = 60 * time.Second

	// vardiffMaxStep clamps any single adjustment, in either direction.
	// Matches the per-step clamp used for chain difficulty retargeting:
	// shares from a different difficulty regime carry timing data that is
	// not comparable, so convergence is bounded instead of jumpy.
	vardiffMaxStep = 4.0

	// vardiffMinDifficulty is the easiest difficulty ever assigned.
	vardiffMinDifficulty = 0.001
)

// Vardiff adjusts one session's share difficulty toward a target share
// rate, from the observed timing of its accepted shares.
type Vardiff struct {
	mu           sync.Mutex
	difficulty   float64
	shareTimes   []time.Time
	lastRetarget time.Time
}

// NewVardiff creates a controller starting at the given difficulty.
func NewVardiff(initial float64) *Vardiff {
	if initial < vardiffMinDifficulty {
		initial = vardiffMinDifficulty
	}
	return &Vardiff{
		difficulty:   initial,
		lastRetarget: time.Now(),
	}
}

// Difficulty returns the current share difficulty.
func (v *Vardiff) Difficulty() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.difficulty
}

// RecordShare notes an accepted share and retargets if due. Returns the
// new difficulty and true when the difficulty changed.
func (v *Vardiff) RecordShare(now time.Time) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.shareTimes = append(v.shareTimes, now)
	if len(v.shareTimes) > vardiffWindow {
		v.shareTimes = v.shareTimes[len(v.shareTimes)-vardiffWindow:]
	}

	// Retarget only from a full window: partial windows would let the
	// per-step clamp be applied several times over one window's worth of
	// shares, compounding past 4x.
	if len(v.shareTimes) < vardiffWindow || now.Sub(v.lastRetarget) < vardiffRetargetMin {
		return v.difficulty, false
	}

	actual := v.shareTimes[len(v.shareTimes)-1].Sub(v.shareTimes[0])
	expected := vardiffTargetInterval * time.Duration(len(v.shareTimes)-1)
	if actual <= 0 {
		actual = time.Millisecond
	}

	// newDiff = diff * expected / actual, clamped per step
	ratio := float64(expected) / float64(actual)
	if ratio > vardiffMaxStep {
		ratio = vardiffMaxStep
	}
	if ratio < 1/vardiffMaxStep {
		ratio = 1 / vardiffMaxStep
	}

	newDiff := v.difficulty * ratio
	if newDiff < vardiffMinDifficulty {
		newDiff = vardiffMinDifficulty
	}

	v.lastRetarget = now
	v.shareTimes = v.shareTimes[:0]

	if newDiff == v.difficulty {
		return v.difficulty, false
	}
	v.difficulty = newDiff
	return newDiff, true
}
