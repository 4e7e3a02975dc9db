package lifecycle

import (
	"time"

	"github.com/sebastianm/devbox/internal/session"
)

// band is the slice of the progress bar owned by one phase.
type band struct{ lo, hi int }

var bands = map[session.Phase]band{
	session.PhaseStarting:          {0, 0},
	session.PhasePullingImage:      {10, 25},
	session.PhaseCreatingVolume:    {25, 45},
	session.PhaseCreatingContainer: {45, 70},
	session.PhaseStartingContainer: {70, 90},
	session.PhaseReady:             {100, 100},
}

// phaseFloor is the percent a session reports on entering phase.
func phaseFloor(p session.Phase) int {
	return bands[p].lo
}

// interpolate places a phase that has been running for elapsed inside its
// band, assuming it takes expected in total. Without an expectation the
// phase sits at the bottom of its band.
func interpolate(p session.Phase, elapsed, expected time.Duration, known bool) int {
	b, ok := bands[p]
	if !ok {
		return 0
	}
	if !known || expected <= 0 || b.hi == b.lo {
		return b.lo
	}
	frac := float64(elapsed) / float64(expected)
	frac = max(0, min(1, frac))
	return b.lo + int(frac*float64(b.hi-b.lo))
}
