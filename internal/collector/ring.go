package collector

import (
	"sync"

	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Ring Tracker
// =============================================================================

// ringTracker observes the PLC ring counter tag and stamps every
// outgoing sample with the ring number at capture time. A transition
// from n to n+1 marks the new ring beginning at the transitioning
// sample's timestamp: that sample already belongs to the new ring.
type ringTracker struct {
	mu      sync.Mutex
	tag     string
	current int64
}

func newRingTracker(tag string) *ringTracker {
	return &ringTracker{tag: tag}
}

// stamp assigns the ring number to s, updating the tracker first when s
// carries the ring counter itself. A decreasing counter is refused: the
// sample is rejected and the tracker keeps the prior ring.
func (r *ringTracker) stamp(s *types.Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Tag == r.tag {
		observed := int64(s.Value)
		if observed < r.current {
			logging.Source("collector", s.Source).Error("ring number decreased",
				"current", r.current, "observed", observed,
				"error", errors.ErrRingRegression)
			return false
		}
		r.current = observed
	}
	s.Ring = r.current
	return true
}

// ringNumber returns the tracker's current ring.
func (r *ringTracker) ringNumber() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
