package pipeline

import (
	"sort"
	"time"

	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Per-Tag Rolling State
// =============================================================================

// historyEntry is one good sample retained for interpolation.
type historyEntry struct {
	tsMs  int64
	value float64
}

// gapEntry is a pending gap awaiting a forward sample. Identity fields
// are copied from the gap-causing record so the imputed row lands in the
// right table with the right ring.
type gapEntry struct {
	tsMs    int64
	ring    int64
	source  string
	table   types.Table
	address string
}

// tagState is the rolling state of one tag. It is owned by the single
// goroutine driving the pipeline.
type tagState struct {
	// history holds the last N good samples, newest last.
	history []historyEntry

	// pending are unresolved gaps, oldest first.
	pending []gapEntry

	// lastValue is the most recent observed value regardless of the
	// reasonableness verdict; the rate bound and cross-tag rules
	// compare against it.
	lastValue float64
	lastTsMs  int64
	hasLast   bool
}

// addGood appends a good sample to the history, enforcing the size cap
// and the age window.
func (st *tagState) addGood(tsMs int64, value float64, size int, window time.Duration) {
	st.history = append(st.history, historyEntry{tsMs: tsMs, value: value})
	if len(st.history) > size {
		st.history = st.history[len(st.history)-size:]
	}
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return
	}
	cutoff := tsMs - windowMs
	i := 0
	for i < len(st.history) && st.history[i].tsMs < cutoff {
		i++
	}
	st.history = st.history[i:]
}

// lastGood returns the newest history entry.
func (st *tagState) lastGood() (historyEntry, bool) {
	if len(st.history) == 0 {
		return historyEntry{}, false
	}
	return st.history[len(st.history)-1], true
}

// observe records the latest physical value for reasonableness checks.
func (st *tagState) observe(tsMs int64, value float64) {
	st.lastValue = value
	st.lastTsMs = tsMs
	st.hasLast = true
}

// addGap queues a gap, keeping the queue ordered by timestamp.
func (st *tagState) addGap(g gapEntry) {
	st.pending = append(st.pending, g)
	if n := len(st.pending); n > 1 && st.pending[n-2].tsMs > g.tsMs {
		sort.Slice(st.pending, func(i, j int) bool {
			return st.pending[i].tsMs < st.pending[j].tsMs
		})
	}
}

// cadenceMs estimates the tag's sample interval as the median history
// delta. Zero when fewer than two good samples are retained.
func (st *tagState) cadenceMs() int64 {
	if len(st.history) < 2 {
		return 0
	}
	deltas := make([]int64, 0, len(st.history)-1)
	for i := 1; i < len(st.history); i++ {
		deltas = append(deltas, st.history[i].tsMs-st.history[i-1].tsMs)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	return deltas[len(deltas)/2]
}
