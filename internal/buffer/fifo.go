package buffer

import (
	"sync"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Bounded FIFO
// =============================================================================

// fifo is one table's bounded queue. Capacity is enforced on every
// admission path, so the queue length never exceeds max at any
// observable instant.
type fifo struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	items    []types.Sample
	max      int
	policy   config.OverflowPolicy
	draining bool
}

func newFifo(max int, policy config.OverflowPolicy) *fifo {
	f := &fifo{
		items:  make([]types.Sample, 0, max),
		max:    max,
		policy: policy,
	}
	f.notFull = sync.NewCond(&f.mu)
	return f
}

// push admits one record per the overflow policy. It reports whether a
// record was evicted (drop_oldest) or rejected (drop_newest).
func (f *fifo) push(s types.Sample) (dropped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) >= f.max {
		switch f.policy {
		case config.OverflowDropNewest:
			return true
		case config.OverflowBlock:
			for len(f.items) >= f.max && !f.draining {
				f.notFull.Wait()
			}
			if len(f.items) >= f.max {
				// Draining flipped while we waited.
				return true
			}
		default: // drop_oldest
			f.items = f.items[1:]
			dropped = true
		}
	}

	f.items = append(f.items, s)
	return dropped
}

// pushDropOldest admits one record evicting the head when full,
// regardless of the configured policy. Used once storage has gone
// fatal so blocked producers are never wedged on a dead database.
func (f *fifo) pushDropOldest(s types.Sample) (dropped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) >= f.max {
		f.items = f.items[1:]
		dropped = true
	}
	f.items = append(f.items, s)
	return dropped
}

// take removes and returns up to n records from the head.
func (f *fifo) take(n int) []types.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n <= 0 || n > len(f.items) {
		n = len(f.items)
	}
	if n == 0 {
		return nil
	}

	out := make([]types.Sample, n)
	copy(out, f.items[:n])
	f.items = append(f.items[:0], f.items[n:]...)
	f.notFull.Broadcast()
	return out
}

// requeue puts a failed batch back at the head without exceeding the
// cap; records that no longer fit are returned to the caller.
func (f *fifo) requeue(batch []types.Sample) (overflow []types.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	room := f.max - len(f.items)
	if room < 0 {
		room = 0
	}
	fit := batch
	if len(batch) > room {
		fit = batch[:room]
		overflow = batch[room:]
	}
	f.items = append(fit, f.items...)
	return overflow
}

// len returns the current queue length.
func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// drain marks the queue as shutting down, releasing blocked producers.
func (f *fifo) drain() {
	f.mu.Lock()
	f.draining = true
	f.mu.Unlock()
	f.notFull.Broadcast()
}
