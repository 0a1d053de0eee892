// Package collector implements the source collectors.
//
// A collector owns the connection to one configured data source and
// turns its readings into samples on a bounded output channel. Four
// variants cover the field protocols: subscription (server push),
// polling (register blocks), pull (HTTP) and snmp (site sensors).
//
// Key behaviors:
//   - Configuration and credential errors fail Start; nothing transient does
//   - Transient errors retry with exponential backoff and jitter
//   - Subscription callbacks never block: full channel drops the oldest
//   - Polling-family collectors block on a full channel (backpressure)
//   - PLC sources stamp every sample with the ring number at capture time
package collector

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Contract
// =============================================================================

// Health is a point-in-time view of one collector.
type Health struct {
	// Connected reports whether the source link is currently up.
	Connected bool

	// LastSampleTs is the timestamp of the newest emitted sample in
	// milliseconds, zero before the first sample.
	LastSampleTs int64

	// ErrorRate is the number of source errors per second over the
	// trailing sixty seconds.
	ErrorRate float64

	// LastError is the most recent error message, empty when healthy.
	LastError string
}

// Collector is the common contract of all source collectors.
type Collector interface {
	// ID returns the configured source id.
	ID() string

	// Start connects and begins emitting. Configuration and credential
	// problems are returned immediately; transient connect failures are
	// retried in the background and Start succeeds.
	Start() error

	// Stop disconnects and drains in-flight work within the stop
	// deadline. The output channel is closed when Stop returns.
	Stop() error

	// Output is the bounded sample channel.
	Output() <-chan types.Sample

	// Health returns the current health view.
	Health() Health
}

// Stats holds collector counters shared by all variants.
type Stats struct {
	Emitted      atomic.Int64
	DroppedFull  atomic.Int64
	Errors       atomic.Int64
	Reconnects   atomic.Int64
	RingRejected atomic.Int64
}

// =============================================================================
// Shared Base
// =============================================================================

// base carries the state every collector variant shares: the output
// channel, lifecycle bookkeeping, health tracking and ring stamping.
type base struct {
	cfg config.SourceConfig
	out chan types.Sample

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	connected atomic.Bool
	lastTs    atomic.Int64
	errWin    *rateWindow

	lastErrMu sync.Mutex
	lastErr   string

	ring *ringTracker

	stats Stats

	nowMs func() int64
}

func newBase(cfg config.SourceConfig) *base {
	b := &base{
		cfg:    cfg,
		out:    make(chan types.Sample, cfg.QueueSize),
		done:   make(chan struct{}),
		errWin: newRateWindow(60 * time.Second),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
	if cfg.RingNumberTag != "" {
		b.ring = newRingTracker(cfg.RingNumberTag)
	}
	return b
}

func (b *base) ID() string { return b.cfg.ID }

func (b *base) Output() <-chan types.Sample { return b.out }

func (b *base) Health() Health {
	b.lastErrMu.Lock()
	lastErr := b.lastErr
	b.lastErrMu.Unlock()
	return Health{
		Connected:    b.connected.Load(),
		LastSampleTs: b.lastTs.Load(),
		ErrorRate:    b.errWin.rate(),
		LastError:    lastErr,
	}
}

// recordError accounts one source error for the health view.
func (b *base) recordError(err error) {
	b.stats.Errors.Add(1)
	b.errWin.observe()
	b.lastErrMu.Lock()
	b.lastErr = err.Error()
	b.lastErrMu.Unlock()
}

func (b *base) clearError() {
	b.lastErrMu.Lock()
	b.lastErr = ""
	b.lastErrMu.Unlock()
}

// sample builds one outgoing record, applying the ring stamp.
func (b *base) sample(tag, address string, tsMs int64, value float64) (types.Sample, bool) {
	s := types.Sample{
		Source:      b.cfg.ID,
		Tag:         tag,
		TimestampMs: tsMs,
		Value:       value,
		Table:       b.cfg.Table,
		Address:     address,
	}
	if b.ring != nil {
		if ok := b.ring.stamp(&s); !ok {
			b.stats.RingRejected.Add(1)
			return types.Sample{}, false
		}
	}
	return s, true
}

// emitBlocking sends one sample, applying backpressure. Returns false
// when the collector is shutting down.
func (b *base) emitBlocking(s types.Sample) bool {
	select {
	case b.out <- s:
	case <-b.done:
		return false
	}
	b.stats.Emitted.Add(1)
	b.lastTs.Store(s.TimestampMs)
	return true
}

// emitDropOldest sends one sample without ever blocking: when the
// channel is full the oldest queued sample is evicted first.
func (b *base) emitDropOldest(s types.Sample) {
	for {
		select {
		case b.out <- s:
			b.stats.Emitted.Add(1)
			b.lastTs.Store(s.TimestampMs)
			return
		default:
		}
		select {
		case <-b.out:
			b.stats.DroppedFull.Add(1)
		default:
		}
	}
}

// =============================================================================
// Backoff
// =============================================================================

// backoff produces exponentially growing delays between Min and Max
// with symmetric jitter. Not safe for concurrent use; each run loop
// owns its own.
type backoff struct {
	cfg     config.BackoffConfig
	attempt int
}

func newBackoff(cfg config.BackoffConfig) *backoff {
	return &backoff{cfg: cfg}
}

// next returns the delay for the current attempt and advances.
func (b *backoff) next() time.Duration {
	d := b.cfg.Min << b.attempt
	if d > b.cfg.Max || d <= 0 {
		d = b.cfg.Max
	} else {
		b.attempt++
	}
	if b.cfg.Jitter > 0 {
		span := float64(d) * b.cfg.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*span)
		if d < 0 {
			d = b.cfg.Min
		}
	}
	return d
}

// reset returns the sequence to Min after a success.
func (b *backoff) reset() { b.attempt = 0 }

// sleep waits for the next backoff delay or until done closes.
func (b *backoff) sleep(done <-chan struct{}) bool {
	t := time.NewTimer(b.next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// =============================================================================
// Error Rate Window
// =============================================================================

// rateWindow counts events over a trailing window.
type rateWindow struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
	now    func() time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window, now: time.Now}
}

func (r *rateWindow) observe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, r.now())
	r.prune()
}

// rate returns events per second over the window.
func (r *rateWindow) rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return float64(len(r.events)) / r.window.Seconds()
}

func (r *rateWindow) prune() {
	cutoff := r.now().Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].Before(cutoff) {
		i++
	}
	r.events = r.events[i:]
}
