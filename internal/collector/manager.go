package collector

import (
	"log/slog"
	"sync"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Dialers
// =============================================================================

// Dialers supplies the transport constructors the manager needs for the
// connection-oriented source kinds. Pull and SNMP sources carry their
// transport internally.
type Dialers struct {
	Subscription SubscriptionDialer
	Register     RegisterDialer
}

// =============================================================================
// Manager
// =============================================================================

// Manager builds one collector per configured source and merges their
// output into a single channel for the pipeline. Start is all-or-
// nothing: any configuration error stops the ones already started and
// fails the call.
type Manager struct {
	dialers    Dialers
	log        *slog.Logger
	collectors []Collector

	out  chan types.Sample
	wg   sync.WaitGroup
	once sync.Once
}

// NewManager constructs collectors for every source in the snapshot.
func NewManager(snap *config.Snapshot, dialers Dialers) (*Manager, error) {
	m := &Manager{
		dialers: dialers,
		log:     logging.Component("collector"),
	}
	for _, src := range snap.Sources {
		c, err := m.build(src)
		if err != nil {
			return nil, errors.Wrapf(err, "source %s", src.ID)
		}
		m.collectors = append(m.collectors, c)
	}

	total := 0
	for _, src := range snap.Sources {
		total += src.QueueSize
	}
	m.out = make(chan types.Sample, total)
	return m, nil
}

func (m *Manager) build(src config.SourceConfig) (Collector, error) {
	switch src.Kind {
	case config.KindSubscription:
		if m.dialers.Subscription == nil {
			return nil, errors.NewMissingField("subscription dialer")
		}
		return newSubscription(src, m.dialers.Subscription)
	case config.KindPolling:
		if m.dialers.Register == nil {
			return nil, errors.NewMissingField("register dialer")
		}
		return newPolling(src, m.dialers.Register)
	case config.KindPull:
		return newPull(src)
	case config.KindSNMP:
		return newSNMP(src)
	default:
		return nil, errors.Wrap(errors.ErrUnknownKind, string(src.Kind))
	}
}

// Output is the merged sample stream. Closed after Stop.
func (m *Manager) Output() <-chan types.Sample { return m.out }

// Collectors returns the managed collectors, for health reporting.
func (m *Manager) Collectors() []Collector { return m.collectors }

// Health returns the per-source health views keyed by source id.
func (m *Manager) Health() map[string]Health {
	out := make(map[string]Health, len(m.collectors))
	for _, c := range m.collectors {
		out[c.ID()] = c.Health()
	}
	return out
}

// Start starts every collector and begins merging. A failed Start stops
// the collectors already running and returns the failure.
func (m *Manager) Start() error {
	for i, c := range m.collectors {
		if err := c.Start(); err != nil {
			for _, started := range m.collectors[:i] {
				if stopErr := started.Stop(); stopErr != nil {
					m.log.Warn("stop after failed start",
						"source", started.ID(), "error", stopErr)
				}
			}
			return errors.Wrapf(err, "start source %s", c.ID())
		}
	}

	for _, c := range m.collectors {
		m.wg.Add(1)
		go m.forward(c)
	}
	m.log.Info("collectors started", "sources", len(m.collectors))
	return nil
}

// forward copies one collector's output onto the merged channel until
// the collector closes it.
func (m *Manager) forward(c Collector) {
	defer m.wg.Done()
	for s := range c.Output() {
		m.out <- s
	}
}

// Stop stops every collector and closes the merged channel once all
// per-collector streams have drained.
func (m *Manager) Stop() error {
	var firstErr error
	for _, c := range m.collectors {
		if err := c.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	m.once.Do(func() { close(m.out) })
	m.log.Info("collectors stopped")
	return firstErr
}
