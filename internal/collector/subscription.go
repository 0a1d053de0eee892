package collector

import (
	"context"
	"log/slog"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
)

// =============================================================================
// Subscription Client
// =============================================================================

// DataChange is the callback invoked for every value change on a
// subscribed tag. Implementations must expect it to be called from the
// client's own goroutines.
type DataChange func(tag string, tsMs int64, value float64)

// SubscriptionClient is a server-push source connection. The concrete
// protocol client (OPC-UA) lives behind this interface.
type SubscriptionClient interface {
	Connect(ctx context.Context) error

	// Subscribe registers the callback for the named tags. Called again
	// after every reconnect.
	Subscribe(tags []string, fn DataChange) error

	// Closed returns a channel that closes when the connection drops.
	Closed() <-chan struct{}

	Close() error
}

// SubscriptionDialer builds a SubscriptionClient for one source.
type SubscriptionDialer func(cfg config.SourceConfig) (SubscriptionClient, error)

// =============================================================================
// Subscription Collector
// =============================================================================

// subscriptionCollector bridges a push client onto the output channel.
// The data-change callback only stamps and enqueues; it never blocks,
// so a slow consumer costs dropped samples, not a stalled subscription.
// The only lock it takes is the ring tracker's short mutex when the
// source stamps ring numbers.
type subscriptionCollector struct {
	*base
	dial    SubscriptionDialer
	log     *slog.Logger
	tagSet  map[string]string // tag name -> address
	tagList []string
}

func newSubscription(cfg config.SourceConfig, dial SubscriptionDialer) (*subscriptionCollector, error) {
	if len(cfg.Tags) == 0 {
		return nil, errors.NewMissingField("tags")
	}
	tagSet := make(map[string]string, len(cfg.Tags))
	tagList := make([]string, 0, len(cfg.Tags))
	for _, t := range cfg.Tags {
		tagSet[t.Name] = t.Address
		tagList = append(tagList, t.Name)
	}
	return &subscriptionCollector{
		base:    newBase(cfg),
		dial:    dial,
		log:     logging.Source("collector", cfg.ID),
		tagSet:  tagSet,
		tagList: tagList,
	}, nil
}

func (c *subscriptionCollector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	c.wg.Add(1)
	go c.run()
	c.log.Info("subscription collector started",
		"endpoint", c.cfg.Endpoint, "tags", len(c.tagList))
	return nil
}

func (c *subscriptionCollector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	close(c.done)
	waitWithDeadline(&c.wg, appconfig.DefaultStopDeadline)
	close(c.out)
	c.log.Info("subscription collector stopped",
		"emitted", c.stats.Emitted.Load(),
		"dropped", c.stats.DroppedFull.Load())
	return nil
}

// run reconnects forever with backoff, re-subscribing all tags after
// every successful connect.
func (c *subscriptionCollector) run() {
	defer c.wg.Done()
	bo := newBackoff(c.cfg.Backoff)

	for {
		select {
		case <-c.done:
			return
		default:
		}
		runRecovered(c.log, func() { c.connectAndServe(bo) })
		c.connected.Store(false)
		if !bo.sleep(c.done) {
			return
		}
	}
}

func (c *subscriptionCollector) connectAndServe(bo *backoff) {
	ctx, cancel := contextForDone(c.done)
	defer cancel()

	client, err := c.dial(c.cfg)
	if err != nil {
		c.recordError(err)
		return
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		c.recordError(errors.Wrap(errors.ErrConnectionFailed, err.Error()))
		return
	}
	if err := client.Subscribe(c.tagList, c.onChange); err != nil {
		c.recordError(errors.Wrap(errors.ErrConnectionFailed, err.Error()))
		return
	}
	c.connected.Store(true)
	c.clearError()
	c.stats.Reconnects.Add(1)
	bo.reset()

	select {
	case <-client.Closed():
		c.recordError(errors.ErrConnectionFailed)
	case <-c.done:
	}
}

// onChange is the push callback. Unknown tags are ignored; a full
// channel evicts the oldest sample.
func (c *subscriptionCollector) onChange(tag string, tsMs int64, value float64) {
	address, ok := c.tagSet[tag]
	if !ok {
		return
	}
	s, ok := c.sample(tag, address, tsMs, value)
	if !ok {
		return
	}
	c.emitDropOldest(s)
}
