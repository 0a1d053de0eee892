package collector

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
)

// =============================================================================
// Pull Collector
// =============================================================================

// maxPullBody bounds how much of a response body is read. Monitoring
// endpoints return small JSON documents; anything bigger is a fault.
const maxPullBody = 1 << 20

// pullCollector fetches an HTTP endpoint on a fixed interval and maps
// JSON fields onto tags. Credentials are resolved from the environment
// once at Start and held only inside the request header factory.
type pullCollector struct {
	*base
	log     *slog.Logger
	client  *http.Client
	setAuth func(*http.Request)
}

func newPull(cfg config.SourceConfig) (*pullCollector, error) {
	if len(cfg.Tags) == 0 {
		return nil, errors.NewMissingField("tags")
	}
	return &pullCollector{
		base:   newBase(cfg),
		log:    logging.Source("collector", cfg.ID),
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *pullCollector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	setAuth, err := resolveAuth(c.cfg)
	if err != nil {
		c.running.Store(false)
		return err
	}
	c.setAuth = setAuth

	c.wg.Add(1)
	go c.run()
	c.log.Info("pull collector started",
		"endpoint", c.cfg.Endpoint,
		"interval_sec", c.cfg.IntervalSec,
		"auth", string(c.cfg.Auth))
	return nil
}

func (c *pullCollector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	close(c.done)
	waitWithDeadline(&c.wg, appconfig.DefaultStopDeadline)
	close(c.out)
	c.log.Info("pull collector stopped", "emitted", c.stats.Emitted.Load())
	return nil
}

// resolveAuth builds the request decorator, failing fast when a named
// credential variable is absent.
func resolveAuth(cfg config.SourceConfig) (func(*http.Request), error) {
	switch cfg.Auth {
	case config.AuthNone, "":
		return func(*http.Request) {}, nil
	case config.AuthBearer:
		token := os.Getenv(cfg.TokenEnv)
		if token == "" {
			return nil, errors.Wrap(errors.ErrTokenNotSet, cfg.TokenEnv)
		}
		header := "Bearer " + token
		return func(r *http.Request) { r.Header.Set("Authorization", header) }, nil
	case config.AuthBasic:
		password := os.Getenv(cfg.TokenEnv)
		if password == "" {
			return nil, errors.Wrap(errors.ErrTokenNotSet, cfg.TokenEnv)
		}
		user := cfg.Username
		return func(r *http.Request) { r.SetBasicAuth(user, password) }, nil
	default:
		return nil, errors.NewValidation("auth", "unknown mode "+string(cfg.Auth))
	}
}

// run fetches on the interval. Failures back off exponentially and the
// cadence resumes after the first success.
func (c *pullCollector) run() {
	defer c.wg.Done()
	bo := newBackoff(c.cfg.Backoff)
	interval := time.Duration(c.cfg.IntervalSec) * time.Second

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
		}

		var fetchErr error
		runRecovered(c.log, func() { fetchErr = c.fetchOnce() })

		if fetchErr != nil {
			c.connected.Store(false)
			c.recordError(fetchErr)
			timer.Reset(bo.next())
			continue
		}
		c.connected.Store(true)
		c.clearError()
		bo.reset()
		timer.Reset(interval)
	}
}

func (c *pullCollector) fetchOnce() error {
	ctx, cancel := contextForDone(c.done)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	c.setAuth(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(errors.ErrAuthFailed, "status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrReadFailed, "status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPullBody))
	if err != nil {
		return errors.Wrap(errors.ErrReadFailed, err.Error())
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.Wrap(errors.ErrReadFailed, err.Error())
	}

	tsMs := c.nowMs()
	for _, t := range c.cfg.Tags {
		value, ok := jsonPath(doc, t.Address)
		if !ok {
			// Absent field: accounted missing downstream, not emitted.
			continue
		}
		s, ok := c.sample(t.Name, t.Address, tsMs, value)
		if !ok {
			continue
		}
		if !c.emitBlocking(s) {
			return nil
		}
	}
	return nil
}

// =============================================================================
// JSON Path
// =============================================================================

// jsonPath resolves a dot path like "readings.settlement.value" against
// a decoded JSON document. Array steps are numeric path elements.
func jsonPath(doc any, path string) (float64, bool) {
	cur := doc
	for _, step := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[step]
			if !ok {
				return 0, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(step)
			if err != nil || idx < 0 || idx >= len(node) {
				return 0, false
			}
			cur = node[idx]
		default:
			return 0, false
		}
	}
	return toNumber(cur)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
