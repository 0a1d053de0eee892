package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
)

// =============================================================================
// Push Feed Client
// =============================================================================

const (
	feedDefaultPort = 4840
	feedTimeout     = 10 * time.Second

	// maxFeedFrame bounds one line of the feed protocol.
	maxFeedFrame = 1 << 20
)

// feedFrame is one data-change notification on the wire.
type feedFrame struct {
	Tag   string  `json:"tag"`
	TsMs  int64   `json:"ts_ms"`
	Value float64 `json:"value"`
}

// feedSubscribe is the request that opens a subscription.
type feedSubscribe struct {
	Subscribe []string `json:"subscribe"`
}

// feedClient is the default subscription transport: newline-delimited
// JSON frames pushed over a plain TCP connection by the gateway in
// front of the machine's control system.
type feedClient struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	closed chan struct{}
	once   sync.Once
}

// DialFeed builds the push-feed client for a subscription source. The
// endpoint is host or host:port, default port 4840.
func DialFeed(cfg config.SourceConfig) (SubscriptionClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewMissingField("endpoint")
	}
	host, port := splitHostPort(cfg.Endpoint, feedDefaultPort)
	return &feedClient{
		addr:    net.JoinHostPort(host, strconv.Itoa(int(port))),
		timeout: feedTimeout,
		closed:  make(chan struct{}),
	}, nil
}

func (c *feedClient) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err.Error())
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Subscribe sends the tag list and starts the reader goroutine. Frame
// timestamps come from the gateway; a frame without one is stamped on
// receipt.
func (c *feedClient) Subscribe(tags []string, fn DataChange) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.ErrConnectionFailed
	}

	req, err := json.Marshal(feedSubscribe{Subscribe: tags})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err.Error())
	}
	conn.SetWriteDeadline(time.Time{})

	go c.readLoop(conn, fn)
	return nil
}

func (c *feedClient) readLoop(conn net.Conn, fn DataChange) {
	defer c.once.Do(func() { close(c.closed) })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFeedFrame)

	for scanner.Scan() {
		var frame feedFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Tag == "" {
			continue
		}
		ts := frame.TsMs
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		fn(frame.Tag, ts, frame.Value)
	}
}

func (c *feedClient) Closed() <-chan struct{} {
	return c.closed
}

func (c *feedClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
