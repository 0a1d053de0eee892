package collector

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"strconv"
	"time"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
)

// =============================================================================
// Register Reader
// =============================================================================

// RegisterReader reads a contiguous block of 16-bit registers. The
// concrete transport (Modbus TCP, serial) lives behind this interface.
type RegisterReader interface {
	Connect(ctx context.Context) error
	ReadBlock(ctx context.Context, start, count int) ([]uint16, error)
	Close() error
}

// RegisterDialer builds a RegisterReader for one source.
type RegisterDialer func(cfg config.SourceConfig) (RegisterReader, error)

// =============================================================================
// Polling Collector
// =============================================================================

// pollingCollector reads one register block per interval and decodes
// each configured tag out of it. The poll timestamp is attached to the
// whole block, so all tags of one poll share a timestamp.
type pollingCollector struct {
	*base
	dial   RegisterDialer
	log    *slog.Logger
	start  int
	count  int
	fields []regField
}

// regField is one tag's pre-resolved position in the block.
type regField struct {
	tag    config.TagConfig
	offset int
}

func newPolling(cfg config.SourceConfig, dial RegisterDialer) (*pollingCollector, error) {
	fields, start, count, err := layoutBlock(cfg.Tags)
	if err != nil {
		return nil, err
	}
	return &pollingCollector{
		base:   newBase(cfg),
		dial:   dial,
		log:    logging.Source("collector", cfg.ID),
		start:  start,
		count:  count,
		fields: fields,
	}, nil
}

// layoutBlock resolves register addresses into one contiguous read.
func layoutBlock(tags []config.TagConfig) ([]regField, int, int, error) {
	if len(tags) == 0 {
		return nil, 0, 0, errors.NewMissingField("tags")
	}
	lo, hi := math.MaxInt, 0
	addrs := make([]int, len(tags))
	for i, t := range tags {
		addr, err := strconv.Atoi(t.Address)
		if err != nil || addr < 0 {
			return nil, 0, 0, errors.NewValidation("address",
				"register address must be a non-negative integer: "+t.Address)
		}
		addrs[i] = addr
		if addr < lo {
			lo = addr
		}
		if end := addr + t.Type.RegisterWords(); end > hi {
			hi = end
		}
	}
	fields := make([]regField, len(tags))
	for i, t := range tags {
		fields[i] = regField{tag: t, offset: addrs[i] - lo}
	}
	return fields, lo, hi - lo, nil
}

func (c *pollingCollector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	c.wg.Add(1)
	go c.run()
	c.log.Info("polling collector started",
		"endpoint", c.cfg.Endpoint,
		"interval_ms", c.cfg.IntervalMs,
		"registers", c.count)
	return nil
}

func (c *pollingCollector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	close(c.done)
	waitWithDeadline(&c.wg, appconfig.DefaultStopDeadline)
	close(c.out)
	c.log.Info("polling collector stopped", "emitted", c.stats.Emitted.Load())
	return nil
}

// run owns the connection. A failed connect or read backs off and
// reconnects; a panic in the transport restarts the loop.
func (c *pollingCollector) run() {
	defer c.wg.Done()
	bo := newBackoff(c.cfg.Backoff)

	for {
		select {
		case <-c.done:
			return
		default:
		}
		runRecovered(c.log, func() { c.connectAndPoll(bo) })
		c.connected.Store(false)
		if !bo.sleep(c.done) {
			return
		}
	}
}

func (c *pollingCollector) connectAndPoll(bo *backoff) {
	ctx, cancel := contextForDone(c.done)
	defer cancel()

	reader, err := c.dial(c.cfg)
	if err != nil {
		c.recordError(err)
		return
	}
	defer reader.Close()

	if err := reader.Connect(ctx); err != nil {
		c.recordError(errors.Wrap(errors.ErrConnectionFailed, err.Error()))
		return
	}
	c.connected.Store(true)
	c.clearError()
	c.stats.Reconnects.Add(1)
	bo.reset()

	interval := time.Duration(c.cfg.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			block, err := reader.ReadBlock(ctx, c.start, c.count)
			if err != nil {
				c.recordError(errors.Wrap(errors.ErrReadFailed, err.Error()))
				return
			}
			c.emitBlock(block)
		}
	}
}

// emitBlock decodes every tag out of one register block and emits the
// decoded samples with the shared poll timestamp.
func (c *pollingCollector) emitBlock(block []uint16) {
	tsMs := c.nowMs()
	for _, f := range c.fields {
		value, ok := decodeRegisters(block, f.offset, f.tag.Type)
		if !ok {
			// Short block: the tag is accounted missing downstream.
			continue
		}
		s, ok := c.sample(f.tag.Name, f.tag.Address, tsMs, value)
		if !ok {
			continue
		}
		if !c.emitBlocking(s) {
			return
		}
	}
}

// =============================================================================
// Register Decoding
// =============================================================================

// decodeRegisters interprets registers at offset per the tag type.
// Word order is big-endian unless the type says otherwise; bytes within
// a word are always big-endian on the wire.
func decodeRegisters(block []uint16, offset int, t config.TagType) (float64, bool) {
	words := t.RegisterWords()
	if offset < 0 || offset+words > len(block) {
		return 0, false
	}

	switch t {
	case config.TypeFloat32BE:
		bits := uint32(block[offset])<<16 | uint32(block[offset+1])
		return float64(math.Float32frombits(bits)), true
	case config.TypeFloat32LE:
		bits := uint32(block[offset+1])<<16 | uint32(block[offset])
		return float64(math.Float32frombits(bits)), true
	case config.TypeFloat64BE:
		var buf [8]byte
		for i := 0; i < 4; i++ {
			binary.BigEndian.PutUint16(buf[i*2:], block[offset+i])
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), true
	case config.TypeUint16:
		return float64(block[offset]), true
	case config.TypeInt16:
		return float64(int16(block[offset])), true
	case config.TypeUint32:
		return float64(uint32(block[offset])<<16 | uint32(block[offset+1])), true
	case config.TypeInt32:
		return float64(int32(uint32(block[offset])<<16 | uint32(block[offset+1]))), true
	case config.TypeBool:
		if block[offset] != 0 {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
