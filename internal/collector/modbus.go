package collector

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
)

// =============================================================================
// Modbus TCP Register Reader
// =============================================================================

const (
	modbusDefaultPort = 502
	modbusTimeout     = 5 * time.Second

	// fcReadHoldingRegisters is Modbus function code 0x03.
	fcReadHoldingRegisters = 0x03

	// maxRegistersPerRead is the protocol limit for one 0x03 request.
	maxRegistersPerRead = 125
)

// modbusReader speaks Modbus TCP to one PLC. One request is in flight
// at a time; the polling collector serializes its reads anyway.
type modbusReader struct {
	addr    string
	unit    byte
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	txn  uint16
}

// DialModbus builds the Modbus TCP reader for a register source. The
// endpoint is host or host:port, default port 502.
func DialModbus(cfg config.SourceConfig) (RegisterReader, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewMissingField("endpoint")
	}
	host, port := splitHostPort(cfg.Endpoint, modbusDefaultPort)
	return &modbusReader{
		addr:    net.JoinHostPort(host, strconv.Itoa(int(port))),
		unit:    1,
		timeout: modbusTimeout,
	}, nil
}

func (m *modbusReader) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := net.Dialer{Timeout: m.timeout}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err.Error())
	}
	m.conn = conn
	return nil
}

func (m *modbusReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// ReadBlock reads count registers from start, splitting requests at the
// protocol's 125-register limit.
func (m *modbusReader) ReadBlock(ctx context.Context, start, count int) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil, errors.ErrConnectionFailed
	}

	out := make([]uint16, 0, count)
	for off := 0; off < count; off += maxRegistersPerRead {
		n := count - off
		if n > maxRegistersPerRead {
			n = maxRegistersPerRead
		}
		regs, err := m.request(ctx, uint16(start+off), uint16(n))
		if err != nil {
			return nil, err
		}
		out = append(out, regs...)
	}
	return out, nil
}

// request performs one read-holding-registers exchange.
func (m *modbusReader) request(ctx context.Context, start, count uint16) ([]uint16, error) {
	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	m.txn++
	// MBAP header (7 bytes) + function + start + count.
	req := make([]byte, 12)
	binary.BigEndian.PutUint16(req[0:], m.txn)
	binary.BigEndian.PutUint16(req[2:], 0) // protocol id
	binary.BigEndian.PutUint16(req[4:], 6) // remaining length
	req[6] = m.unit
	req[7] = fcReadHoldingRegisters
	binary.BigEndian.PutUint16(req[8:], start)
	binary.BigEndian.PutUint16(req[10:], count)

	if _, err := m.conn.Write(req); err != nil {
		return nil, errors.Wrap(errors.ErrReadFailed, err.Error())
	}

	header := make([]byte, 9)
	if _, err := io.ReadFull(m.conn, header); err != nil {
		return nil, errors.Wrap(errors.ErrReadFailed, err.Error())
	}
	if got := binary.BigEndian.Uint16(header[0:]); got != m.txn {
		return nil, errors.Wrapf(errors.ErrReadFailed, "transaction mismatch: sent %d got %d", m.txn, got)
	}

	fn := header[7]
	if fn == fcReadHoldingRegisters|0x80 {
		return nil, errors.Wrapf(errors.ErrReadFailed, "modbus exception 0x%02x", header[8])
	}
	if fn != fcReadHoldingRegisters {
		return nil, errors.Wrapf(errors.ErrReadFailed, "unexpected function 0x%02x", fn)
	}

	byteCount := int(header[8])
	if byteCount != int(count)*2 {
		return nil, errors.Wrapf(errors.ErrReadFailed, "byte count %d for %d registers", byteCount, count)
	}
	payload := make([]byte, byteCount)
	if _, err := io.ReadFull(m.conn, payload); err != nil {
		return nil, errors.Wrap(errors.ErrReadFailed, err.Error())
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(payload[i*2:])
	}
	return regs, nil
}
