package collector

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
)

// =============================================================================
// SNMP Collector
// =============================================================================

// snmpTimeout bounds one GET round-trip.
const snmpTimeout = 5 * time.Second

// snmpCollector polls site environmental sensors: one SNMP GET per
// interval covering all configured OIDs. Only numeric variable types
// map to samples; anything else is skipped without a sample or an error.
type snmpCollector struct {
	*base
	log  *slog.Logger
	oids []string
}

func newSNMP(cfg config.SourceConfig) (*snmpCollector, error) {
	if len(cfg.Tags) == 0 {
		return nil, errors.NewMissingField("tags")
	}
	if cfg.Community == "" {
		return nil, errors.NewValidation("community",
			"v2c requires a community string")
	}
	oids := make([]string, len(cfg.Tags))
	for i, t := range cfg.Tags {
		if t.Address == "" {
			return nil, errors.NewMissingField("tags." + t.Name + ".address")
		}
		oids[i] = t.Address
	}
	return &snmpCollector{
		base: newBase(cfg),
		log:  logging.Source("collector", cfg.ID),
		oids: oids,
	}, nil
}

func (c *snmpCollector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	c.wg.Add(1)
	go c.run()
	c.log.Info("snmp collector started",
		"endpoint", c.cfg.Endpoint,
		"interval_sec", c.cfg.IntervalSec,
		"oids", len(c.oids))
	return nil
}

func (c *snmpCollector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	close(c.done)
	waitWithDeadline(&c.wg, appconfig.DefaultStopDeadline)
	close(c.out)
	c.log.Info("snmp collector stopped", "emitted", c.stats.Emitted.Load())
	return nil
}

func (c *snmpCollector) run() {
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

		var pollErr error
		runRecovered(c.log, func() { pollErr = c.pollOnce() })

		if pollErr != nil {
			c.connected.Store(false)
			c.recordError(pollErr)
			timer.Reset(bo.next())
			continue
		}
		c.connected.Store(true)
		c.clearError()
		bo.reset()
		timer.Reset(interval)
	}
}

// pollOnce connects, GETs every OID and emits the numeric results.
func (c *snmpCollector) pollOnce() error {
	client := c.newClient()
	if err := client.Connect(); err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err.Error())
	}
	defer client.Conn.Close()

	pdu, err := client.Get(c.oids)
	if err != nil {
		if isSNMPTimeout(err) {
			return errors.Wrap(errors.ErrTimeout, err.Error())
		}
		return errors.Wrap(errors.ErrReadFailed, err.Error())
	}

	tsMs := c.nowMs()
	for _, variable := range pdu.Variables {
		tag, ok := c.tagForOID(variable.Name)
		if !ok {
			continue
		}
		value, ok := snmpValue(variable)
		if !ok {
			continue
		}
		s, ok := c.sample(tag.Name, tag.Address, tsMs, value)
		if !ok {
			continue
		}
		if !c.emitBlocking(s) {
			return nil
		}
	}
	return nil
}

func (c *snmpCollector) newClient() *gosnmp.GoSNMP {
	host, port := splitHostPort(c.cfg.Endpoint, 161)
	return &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Version:   gosnmp.Version2c,
		Community: c.cfg.Community,
		Timeout:   snmpTimeout,
		Retries:   1,
	}
}

// tagForOID matches a response variable back to its tag. Agents may
// return the OID with or without a leading dot.
func (c *snmpCollector) tagForOID(oid string) (config.TagConfig, bool) {
	trimmed := trimDot(oid)
	for _, t := range c.cfg.Tags {
		if trimDot(t.Address) == trimmed {
			return t, true
		}
	}
	return config.TagConfig{}, false
}

// snmpValue converts a numeric SNMP variable to a float sample value.
func snmpValue(v gosnmp.SnmpPDU) (float64, bool) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
		return float64(gosnmp.ToBigInt(v.Value).Uint64()), true
	case gosnmp.Integer:
		return float64(v.Value.(int)), true
	case gosnmp.TimeTicks:
		return float64(gosnmp.ToBigInt(v.Value).Uint64()), true
	default:
		return 0, false
	}
}

func isSNMPTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "request timeout" || msg == "context deadline exceeded"
}

// splitHostPort splits "host:port", falling back to the default port
// when none is present.
func splitHostPort(endpoint string, defaultPort uint16) (string, uint16) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, defaultPort
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, defaultPort
	}
	return host, uint16(port)
}

func trimDot(oid string) string {
	if len(oid) > 0 && oid[0] == '.' {
		return oid[1:]
	}
	return oid
}
