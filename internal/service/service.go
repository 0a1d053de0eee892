// Package service is the in-process query and intake surface of the
// platform.
//
// It exposes the operations an operator console or sync agent calls:
// paginated ring summary listing, single-ring lookup with optional raw
// sample counts, manual log submission (validated and calibrated like
// collector data but never interpolated), and a structured health
// snapshot covering every component.
package service

import (
	"fmt"
	"log/slog"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/aligner"
	"github.com/tbmworks/shieldedge/internal/buffer"
	"github.com/tbmworks/shieldedge/internal/collector"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/pipeline"
	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

// Service answers queries against the store and accepts manual logs.
// The collector manager, buffer writer and aligner references feed the
// health snapshot and may be nil in partial deployments.
type Service struct {
	store    *store.Store
	provider *config.Provider
	log      *slog.Logger

	manager *collector.Manager
	writer  *buffer.Writer
	aligner *aligner.Aligner
}

// New creates a service over st. Manager, writer and aligner are
// attached afterwards via Attach.
func New(st *store.Store, provider *config.Provider) *Service {
	return &Service{
		store:    st,
		provider: provider,
		log:      logging.Component("service"),
	}
}

// Attach wires the running components into the health snapshot.
func (s *Service) Attach(m *collector.Manager, w *buffer.Writer, a *aligner.Aligner) {
	s.manager = m
	s.writer = w
	s.aligner = a
}

// =============================================================================
// Ring Queries
// =============================================================================

// RingFilter selects ring summaries. Zero values mean unbounded; Page is
// one-based.
type RingFilter struct {
	FromRing     int64
	ToRing       int64
	Completeness types.Completeness
	Synced       *bool
	Page         int
	PageSize     int
}

// RingPage is one page of summaries plus the unpaged match count.
type RingPage struct {
	Rings    []types.RingSummary
	Total    int64
	Page     int
	PageSize int
}

// ListRings returns the summaries matching filter, ordered by ring
// number and paginated.
func (s *Service) ListRings(filter RingFilter) (*RingPage, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = appconfig.DefaultRingPageSize
	}
	if size > appconfig.MaxRingPageSize {
		size = appconfig.MaxRingPageSize
	}

	opts := store.ListOptions{
		FromRing:     filter.FromRing,
		ToRing:       filter.ToRing,
		Completeness: filter.Completeness,
		Synced:       filter.Synced,
		Limit:        size,
		Offset:       (page - 1) * size,
	}

	total, err := s.store.CountSummaries(opts)
	if err != nil {
		return nil, errors.Wrap(err, "count summaries")
	}
	rings, err := s.store.ListSummaries(opts)
	if err != nil {
		return nil, errors.Wrap(err, "list summaries")
	}
	return &RingPage{Rings: rings, Total: total, Page: page, PageSize: size}, nil
}

// RingDetail is one summary, optionally annotated with the raw sample
// counts behind it.
type RingDetail struct {
	Summary *types.RingSummary

	// RawCounts holds per-table sample counts over the ring window,
	// keyed by table name. Nil unless requested.
	RawCounts map[string]int64
}

// GetRing returns one ring's summary. With includeRawCounts the counts
// of underlying raw samples per table over [start_ts, end_ts) are
// attached.
func (s *Service) GetRing(ring int64, includeRawCounts bool) (*RingDetail, error) {
	sum, err := s.store.GetSummary(ring)
	if err != nil {
		return nil, err
	}
	detail := &RingDetail{Summary: sum}
	if !includeRawCounts {
		return detail, nil
	}

	detail.RawCounts = make(map[string]int64, 3)
	for _, t := range []types.Table{types.TablePLC, types.TableAttitude, types.TableMonitoring} {
		n, err := s.store.CountSamples(t, sum.StartTsMs, sum.EndTsMs)
		if err != nil {
			return nil, errors.Wrapf(err, "count %s", t.String())
		}
		detail.RawCounts[t.String()] = n
	}
	return detail, nil
}

// =============================================================================
// Manual Logs
// =============================================================================

// ManualRecord is one operator-entered reading.
type ManualRecord struct {
	Tag         string
	TimestampMs int64
	Value       float64

	// Ring is the ring number the reading belongs to, zero when unknown.
	Ring int64
}

// RowResult reports the fate of one submitted record.
type RowResult struct {
	Table    string
	Index    int
	Tag      string
	Accepted bool

	// Flag is the quality verdict of an accepted record.
	Flag string

	// Reason explains a rejection.
	Reason string
}

// SubmitResult is the per-row outcome of one submission.
type SubmitResult struct {
	Accepted int
	Rejected int
	Rows     []RowResult
}

// RejectionErr collects the rejection reasons as one validation error,
// nil when every row was accepted.
func (r *SubmitResult) RejectionErr() error {
	verrs := errors.NewValidationErrors()
	for _, row := range r.Rows {
		if !row.Accepted {
			verrs.AddField(fmt.Sprintf("%s[%d]", row.Table, row.Index), row.Reason)
		}
	}
	return verrs.Err()
}

// SubmitManualLogs validates and persists operator-entered readings.
// Each record runs the threshold, reasonableness and calibration stages;
// interpolation never applies to manual data. Records failing basic
// validation or flagged as excluded are rejected individually, the rest
// land in one transaction across all three tables. The returned error is
// non-nil only when nothing could be persisted.
func (s *Service) SubmitManualLogs(plc, attitude, monitoring []ManualRecord, operatorID string) (*SubmitResult, error) {
	if operatorID == "" {
		return nil, errors.NewMissingField("operator_id")
	}

	pipe := pipeline.New(s.provider, nil, pipeline.WithoutInterpolation())
	source := "manual:" + operatorID

	result := &SubmitResult{}
	batches := make(map[types.Table][]types.Sample, 3)

	submit := func(table types.Table, records []ManualRecord) {
		for i, r := range records {
			row := RowResult{Table: table.String(), Index: i, Tag: r.Tag}
			if reason := validateRecord(r); reason != "" {
				row.Reason = reason
				result.Rejected++
				result.Rows = append(result.Rows, row)
				continue
			}

			out := pipe.Process(types.Sample{
				Source:      source,
				Tag:         r.Tag,
				TimestampMs: r.TimestampMs,
				Value:       r.Value,
				Table:       table,
				Ring:        r.Ring,
			})
			if len(out) == 0 {
				row.Reason = "no record produced"
				result.Rejected++
				result.Rows = append(result.Rows, row)
				continue
			}
			processed := out[len(out)-1]
			if processed.Flag.Excluded() {
				row.Reason = "flagged " + processed.Flag.String()
				result.Rejected++
				result.Rows = append(result.Rows, row)
				continue
			}

			row.Accepted = true
			row.Flag = processed.Flag.String()
			result.Accepted++
			result.Rows = append(result.Rows, row)
			batches[table] = append(batches[table], processed)
		}
	}

	submit(types.TablePLC, plc)
	submit(types.TableAttitude, attitude)
	submit(types.TableMonitoring, monitoring)

	if result.Accepted > 0 {
		if err := s.store.InsertSampleBatches(batches); err != nil {
			return nil, errors.Wrap(err, "persist manual logs")
		}
	}

	s.log.Info("manual logs submitted",
		"operator", operatorID,
		"accepted", result.Accepted,
		"rejected", result.Rejected)
	return result, nil
}

// validateRecord returns a rejection reason, empty when the record is
// well-formed.
func validateRecord(r ManualRecord) string {
	switch {
	case r.Tag == "":
		return "tag is required"
	case r.TimestampMs <= 0:
		return fmt.Sprintf("timestamp_ms must be positive, got %d", r.TimestampMs)
	case r.Ring < 0:
		return fmt.Sprintf("ring must not be negative, got %d", r.Ring)
	default:
		return ""
	}
}

// =============================================================================
// Health
// =============================================================================

// BufferHealth is the buffer writer's slice of the health snapshot.
type BufferHealth struct {
	// Depth holds per-table queue lengths, keyed by table name.
	Depth map[string]int

	// LastFlushMs is when the last successful flush completed, zero
	// before the first.
	LastFlushMs int64
}

// Health is the structured component status.
type Health struct {
	// Sources holds per-source collector health, keyed by source id.
	Sources map[string]collector.Health

	Buffer BufferHealth

	// AlignerLastTickMs is when the last alignment pass completed.
	AlignerLastTickMs int64

	// DBWritable reports whether the store currently accepts statements.
	DBWritable bool
}

// Health probes every attached component and the database.
func (s *Service) Health() Health {
	h := Health{
		Sources:    map[string]collector.Health{},
		Buffer:     BufferHealth{Depth: map[string]int{}},
		DBWritable: s.store.Writable(),
	}
	if s.manager != nil {
		h.Sources = s.manager.Health()
	}
	if s.writer != nil {
		for _, t := range []types.Table{types.TablePLC, types.TableAttitude, types.TableMonitoring} {
			h.Buffer.Depth[t.String()] = s.writer.QueueLen(t)
		}
		h.Buffer.LastFlushMs = s.writer.LastFlushMs()
	}
	if s.aligner != nil {
		h.AlignerLastTickMs = s.aligner.LastTickMs()
	}
	return h
}
