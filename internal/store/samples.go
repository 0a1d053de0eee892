package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Sample Rows
// =============================================================================

// SampleRow is the persisted form of a types.Sample. The same shape backs
// all three sample tables; the destination is selected per query.
type SampleRow struct {
	ID          int64    `gorm:"primaryKey;autoIncrement;column:id"`
	Source      string   `gorm:"column:source"`
	Tag         string   `gorm:"column:tag"`
	TsMs        int64    `gorm:"column:ts"`
	Value       float64  `gorm:"column:value"`
	RawValue    *float64 `gorm:"column:raw_value"`
	QualityFlag string   `gorm:"column:quality_flag"`
	RingNumber  int64    `gorm:"column:ring_number"`
	CreatedAtMs int64    `gorm:"column:created_at"`
}

// rowFromSample converts a pipeline sample to its persisted form.
func rowFromSample(s *types.Sample, nowMs int64) SampleRow {
	return SampleRow{
		Source:      s.Source,
		Tag:         s.Tag,
		TsMs:        s.TimestampMs,
		Value:       s.Value,
		RawValue:    s.RawValue,
		QualityFlag: s.Flag.String(),
		RingNumber:  s.Ring,
		CreatedAtMs: nowMs,
	}
}

// Sample converts a row back to the in-memory form.
func (r *SampleRow) Sample(table types.Table) types.Sample {
	return types.Sample{
		Source:      r.Source,
		Tag:         r.Tag,
		TimestampMs: r.TsMs,
		Value:       r.Value,
		RawValue:    r.RawValue,
		Flag:        types.ParseQualityFlag(r.QualityFlag),
		Table:       table,
		Ring:        r.RingNumber,
	}
}

const insertBatchSize = 500

// =============================================================================
// Inserts
// =============================================================================

// InsertSamples persists a batch into the given table in one transaction.
// Busy errors are retried per the configured schedule; the batch either
// lands completely or not at all.
func (s *Store) InsertSamples(table types.Table, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	nowMs := time.Now().UnixMilli()
	rows := make([]SampleRow, len(samples))
	for i := range samples {
		rows[i] = rowFromSample(&samples[i], nowMs)
	}

	return s.writeTx(func(tx *gorm.DB) error {
		return tx.Table(table.String()).CreateInBatches(rows, insertBatchSize).Error
	})
}

// InsertSampleBatches persists batches into several tables in one
// transaction. Either every table's batch lands or none do.
func (s *Store) InsertSampleBatches(batches map[types.Table][]types.Sample) error {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	if total == 0 {
		return nil
	}

	nowMs := time.Now().UnixMilli()
	return s.writeTx(func(tx *gorm.DB) error {
		for table, batch := range batches {
			if len(batch) == 0 {
				continue
			}
			rows := make([]SampleRow, len(batch))
			for i := range batch {
				rows[i] = rowFromSample(&batch[i], nowMs)
			}
			if err := tx.Table(table.String()).CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Queries
// =============================================================================

// SamplesInRange returns samples with fromMs <= ts < toMs ordered by
// timestamp.
func (s *Store) SamplesInRange(table types.Table, fromMs, toMs int64) ([]types.Sample, error) {
	var rows []SampleRow
	err := s.db.Table(table.String()).
		Where("ts >= ? AND ts < ?", fromMs, toMs).
		Order("ts").
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	return toSamples(rows, table), nil
}

// SamplesForTagInRange returns one tag's samples with
// fromMs <= ts < toMs ordered by timestamp.
func (s *Store) SamplesForTagInRange(table types.Table, tag string, fromMs, toMs int64) ([]types.Sample, error) {
	var rows []SampleRow
	err := s.db.Table(table.String()).
		Where("tag = ? AND ts >= ? AND ts < ?", tag, fromMs, toMs).
		Order("ts").
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	return toSamples(rows, table), nil
}

// CountSamples returns the number of rows with fromMs <= ts < toMs.
func (s *Store) CountSamples(table types.Table, fromMs, toMs int64) (int64, error) {
	var n int64
	err := s.db.Table(table.String()).
		Where("ts >= ? AND ts < ?", fromMs, toMs).
		Count(&n).Error
	return n, classify(err)
}

// LatestSampleTs returns the newest sample timestamp in the table, zero
// when the table is empty.
func (s *Store) LatestSampleTs(table types.Table) (int64, error) {
	var ts *int64
	err := s.db.Table(table.String()).
		Select("MAX(ts)").
		Scan(&ts).Error
	if err != nil {
		return 0, classify(err)
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}

func toSamples(rows []SampleRow, table types.Table) []types.Sample {
	out := make([]types.Sample, len(rows))
	for i := range rows {
		out[i] = rows[i].Sample(table)
	}
	return out
}

// =============================================================================
// Ring Boundaries
// =============================================================================

// RingBoundary is the first observed PLC timestamp of a ring.
type RingBoundary struct {
	Ring    int64 `gorm:"column:ring_number"`
	StartTs int64 `gorm:"column:start_ts"`
}

// RingBoundaries returns the first PLC sample timestamp per ring number,
// ordered by ring. Ring zero (unknown) is excluded.
func (s *Store) RingBoundaries(sinceRing int64) ([]RingBoundary, error) {
	var out []RingBoundary
	err := s.db.Table(types.TablePLC.String()).
		Select("ring_number, MIN(ts) AS start_ts").
		Where("ring_number > ?", sinceRing).
		Group("ring_number").
		Order("ring_number").
		Scan(&out).Error
	return out, classify(err)
}

// =============================================================================
// Retention
// =============================================================================

// SamplesBefore returns up to limit rows older than tsMs, oldest first.
// Used by the archival job to drain a table in pages.
func (s *Store) SamplesBefore(table types.Table, tsMs int64, limit int) ([]SampleRow, error) {
	var rows []SampleRow
	err := s.db.Table(table.String()).
		Where("ts < ?", tsMs).
		Order("ts").
		Limit(limit).
		Find(&rows).Error
	return rows, classify(err)
}

// DeleteSamplesBefore removes rows older than tsMs and reports how many
// were deleted.
func (s *Store) DeleteSamplesBefore(table types.Table, tsMs int64) (int64, error) {
	var deleted int64
	err := s.writeTx(func(tx *gorm.DB) error {
		res := tx.Table(table.String()).Where("ts < ?", tsMs).Delete(&SampleRow{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// DeleteSampleRows removes the given rows by id. Used by the archival
// job so a page is deleted exactly after it has been written out.
func (s *Store) DeleteSampleRows(table types.Table, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.writeTx(func(tx *gorm.DB) error {
		res := tx.Table(table.String()).Where("id IN ?", ids).Delete(&SampleRow{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// DeleteSamplesBatch removes up to limit rows older than tsMs, oldest
// first, and reports how many were deleted.
func (s *Store) DeleteSamplesBatch(table types.Table, tsMs int64, limit int) (int64, error) {
	name := table.String()
	var deleted int64
	err := s.writeTx(func(tx *gorm.DB) error {
		res := tx.Exec(
			"DELETE FROM "+name+" WHERE id IN (SELECT id FROM "+name+" WHERE ts < ? ORDER BY ts LIMIT ?)",
			tsMs, limit)
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
