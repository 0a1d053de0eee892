package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Ring Summaries
// =============================================================================

// CreateSummary inserts a new ring summary row.
func (s *Store) CreateSummary(sum *types.RingSummary) error {
	if sum.CreatedAtMs == 0 {
		sum.CreatedAtMs = time.Now().UnixMilli()
	}
	return s.writeTx(func(tx *gorm.DB) error {
		return tx.Create(sum).Error
	})
}

// UpdateSummary rewrites a non-final summary row. Updating a finalized
// ring returns ErrRingFinal.
func (s *Store) UpdateSummary(sum *types.RingSummary) error {
	return s.writeTx(func(tx *gorm.DB) error {
		res := tx.Model(&types.RingSummary{}).
			Where("ring_number = ? AND final = ?", sum.RingNumber, false).
			Select("*").
			Omit("ring_number", "created_at").
			Updates(sum)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&types.RingSummary{}).
				Where("ring_number = ?", sum.RingNumber).
				Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errors.ErrRingNotFound
			}
			return errors.ErrRingFinal
		}
		return nil
	})
}

// GetSummary returns one ring's summary.
func (s *Store) GetSummary(ring int64) (*types.RingSummary, error) {
	var sum types.RingSummary
	err := s.db.First(&sum, "ring_number = ?", ring).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrRingNotFound
		}
		return nil, classify(err)
	}
	return &sum, nil
}

// ListOptions filters ListSummaries. Zero values mean unbounded.
type ListOptions struct {
	FromRing     int64
	ToRing       int64
	Completeness types.Completeness
	Synced       *bool
	Limit        int
	Offset       int
}

// listQuery applies the ListOptions filters, without ordering or paging.
func (s *Store) listQuery(opts ListOptions) *gorm.DB {
	q := s.db.Model(&types.RingSummary{})
	if opts.FromRing > 0 {
		q = q.Where("ring_number >= ?", opts.FromRing)
	}
	if opts.ToRing > 0 {
		q = q.Where("ring_number <= ?", opts.ToRing)
	}
	if opts.Completeness != "" {
		q = q.Where("data_completeness_flag = ?", string(opts.Completeness))
	}
	if opts.Synced != nil {
		q = q.Where("synced_to_cloud = ?", *opts.Synced)
	}
	return q
}

// ListSummaries returns summaries ordered by ring number.
func (s *Store) ListSummaries(opts ListOptions) ([]types.RingSummary, error) {
	q := s.listQuery(opts).Order("ring_number")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var out []types.RingSummary
	err := q.Find(&out).Error
	return out, classify(err)
}

// CountSummaries returns how many summaries match the filters, ignoring
// Limit and Offset.
func (s *Store) CountSummaries(opts ListOptions) (int64, error) {
	var n int64
	err := s.listQuery(opts).Count(&n).Error
	return n, classify(err)
}

// MaxSummarizedRing returns the highest ring number with a summary row,
// zero when none exist.
func (s *Store) MaxSummarizedRing() (int64, error) {
	var ring *int64
	err := s.db.Model(&types.RingSummary{}).
		Select("MAX(ring_number)").
		Scan(&ring).Error
	if err != nil {
		return 0, classify(err)
	}
	if ring == nil {
		return 0, nil
	}
	return *ring, nil
}

// SummariesInGrace returns non-final summaries still inside the grace
// window whose settlement association is incomplete, oldest first.
func (s *Store) SummariesInGrace(nowMs, graceMs int64) ([]types.RingSummary, error) {
	var out []types.RingSummary
	err := s.db.Model(&types.RingSummary{}).
		Where("final = ? AND created_at > ?", false, nowMs-graceMs).
		Where("settlement_value IS NULL OR displacement_value IS NULL").
		Order("ring_number").
		Find(&out).Error
	return out, classify(err)
}

// FinalizeExpired marks non-final summaries whose grace window has
// elapsed as final and reports how many were flipped.
func (s *Store) FinalizeExpired(nowMs, graceMs int64) (int64, error) {
	var n int64
	err := s.writeTx(func(tx *gorm.DB) error {
		res := tx.Model(&types.RingSummary{}).
			Where("final = ? AND created_at <= ?", false, nowMs-graceMs).
			Update("final", true)
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// MarkFinal finalizes one ring's summary.
func (s *Store) MarkFinal(ring int64) error {
	return s.writeTx(func(tx *gorm.DB) error {
		res := tx.Model(&types.RingSummary{}).
			Where("ring_number = ?", ring).
			Update("final", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.ErrRingNotFound
		}
		return nil
	})
}
