package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// Migrations
// =============================================================================

// schemaMigration is one applied-migration record.
type schemaMigration struct {
	Version   int    `gorm:"primaryKey;column:version"`
	Name      string `gorm:"column:name"`
	AppliedAt int64  `gorm:"column:applied_at"`
}

func (schemaMigration) TableName() string { return "schema_migrations" }

// migration is one ordered schema change. Migrations run inside a
// transaction together with their bookkeeping row, so a crash mid-way
// leaves the schema at the previous version.
type migration struct {
	version int
	name    string
	apply   func(tx *gorm.DB) error
}

var migrations = []migration{
	{1, "sample tables", createSampleTables},
	{2, "ring summaries", createRingSummaries},
	{3, "sample indexes", createSampleIndexes},
}

// migrate applies all pending migrations in order.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&schemaMigration{}); err != nil {
		return fmt.Errorf("migration table: %w", err)
	}

	var applied []schemaMigration
	if err := s.db.Order("version").Find(&applied).Error; err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Create(&schemaMigration{
				Version:   m.version,
				Name:      m.name,
				AppliedAt: time.Now().UnixMilli(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.log.Info("migration applied", "version", m.version, "name", m.name)
	}

	return nil
}

func createSampleTables(tx *gorm.DB) error {
	for _, table := range []string{"plc_samples", "attitude_samples", "monitoring_samples"} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			tag TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			raw_value REAL,
			quality_flag TEXT NOT NULL DEFAULT 'good',
			ring_number INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`, table)
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func createRingSummaries(tx *gorm.DB) error {
	return tx.Exec(`CREATE TABLE IF NOT EXISTS ring_summaries (
		ring_number INTEGER PRIMARY KEY,
		start_ts INTEGER NOT NULL,
		end_ts INTEGER NOT NULL,

		thrust_mean REAL, thrust_max REAL, thrust_min REAL, thrust_std REAL,
		torque_mean REAL, torque_max REAL, torque_min REAL, torque_std REAL,
		chamber_pressure_mean REAL, chamber_pressure_max REAL,
		chamber_pressure_min REAL, chamber_pressure_std REAL,
		advance_rate_mean REAL, advance_rate_max REAL,
		advance_rate_min REAL, advance_rate_std REAL,
		grout_pressure_mean REAL, grout_pressure_max REAL,
		grout_pressure_min REAL, grout_pressure_std REAL,
		grout_volume_mean REAL, grout_volume_max REAL,
		grout_volume_min REAL, grout_volume_std REAL,

		mean_pitch REAL, mean_roll REAL, mean_yaw REAL,
		max_horizontal_dev REAL, max_vertical_dev REAL,

		settlement_value REAL,
		displacement_value REAL,

		specific_energy REAL,
		ground_loss_rate REAL,
		volume_loss_ratio REAL,
		torque_thrust_ratio REAL,
		penetration_efficiency REAL,

		geological_zone TEXT NOT NULL DEFAULT '',
		data_completeness_flag TEXT NOT NULL DEFAULT 'complete',

		created_at INTEGER NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		synced_to_cloud INTEGER NOT NULL DEFAULT 0
	)`).Error
}

func createSampleIndexes(tx *gorm.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_plc_samples_ts ON plc_samples (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_plc_samples_tag_ts ON plc_samples (tag, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_plc_samples_ring ON plc_samples (ring_number)`,
		`CREATE INDEX IF NOT EXISTS idx_attitude_samples_ts ON attitude_samples (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_attitude_samples_tag_ts ON attitude_samples (tag, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_samples_ts ON monitoring_samples (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_samples_tag_ts ON monitoring_samples (tag, ts)`,
	}
	for _, stmt := range stmts {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
