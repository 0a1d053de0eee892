// Package store provides database operations for the shieldedge platform.
//
// It owns the embedded SQLite database: schema migrations, batched sample
// inserts, ring summary persistence, and the time-range queries the aligner
// and service layer run. The database runs in WAL mode. All statements share
// one pooled connection, so a read waits for a write transaction in progress
// and a write waits for a read in progress.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
)

// =============================================================================
// Store
// =============================================================================

// Store provides database operations.
//
// Store is safe for concurrent use. Write transactions are serialized
// through an internal mutex so at most one runs at a time; reads do not
// take the mutex but share the store's single connection with writes.
type Store struct {
	db  *gorm.DB
	cfg config.StoreConfig
	log *slog.Logger

	// wmu serializes write transactions.
	wmu sync.Mutex

	fatal atomic.Bool

	closed bool
	mu     sync.Mutex
}

// Open opens (creating if necessary) the database at cfg.Path, applies
// the connection pragmas and runs pending migrations.
func Open(cfg config.StoreConfig) (*Store, error) {
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap database: %w", err)
	}
	// One underlying connection keeps the pragmas and the in-memory
	// variant coherent; WAL readers still proceed through it because
	// every transaction is short.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{
		db:  db,
		cfg: cfg,
		log: logging.Component("store"),
	}

	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.log.Info("database open", "path", cfg.Path)
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying gorm handle. Use with caution, prefer the
// Store methods.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Fatal reports whether a storage-fatal error has been observed. Once
// set, the buffer writer stops issuing writes and health goes critical.
func (s *Store) Fatal() bool {
	return s.fatal.Load()
}

// Writable probes whether the database currently accepts statements.
func (s *Store) Writable() bool {
	if s.fatal.Load() {
		return false
	}
	return s.db.Exec("SELECT 1").Error == nil
}

// =============================================================================
// Error Classification
// =============================================================================

// classify maps driver errors onto the storage error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "busy"):
		return errors.Wrap(errors.ErrDatabaseBusy, err.Error())
	case strings.Contains(msg, "malformed"),
		strings.Contains(msg, "corrupt"),
		strings.Contains(msg, "not a database"):
		return errors.Wrap(errors.ErrDatabaseCorrupt, err.Error())
	case strings.Contains(msg, "disk is full"),
		strings.Contains(msg, "no space left"),
		strings.Contains(msg, "disk full"):
		return errors.Wrap(errors.ErrDiskFull, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.ErrNotFound
	default:
		return err
	}
}

// =============================================================================
// Write Transactions
// =============================================================================

// writeTx runs fn in a serialized write transaction, retrying busy
// errors per the configured schedule. Fatal errors latch the store.
func (s *Store) writeTx(fn func(tx *gorm.DB) error) error {
	if s.fatal.Load() {
		return errors.ErrDatabaseCorrupt
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var err error
	for attempt := 0; ; attempt++ {
		err = classify(s.db.Transaction(fn))
		if err == nil {
			return nil
		}

		if errors.IsStorageFatal(err) {
			s.fatal.Store(true)
			s.log.Error("storage fatal", "error", err)
			return err
		}
		if !errors.IsStorageTransient(err) || attempt >= s.cfg.BusyRetries {
			return err
		}

		delay := appconfig.BusyRetryDelays[len(appconfig.BusyRetryDelays)-1]
		if attempt < len(appconfig.BusyRetryDelays) {
			delay = appconfig.BusyRetryDelays[attempt]
		}
		s.log.Warn("database busy, retrying",
			"attempt", attempt+1, "delay", delay)
		time.Sleep(delay)
	}
}
