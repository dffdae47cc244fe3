package store

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/xrayfleet/xraymgr/config"
	"github.com/xrayfleet/xraymgr/logger"
)

// Store wraps a single GORM/SQLite connection plus the pragmas and migration
// steps spec §4.1 requires. Grounded in database/db.go's InitDB/Checkpoint
// shape, generalized to this module's Link/Slot schema.
type Store struct {
	db *gorm.DB
}

// DB exposes the underlying *gorm.DB for components that need raw queries
// (eligibility selection, batched cursor scans) beyond what this package's
// helper methods cover.
func (s *Store) DB() *gorm.DB { return s.db }

// Open connects to the SQLite file at dbPath, applies the pragmas spec §4.1
// requires (WAL, busy-timeout ≥30s, foreign keys, synchronous=NORMAL), and
// runs the idempotent migration. The directory is created if missing,
// matching InitDB's os.MkdirAll step.
func Open(dbPath string) (*Store, error) {
	dir := path.Dir(dbPath)
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return nil, err
	}

	var gl gormlogger.Interface
	if config.Default().Debug {
		gl = gormlogger.Default
	} else {
		gl = gormlogger.Discard
	}

	// _txlock=immediate makes every database/sql transaction (including the
	// ones store.Immediate opens below) issue "BEGIN IMMEDIATE" instead of
	// sqlite3's default deferred BEGIN, which is what the eligibility-query
	// + reservation step in the batch engine (§4.10) depends on to avoid
	// double-reservation under concurrent batches.
	dsn := fmt.Sprintf(
		"%s?_busy_timeout=30000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		dbPath,
	)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate runs the additive schema evolution spec §4.1 mandates:
// CREATE TABLE IF NOT EXISTS (via AutoMigrate), ADD COLUMN for any field
// added since, required index creation, and the explicit drop of a legacy
// uniqueness constraint on slot.role that older installs may carry.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&Link{}, &Slot{}); err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_links_fingerprint ON links(fingerprint)",
		"CREATE INDEX IF NOT EXISTS idx_links_test_status ON links(test_status)",
		"CREATE INDEX IF NOT EXISTS idx_links_test_lock_until ON links(test_lock_until)",
		"CREATE INDEX IF NOT EXISTS idx_links_test_batch_id ON links(test_batch_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_links_outbound_tag_unique ON links(outbound_tag) WHERE outbound_tag IS NOT NULL AND outbound_tag != ''",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_links_inbound_tag_unique ON links(inbound_tag) WHERE inbound_tag IS NOT NULL AND inbound_tag != ''",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_port ON slots(port)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_tag ON slots(tag)",
	}
	for _, stmt := range indexes {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}

	// Older installs may carry a plain uniqueness constraint on slot.role
	// (when "test"/"primary" was mistakenly treated as an identity column).
	// Dropping it is explicit and never touches row data.
	if err := s.dropLegacyIndexIfPresent("slots", "idx_slots_role"); err != nil {
		return err
	}

	return nil
}

// dropLegacyIndexIfPresent drops indexName if sqlite_master reports it
// exists on table. Safe to call every startup.
func (s *Store) dropLegacyIndexIfPresent(table, indexName string) error {
	var count int64
	err := s.db.Raw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=? AND tbl_name=?",
		indexName, table,
	).Scan(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	logger.Infof("dropping legacy index %s on %s", indexName, table)
	return s.db.Exec("DROP INDEX " + indexName).Error
}

// Columns returns the column names of table via PRAGMA table_info, used by
// the schema assertions in tests; migrate's additive ADD COLUMN step is done
// by AutoMigrate and does not call it. Grounded in
// tag_updater.py's ensure_tag_schema / original_source's dump_schema.py.
func (s *Store) Columns(table string) ([]string, error) {
	type columnInfo struct {
		Name string
	}
	var cols []columnInfo
	if err := s.db.Raw("PRAGMA table_info(" + table + ")").Scan(&cols).Error; err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names, nil
}

// Checkpoint runs PRAGMA wal_checkpoint, exposed as a maintenance operation
// per SPEC_FULL §3 (grounded in database/db.go's Checkpoint).
func (s *Store) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint;").Error
}

// Close releases the underlying *sql.DB connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsNotFound reports whether err is GORM's record-not-found sentinel.
func IsNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

// Now returns the current time truncated to second precision, matching the
// SQLite `strftime` timestamps the Python original compares against.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
