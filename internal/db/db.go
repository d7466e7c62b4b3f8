package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxmux/voxmux/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init initializes the SQLite database at baseDir/voxmux.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.voxmux.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "voxmux.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
// Call after Init if you need to tune pool behavior for contention.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS concepts (
		  id           TEXT PRIMARY KEY,
		  name_raw     TEXT NOT NULL,
		  name_norm    TEXT NOT NULL,
		  category     TEXT NOT NULL,
		  source       TEXT NOT NULL,
		  usage_count  INTEGER NOT NULL DEFAULT 0,
		  last_used_at INTEGER,
		  weight       REAL NOT NULL DEFAULT 1.0,
		  active       INTEGER NOT NULL DEFAULT 1,
		  created_at   INTEGER NOT NULL,
		  updated_at   INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_concepts_name_category
		ON concepts(name_norm, category)
		WHERE active = 1;

		CREATE TABLE IF NOT EXISTS phrases (
		  id           TEXT PRIMARY KEY,
		  concept_id   TEXT NOT NULL REFERENCES concepts(id),
		  text_raw     TEXT NOT NULL,
		  text_norm    TEXT NOT NULL,
		  locale       TEXT NOT NULL,
		  weight       REAL NOT NULL DEFAULT 1.0,
		  success_rate REAL NOT NULL DEFAULT 1.0,
		  source       TEXT NOT NULL,
		  active       INTEGER NOT NULL DEFAULT 1,
		  created_at   INTEGER NOT NULL,
		  updated_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_phrases_concept
		ON phrases(concept_id)
		WHERE active = 1;

		CREATE INDEX IF NOT EXISTS idx_phrases_text_locale
		ON phrases(text_norm, locale)
		WHERE active = 1;

		CREATE TABLE IF NOT EXISTS contexts (
		  id           TEXT PRIMARY KEY,
		  origin       TEXT NOT NULL,
		  surface_id   TEXT NOT NULL,
		  tags_json    TEXT,
		  signature    TEXT,
		  last_seen_at INTEGER NOT NULL,
		  created_at   INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_contexts_key
		ON contexts(origin, surface_id);

		CREATE TABLE IF NOT EXISTS associations (
		  context_id TEXT NOT NULL REFERENCES contexts(id),
		  concept_id TEXT NOT NULL REFERENCES concepts(id),
		  weight     REAL NOT NULL DEFAULT 1.0,
		  position   INTEGER NOT NULL DEFAULT 0,
		  active     INTEGER NOT NULL DEFAULT 1,
		  added_at   INTEGER NOT NULL,
		  PRIMARY KEY (context_id, concept_id)
		);

		CREATE INDEX IF NOT EXISTS idx_assoc_context
		ON associations(context_id)
		WHERE active = 1;

		CREATE TABLE IF NOT EXISTS grammar_cache (
		  context_id       TEXT PRIMARY KEY REFERENCES contexts(id),
		  concept_ids_json TEXT NOT NULL,
		  payload          TEXT NOT NULL,
		  digest           TEXT NOT NULL,
		  created_at       INTEGER NOT NULL,
		  expires_at       INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
