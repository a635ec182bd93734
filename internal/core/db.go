// Package core provides the offline-first sync core for CloudSync.
//
// INVARIANTS:
// - One SQLCipher database holds offline files, the work queue and the edit journal
// - Key comes from the caller (CLOUDSYNC_PASSPHRASE), never hardcoded
// - Fail safely if the key is incorrect
// - Timestamps are stored as fixed-width UTC text so ORDER BY is chronological
package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// schemaVersion is bumped whenever the schema below changes shape.
const schemaVersion = "1"

const schema = `
-- CloudSync schema

CREATE TABLE IF NOT EXISTS index_meta (
    key             TEXT PRIMARY KEY,
    value           TEXT NOT NULL
);

-- Offline copies of remote files (row and blob live and die together)
CREATE TABLE IF NOT EXISTS offline_files (
    id              TEXT PRIMARY KEY,
    file_id         TEXT NOT NULL UNIQUE,
    local_path      TEXT NOT NULL,
    original_name   TEXT NOT NULL,
    size            INTEGER NOT NULL DEFAULT 0,
    mime_type       TEXT,
    last_modified   TEXT NOT NULL,
    sync_status     TEXT NOT NULL DEFAULT 'synced'
                    CHECK(sync_status IN ('synced', 'modified', 'conflict')),
    downloaded_at   TEXT NOT NULL,
    accessed_at     TEXT NOT NULL,
    is_starred      INTEGER NOT NULL DEFAULT 0,
    parent_id       TEXT
);
CREATE INDEX IF NOT EXISTS idx_offline_files_sync_status ON offline_files(sync_status);
CREATE INDEX IF NOT EXISTS idx_offline_files_accessed_at ON offline_files(accessed_at);

-- Discrete, retryable operations
CREATE TABLE IF NOT EXISTS sync_queue (
    id              TEXT PRIMARY KEY,
    file_id         TEXT NOT NULL,
    file_name       TEXT NOT NULL,
    operation       TEXT NOT NULL CHECK(operation IN ('upload', 'download', 'update', 'delete')),
    priority        TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('low', 'normal', 'high')),
    status          TEXT NOT NULL DEFAULT 'pending'
                    CHECK(status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 3,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    error           TEXT,
    metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_priority ON sync_queue(priority, created_at);

-- Granular edits captured offline, replayed in seq order
CREATE TABLE IF NOT EXISTS offline_edits (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    file_id         TEXT NOT NULL,
    file_type       TEXT NOT NULL CHECK(file_type IN ('document', 'spreadsheet')),
    edit_type       TEXT NOT NULL CHECK(edit_type IN ('content', 'title', 'cell', 'formula')),
    timestamp       TEXT NOT NULL,
    data            TEXT NOT NULL,
    sync_status     TEXT NOT NULL DEFAULT 'pending'
                    CHECK(sync_status IN ('pending', 'syncing', 'synced', 'failed')),
    retry_count     INTEGER NOT NULL DEFAULT 0,
    error           TEXT
);
CREATE INDEX IF NOT EXISTS idx_offline_edits_file ON offline_edits(file_id);
CREATE INDEX IF NOT EXISTS idx_offline_edits_status ON offline_edits(sync_status);

-- Last written base blobs for documents and spreadsheets
CREATE TABLE IF NOT EXISTS offline_documents (
    file_id         TEXT NOT NULL,
    file_type       TEXT NOT NULL CHECK(file_type IN ('document', 'spreadsheet')),
    content         TEXT NOT NULL,
    title           TEXT,
    updated_at      TEXT NOT NULL,
    PRIMARY KEY (file_id, file_type)
);
`

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// EncryptedDB wraps a SQLCipher-encrypted SQLite database.
type EncryptedDB struct {
	db        *sql.DB
	dbPath    string
	encrypted bool
}

// OpenEncryptedDB opens a SQLCipher-encrypted database and creates the schema.
// If passphrase is empty, opens without encryption.
// If the database exists and passphrase is wrong, returns an error.
func OpenEncryptedDB(dbPath string, passphrase string) (*EncryptedDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	encrypted := passphrase != ""
	if encrypted {
		dsn += "&_pragma_key=" + url.QueryEscape(passphrase)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Reading the schema fails if the key is wrong.
	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
	}

	edb := &EncryptedDB{
		db:        db,
		dbPath:    dbPath,
		encrypted: encrypted,
	}
	if err := edb.initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return edb, nil
}

func (edb *EncryptedDB) initialize(ctx context.Context) error {
	if _, err := edb.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := edb.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO index_meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (edb *EncryptedDB) DB() *sql.DB {
	return edb.db
}

// Close closes the database connection.
func (edb *EncryptedDB) Close() error {
	return edb.db.Close()
}

// IsEncrypted returns whether the database is encrypted.
func (edb *EncryptedDB) IsEncrypted() bool {
	return edb.encrypted
}

// Path returns the database file path.
func (edb *EncryptedDB) Path() string {
	return edb.dbPath
}

// SchemaVersion reads the recorded schema version.
func (edb *EncryptedDB) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := edb.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'schema_version'`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// ChangePassphrase re-encrypts the database with a new key.
func (edb *EncryptedDB) ChangePassphrase(ctx context.Context, newPassphrase string) error {
	if !edb.encrypted {
		return fmt.Errorf("database is not encrypted")
	}
	if newPassphrase == "" {
		return fmt.Errorf("new passphrase must not be empty")
	}

	if _, err := edb.db.ExecContext(ctx, "PRAGMA rekey = "+quoteLiteral(newPassphrase)); err != nil {
		return fmt.Errorf("failed to change passphrase: %w", err)
	}
	return nil
}

// EncryptionStatus describes the encryption state of a database.
type EncryptionStatus struct {
	IsEncrypted   bool
	CipherVersion string
}

// GetEncryptionStatus returns info about the database encryption.
func (edb *EncryptedDB) GetEncryptionStatus(ctx context.Context) (*EncryptionStatus, error) {
	status := &EncryptionStatus{IsEncrypted: edb.encrypted}
	if edb.encrypted {
		var v string
		if err := edb.db.QueryRowContext(ctx, "PRAGMA cipher_version").Scan(&v); err == nil {
			status.CipherVersion = v
		}
	}
	return status, nil
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
