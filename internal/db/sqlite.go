package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections. WAL mode
	// allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the embedded store for writes. Writes are serialized through
// a single connection, which avoids SQLITE_BUSY under contention.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare store directory: %w", err)
	}
	if f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("failed to create store file: %w", err)
	} else {
		_ = f.Close()
	}

	// WAL with NORMAL sync: durable enough for assignment records, readers
	// never block the writer. busy_timeout absorbs transient lock waits.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path,
		int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenSQLiteReader opens a read-only connection pool over the same file.
// Readers see consistent WAL snapshots and run concurrently with the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path,
		int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only store: %w", err)
	}

	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)

	return conn, nil
}

func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
