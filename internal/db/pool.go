// Package db opens and pools connections to the persistent store. The default
// backend is an embedded SQLite file in WAL mode; PostgreSQL is available for
// multi-process deployments.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Pool separates read and write connections.
//
// For SQLite the writer pool is pinned to a single connection so writes never
// collide, while the reader pool serves concurrent SELECTs against WAL
// snapshots. For PostgreSQL both sides share one *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Options selects and configures the store backend.
type Options struct {
	Driver   string // "sqlite3" or "pgx"
	Path     string // sqlite file path
	DSN      string // postgres connection string
	MaxConns int
	MinConns int
}

// Open opens the configured backend and returns a ready Pool.
func Open(opts Options) (*Pool, error) {
	switch opts.Driver {
	case "pgx":
		conn, err := OpenPostgres(opts.DSN, opts.MaxConns, opts.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, "pgx")
		return NewPool(shared, shared), nil
	case "", "sqlite3":
		writer, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(opts.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

// Writer returns the pool for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
