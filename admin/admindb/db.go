// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package admindb is the fleet registry: the authoritative record of
// files, storage elements, finalize transactions and pending cleanups.
package admindb

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	// database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// Error is the admindb error class.
	Error = errs.Class("admindb")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrDuplicate is returned when a row with the key already exists.
	ErrDuplicate = errs.Class("duplicate")
	// ErrRetention is returned for forbidden retention transitions.
	ErrRetention = errs.Class("retention")

	mon = monkit.Package()
)

// Config configures the registry database.
type Config struct {
	Driver string `help:"database driver: postgres or sqlite3" default:"postgres"`
	URL    string `help:"database connection string" default:"postgres://stratum@localhost/stratum?sslmode=disable"`
}

// DB wraps the registry database.
type DB struct {
	log *zap.Logger
	db  *sqlx.DB
}

// Open connects to the registry database and applies pending migrations.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	raw, err := sqlx.Open(config.Driver, config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := raw.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), raw.Close())
	}
	if config.Driver == "sqlite3" {
		raw.SetMaxOpenConns(1)
	}

	db := &DB{log: log, db: raw}
	if err := db.migrate(ctx); err != nil {
		return nil, errs.Combine(err, raw.Close())
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error { return Error.Wrap(db.db.PingContext(ctx)) }

// rebind adapts ? placeholders to the driver's style.
func (db *DB) rebind(query string) string { return db.db.Rebind(query) }
