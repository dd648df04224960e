// Package db is the engine's operation journal: every mutation and device
// event is recorded in a local sqlite database for post-hoc inspection. The
// journal is advisory history; pool truth lives on the member devices.
package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/elee1766/gostrata/pkg/config"
	"github.com/elee1766/gostrata/pkg/db/queries"
	"github.com/elee1766/gostrata/pkg/errs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*DB, error) {
	db, err := Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			db.logger.Info("closing journal")
			return db.Close()
		},
	})

	return db, nil
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	logger = logger.With("component", "db")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		conn:   conn,
		logger: logger,
	}

	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("journal opened", "path", path)
	return db, nil
}

func (db *DB) init() error {
	db.logger.Debug("initializing journal with migrations")

	if _, err := db.conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	return db.RunMigrations()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// RecordOperation journals one engine mutation. opErr nil means success;
// ErrPartialApply is distinguished from outright failure so the history
// shows which operations the recovery coordinator had to finish.
func (db *DB) RecordOperation(poolID, poolName, op, target string, started time.Time, opErr error) {
	rec := &queries.Operation{
		Op:         op,
		Result:     "ok",
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if poolID != "" {
		rec.PoolID = sql.NullString{String: poolID, Valid: true}
	}
	if poolName != "" {
		rec.PoolName = sql.NullString{String: poolName, Valid: true}
	}
	if target != "" {
		rec.Target = sql.NullString{String: target, Valid: true}
	}
	if opErr != nil {
		rec.Result = "error"
		if errors.Is(opErr, errs.ErrPartialApply) {
			rec.Result = "partial"
		}
		rec.Error = sql.NullString{String: opErr.Error(), Valid: true}
		if kind := errs.Kind(opErr); kind != "" {
			rec.ErrorKind = sql.NullString{String: kind, Valid: true}
		}
	}

	if err := queries.InsertOperation(db.conn, rec); err != nil {
		db.logger.Error("journal write failed", "op", op, "error", err)
	}
}

// RecordDeviceEvent journals one device appearance or disappearance.
func (db *DB) RecordDeviceEvent(action, path, poolID, outcome string) {
	rec := &queries.DeviceEvent{
		Action:    action,
		Path:      path,
		Outcome:   outcome,
		CreatedAt: time.Now(),
	}
	if poolID != "" {
		rec.PoolID = sql.NullString{String: poolID, Valid: true}
	}

	if err := queries.InsertDeviceEvent(db.conn, rec); err != nil {
		db.logger.Error("journal write failed", "action", action, "path", path, "error", err)
	}
}

// History lists journaled operations, newest first.
func (db *DB) History(poolID string, since time.Time, limit int) ([]*queries.Operation, error) {
	return queries.ListOperations(db.conn, poolID, since, limit)
}

// DeviceEvents lists recorded device events, newest first.
func (db *DB) DeviceEvents(path string, limit int) ([]*queries.DeviceEvent, error) {
	return queries.ListDeviceEvents(db.conn, path, limit)
}
