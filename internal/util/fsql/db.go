// Copyright 2024 The lmsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsql provides database/sql wrappers with logging, metrics and resource tracking.
package fsql

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/lazyerrors"
	"github.com/lms-server/lms/internal/util/observability"
	"github.com/lms-server/lms/internal/util/resource"
)

// DB is a wrapper around *sql.DB.
//
// It exposes the subset of methods used by the pool.
type DB struct {
	*metricsCollector

	sqlDB *sql.DB
	l     *zap.Logger
	token *resource.Token
}

// WrapDB creates a new DB.
//
// Name is used for logging and metrics.
func WrapDB(db *sql.DB, name string, l *zap.Logger) *DB {
	if db == nil {
		return nil
	}

	res := &DB{
		metricsCollector: newMetricsCollector(name, db.Stats),
		sqlDB:            db,
		l:                l.Named(name),
		token:            resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// Close closes all idle connections and prevents new ones.
func (db *DB) Close() error {
	resource.Untrack(db, db.token)
	return db.sqlDB.Close()
}

// Stats returns connection pool statistics.
func (db *DB) Stats() sql.DBStats {
	return db.sqlDB.Stats()
}

// PingContext verifies that a connection can be established.
func (db *DB) PingContext(ctx context.Context) error {
	return db.sqlDB.PingContext(ctx)
}

// ExecContext calls [*sql.DB.ExecContext] with logging.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	db.l.Debug(">>> "+query, zap.Any("args", args))

	res, err := db.sqlDB.ExecContext(ctx, query, args...)

	logResult(db.l, query, start, res, err)

	return res, err
}

// QueryRowContext calls [*sql.DB.QueryRowContext] with logging.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	db.l.Debug(">>> "+query, zap.Any("args", args))

	row := db.sqlDB.QueryRowContext(ctx, query, args...)

	logResult(db.l, query, start, nil, row.Err())

	return row
}

// Conn borrows a single connection from the pool.
//
// Ctx bounds only the wait for a connection.
// The caller must close the returned Conn to return it to the pool.
func (db *DB) Conn(ctx context.Context) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	c, err := db.sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}

	return wrapConn(c, db.l), nil
}

// logResult logs the outcome of a query at debug level.
func logResult(l *zap.Logger, query string, start time.Time, res sql.Result, err error) {
	if ce := l.Check(zap.DebugLevel, "<<< "+query); ce != nil {
		fields := []zap.Field{zap.Duration("time", time.Since(start)), zap.Error(err)}

		// to differentiate between 0 and nil
		if res != nil {
			if ra, e := res.RowsAffected(); e == nil {
				fields = append(fields, zap.Int64("rows", ra))
			}
		}

		ce.Write(fields...)
	}
}

// errNoConn is returned when a Conn is used after being returned to the pool.
var errNoConn = lazyerrors.New("connection already returned to the pool")

// check interfaces
var (
	_ prometheus.Collector = (*DB)(nil)
)
