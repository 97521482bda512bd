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

package db

import (
	"context"
	"io/fs"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/db/pool"
	"github.com/lms-server/lms/internal/util/lazyerrors"
	"github.com/lms-server/lms/internal/util/observability"
	"github.com/lms-server/lms/internal/util/resource"
)

// Pragmas are connection settings; see [pool.Pragmas].
type Pragmas = pool.Pragmas

// OpenParams represents the parameters of Open function.
//
//nolint:vet // for readability
type OpenParams struct {
	// Path of the database file; it is created if needed.
	Path string

	// Connections is the pool size; pool.DefaultConnections if zero.
	Connections int

	// PoolTimeout bounds waiting for a pooled connection; pool.DefaultTimeout if zero.
	PoolTimeout time.Duration

	Pragmas Pragmas

	// Migrations contains NNNN_name.up.sql files; embedded migrations if nil.
	Migrations fs.FS

	L *zap.Logger
}

// DB is the handle of the library database.
//
// It owns the connection pool and the access lock.
// DB is safe for concurrent use; its Sessions are not.
type DB struct {
	path       string
	migrations fs.FS
	pool       *pool.Pool
	lock       *accessLock
	stats      *statsCollector
	tracer     trace.Tracer
	l          *zap.Logger

	token *resource.Token
}

// Open opens the database and brings it up to date:
// it applies pending migrations, creates indexes and initial settings.
//
// On failure, nothing is left open.
// Migration failures are returned wrapping ErrMigration.
func Open(ctx context.Context, params *OpenParams) (*DB, error) {
	l := params.L
	if l == nil {
		l = zap.NewNop()
	}

	p, err := pool.New(&pool.NewParams{
		Path:        params.Path,
		Connections: params.Connections,
		Timeout:     params.PoolTimeout,
		Pragmas:     params.Pragmas,
		L:           l.Named("pool"),
	})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	migrations := params.Migrations
	if migrations == nil {
		migrations = embeddedMigrations()
	}

	db := &DB{
		path:       params.Path,
		migrations: migrations,
		pool:       p,
		lock:       newAccessLock(),
		stats:      newStatsCollector(),
		tracer:     observability.Tracer("db"),
		l:          l,
		token:      resource.NewToken(),
	}

	resource.Track(db, db.token)

	s := db.Session(NewWorker("startup"))

	if err = s.migrate(ctx); err != nil {
		db.Close()
		return nil, lazyerrors.Errorf("%w: %w", ErrMigration, err)
	}

	if err = s.CreateIndexes(ctx); err != nil {
		db.Close()
		return nil, lazyerrors.Error(err)
	}

	if err = s.InUniqueTransaction(ctx, initScanSettings(ctx)); err != nil {
		db.Close()
		return nil, lazyerrors.Error(err)
	}

	l.Info("Database opened.", zap.String("path", db.path), zap.Int("connections", p.Size()))

	return db, nil
}

// Session returns the Session of w for this database, creating it on first use.
//
// The same Session is returned for the same Worker.
func (db *DB) Session(w *Worker) *Session {
	if s := w.sessions[db]; s != nil {
		return s
	}

	s := newSession(db, w)
	w.sessions[db] = s

	return s
}

// SessionFromContext returns the Session of the Worker carried by ctx.
//
// It panics if ctx does not carry a Worker.
func (db *DB) SessionFromContext(ctx context.Context) *Session {
	w, ok := WorkerFromContext(ctx)
	if !ok {
		panic("context does not carry a database worker")
	}

	return db.Session(w)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database.
//
// All transactions must be ended before that.
func (db *DB) Close() {
	db.pool.Close()

	resource.Untrack(db, db.token)
}

// Describe implements prometheus.Collector.
func (db *DB) Describe(ch chan<- *prometheus.Desc) {
	db.pool.Describe(ch)
	db.lock.Describe(ch)
	db.stats.Describe(ch)
}

// Collect implements prometheus.Collector.
func (db *DB) Collect(ch chan<- prometheus.Metric) {
	db.pool.Collect(ch)
	db.lock.Collect(ch)
	db.stats.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*DB)(nil)
)
