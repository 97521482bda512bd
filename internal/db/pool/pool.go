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

// Package pool provides a fixed-size set of connections to the SQLite library database.
//
// It should be used only by the db package.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/lms-server/lms/internal/util/fsql"
	"github.com/lms-server/lms/internal/util/lazyerrors"
	"github.com/lms-server/lms/internal/util/observability"
	"github.com/lms-server/lms/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "lmsd"
	subsystem = "sqlite_pool"
)

// Defaults for zero NewParams fields.
const (
	DefaultConnections = 10
	DefaultTimeout     = 30 * time.Second
	DefaultBusyTimeout = 5 * time.Second
)

// dirPermissions is the permission mode for the database directory.
const dirPermissions = 0o750

// ErrExhausted is returned when no connection becomes available within the pool timeout.
var ErrExhausted = errors.New("connection pool exhausted")

// Pragmas are durability and tuning settings applied to every connection.
type Pragmas struct {
	// JournalMode is the SQLite journal mode; "WAL" if empty.
	JournalMode string

	// Synchronous is the SQLite synchronous mode; "NORMAL" if empty.
	Synchronous string

	// AnalysisLimit bounds the number of rows examined by ANALYZE per index; 0 means no limit.
	AnalysisLimit int

	// BusyTimeout is how long SQLite itself waits on a locked file; DefaultBusyTimeout if zero.
	BusyTimeout time.Duration
}

// NewParams represents the parameters of New function.
//
//nolint:vet // for readability
type NewParams struct {
	Path        string
	Connections int
	Timeout     time.Duration
	Pragmas     Pragmas
	L           *zap.Logger
}

// Pool provides access to pooled connections of a single SQLite database file.
//
//nolint:vet // for readability
type Pool struct {
	path    string
	size    int
	timeout time.Duration
	l       *zap.Logger

	db *fsql.DB

	timeouts prometheus.Counter

	token *resource.Token
}

// New opens a pool for the database file, creating the file and its directory if needed.
func New(params *NewParams) (*Pool, error) {
	if params.Path == "" {
		return nil, lazyerrors.New("database path is empty")
	}

	size := params.Connections
	if size <= 0 {
		size = DefaultConnections
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), dirPermissions); err != nil {
		return nil, lazyerrors.Errorf("creating database directory: %w", err)
	}

	uri := databaseURI(params.Path, &params.Pragmas)

	sqlDB, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	sqlDB.SetMaxOpenConns(size)
	sqlDB.SetMaxIdleConns(size)
	sqlDB.SetConnMaxIdleTime(0)
	sqlDB.SetConnMaxLifetime(0)

	p := &Pool{
		path:    params.Path,
		size:    size,
		timeout: timeout,
		l:       params.L,
		db:      fsql.WrapDB(sqlDB, "library", params.L),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timeouts_total",
			Help:      "The total number of connection borrows that timed out.",
		}),
		token: resource.NewToken(),
	}

	resource.Track(p, p.token)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err = p.db.PingContext(ctx); err != nil {
		p.Close()
		return nil, lazyerrors.Errorf("%s: %w", params.Path, err)
	}

	p.l.Debug("Pool opened.", zap.String("uri", uri), zap.Int("connections", size))

	return p, nil
}

// databaseURI returns SQLite URI for the given file and pragmas.
//
// Pragmas are applied by the driver to every new connection.
// The path is percent-encoded; SQLite decodes it when opening the file.
func databaseURI(path string, pragmas *Pragmas) string {
	journal := pragmas.JournalMode
	if journal == "" {
		journal = "WAL"
	}

	sync := pragmas.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}

	busy := pragmas.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode("+journal+")")
	q.Add("_pragma", "synchronous("+sync+")")
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busy.Milliseconds(), 10)+")")
	q.Add("_pragma", "foreign_keys(1)")

	if pragmas.AnalysisLimit > 0 {
		q.Add("_pragma", "analysis_limit("+strconv.Itoa(pragmas.AnalysisLimit)+")")
	}

	u := url.URL{
		Scheme:   "file",
		Path:     path,
		OmitHost: true,
		RawQuery: q.Encode(),
	}

	return u.String()
}

// Path returns the database file path.
func (p *Pool) Path() string {
	return p.path
}

// Size returns the maximum number of connections.
func (p *Pool) Size() int {
	return p.size
}

// Close closes all connections.
func (p *Pool) Close() {
	if err := p.db.Close(); err != nil {
		p.l.Warn("Failed to close pool.", zap.Error(err))
	}

	resource.Untrack(p, p.token)
}

// Begin borrows a connection and starts a transaction on it.
//
// Waiting for a connection is bounded by the pool timeout and ctx;
// ErrExhausted is returned if the pool timeout expires first.
// Once started, the transaction is not affected by ctx cancellation.
// Committing or rolling back the transaction returns the connection.
func (p *Pool) Begin(ctx context.Context) (*fsql.Tx, error) {
	defer observability.FuncCall(ctx)()

	return p.begin(ctx, false)
}

// BeginReadOnly is like [Pool.Begin], but any statement that changes the database
// fails with an SQLite read-only error for the lifetime of the transaction.
func (p *Pool) BeginReadOnly(ctx context.Context) (*fsql.Tx, error) {
	defer observability.FuncCall(ctx)()

	return p.begin(ctx, true)
}

// begin implements Begin and BeginReadOnly.
func (p *Pool) begin(ctx context.Context, readOnly bool) (*fsql.Tx, error) {
	conn, err := p.borrow(ctx)
	if err != nil {
		return nil, err
	}

	var tx *fsql.Tx

	if readOnly {
		tx, err = conn.BeginReadOnlyTx(context.WithoutCancel(ctx))
	} else {
		tx, err = conn.BeginTx(context.WithoutCancel(ctx))
	}

	if err != nil {
		_ = conn.Close()
		return nil, lazyerrors.Error(err)
	}

	return tx, nil
}

// Exec runs a statement outside of any transaction on a single pooled connection.
func (p *Pool) Exec(ctx context.Context, query string) error {
	defer observability.FuncCall(ctx)()

	conn, err := p.borrow(ctx)
	if err != nil {
		return err
	}

	defer conn.Close() //nolint:errcheck // the statement result is what matters

	if _, err = conn.ExecContext(ctx, query); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// ExecEach runs a statement outside of any transaction on every pooled connection.
//
// It is used for per-connection settings such as `PRAGMA foreign_keys`.
// All connections must be idle; otherwise ExecEach waits for them up to the pool timeout.
func (p *Pool) ExecEach(ctx context.Context, query string) error {
	defer observability.FuncCall(ctx)()

	conns := make([]*fsql.Conn, 0, p.size)

	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	for range p.size {
		c, err := p.borrow(ctx)
		if err != nil {
			return err
		}

		conns = append(conns, c)
	}

	for _, c := range conns {
		if _, err := c.ExecContext(ctx, query); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return nil
}

// borrow returns a connection, waiting at most the pool timeout.
func (p *Pool) borrow(ctx context.Context) (*fsql.Conn, error) {
	borrowCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.db.Conn(borrowCtx)
	if err == nil {
		return conn, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		p.timeouts.Inc()
		p.l.Warn("Timed out waiting for a connection.", zap.Duration("timeout", p.timeout))

		return nil, lazyerrors.Errorf("%w after %s", ErrExhausted, p.timeout)
	}

	return nil, lazyerrors.Error(err)
}

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "size"),
			"The maximum number of connections in the pool.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(p.size),
	)

	p.timeouts.Collect(ch)
	p.db.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
