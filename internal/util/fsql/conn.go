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

package fsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/observability"
	"github.com/lms-server/lms/internal/util/resource"
)

// Conn is a wrapper around *sql.Conn borrowed from the pool.
type Conn struct {
	sqlConn *sql.Conn
	l       *zap.Logger
	token   *resource.Token
}

// wrapConn creates a new Conn.
func wrapConn(c *sql.Conn, l *zap.Logger) *Conn {
	res := &Conn{
		sqlConn: c,
		l:       l,
		token:   resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// ExecContext calls [*sql.Conn.ExecContext] with logging.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	if c.sqlConn == nil {
		return nil, errNoConn
	}

	start := time.Now()
	c.l.Debug(">>> "+query, zap.Any("args", args))

	res, err := c.sqlConn.ExecContext(ctx, query, args...)

	logResult(c.l, query, start, res, err)

	return res, err
}

// BeginTx starts a transaction on that connection.
//
// On success, the returned Tx owns the connection:
// committing or rolling back the transaction returns the connection to the pool.
// On failure, the connection is still owned by the caller.
//
// The transaction is rolled back by database/sql if ctx is canceled before it ends.
func (c *Conn) BeginTx(ctx context.Context) (*Tx, error) {
	return c.begin(ctx, false)
}

// BeginReadOnlyTx is like [Conn.BeginTx], but the connection refuses any changes
// to the database until the transaction ends.
func (c *Conn) BeginReadOnlyTx(ctx context.Context) (*Tx, error) {
	return c.begin(ctx, true)
}

// begin implements BeginTx and BeginReadOnlyTx.
func (c *Conn) begin(ctx context.Context, readOnly bool) (*Tx, error) {
	defer observability.FuncCall(ctx)()

	if c.sqlConn == nil {
		return nil, errNoConn
	}

	if readOnly {
		if _, err := c.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			return nil, err
		}
	}

	c.l.Debug(">>> BEGIN")

	sqlTx, err := c.sqlConn.BeginTx(ctx, nil)
	if err != nil {
		if readOnly {
			err = errors.Join(err, c.allowWrites())
		}

		return nil, err
	}

	return wrapTx(sqlTx, c, readOnly), nil
}

// allowWrites turns off the query_only mode set by BeginReadOnlyTx.
//
// If that fails, the connection is discarded instead of being returned to the pool.
func (c *Conn) allowWrites() error {
	_, err := c.ExecContext(context.Background(), "PRAGMA query_only = OFF")
	if err == nil {
		return nil
	}

	c.l.Error("Failed to reset read-only connection, discarding it.", zap.Error(err))

	_ = c.sqlConn.Raw(func(any) error { return driver.ErrBadConn })

	return err
}

// Close returns the connection to the pool.
//
// It is safe to call it multiple times.
func (c *Conn) Close() error {
	if c.sqlConn == nil {
		return nil
	}

	resource.Untrack(c, c.token)

	err := c.sqlConn.Close()
	c.sqlConn = nil

	return err
}
