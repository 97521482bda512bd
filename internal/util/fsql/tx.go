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
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/observability"
	"github.com/lms-server/lms/internal/util/resource"
)

// Tx is a wrapper around *sql.Tx that owns its connection.
type Tx struct {
	sqlTx    *sql.Tx
	conn     *Conn
	l        *zap.Logger
	readOnly bool
	token    *resource.Token
}

// wrapTx creates new Tx.
func wrapTx(tx *sql.Tx, conn *Conn, readOnly bool) *Tx {
	res := &Tx{
		sqlTx:    tx,
		conn:     conn,
		l:        conn.l,
		readOnly: readOnly,
		token:    resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// ExecContext calls [*sql.Tx.ExecContext] with logging.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	tx.l.Debug(">>> "+query, zap.Any("args", args))

	res, err := tx.sqlTx.ExecContext(ctx, query, args...)

	logResult(tx.l, query, start, res, err)

	return res, err
}

// QueryContext calls [*sql.Tx.QueryContext] with logging.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	tx.l.Debug(">>> "+query, zap.Any("args", args))

	rows, err := tx.sqlTx.QueryContext(ctx, query, args...)

	logResult(tx.l, query, start, nil, err)

	return rows, err
}

// QueryRowContext calls [*sql.Tx.QueryRowContext] with logging.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	tx.l.Debug(">>> "+query, zap.Any("args", args))

	row := tx.sqlTx.QueryRowContext(ctx, query, args...)

	logResult(tx.l, query, start, nil, row.Err())

	return row
}

// Commit commits the transaction and returns the connection to the pool.
//
// The connection is returned even if commit fails.
// SQLite keeps the transaction open after some commit failures (such as deferred constraint violations),
// so it is rolled back explicitly before that.
func (tx *Tx) Commit() error {
	start := time.Now()
	err := tx.sqlTx.Commit()
	logResult(tx.l, "COMMIT", start, nil, err)

	if err != nil {
		// "no transaction is active" is expected there
		_, _ = tx.conn.ExecContext(context.Background(), "ROLLBACK")
	}

	return tx.end(err)
}

// Rollback aborts the transaction and returns the connection to the pool.
func (tx *Tx) Rollback() error {
	start := time.Now()
	err := tx.sqlTx.Rollback()
	logResult(tx.l, "ROLLBACK", start, nil, err)

	return tx.end(err)
}

// ReadOnly returns true if the transaction was started by [Conn.BeginReadOnlyTx].
func (tx *Tx) ReadOnly() bool {
	return tx.readOnly
}

// end releases the connection and stops tracking.
func (tx *Tx) end(err error) error {
	resource.Untrack(tx, tx.token)

	if tx.readOnly {
		err = errors.Join(err, tx.conn.allowWrites())
	}

	return errors.Join(err, tx.conn.Close())
}
