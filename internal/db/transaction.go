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
	"database/sql"

	"github.com/lms-server/lms/internal/util/lazyerrors"
	"github.com/lms-server/lms/internal/util/resource"
)

// noCopy may be embedded into structs which must not be copied after the first use.
//
// See https://github.com/golang/go/issues/8005#issuecomment-190753527.
type noCopy struct{}

// Lock is a no-op used by `go vet -copylocks`.
func (*noCopy) Lock() {}

// Unlock is a no-op used by `go vet -copylocks`.
func (*noCopy) Unlock() {}

// guard is the state shared by a transaction and its token.
type guard struct {
	s     *Session
	mode  AccessMode
	done  bool
	token *resource.Token
}

// newGuard returns a new tracked guard.
func newGuard(s *Session, mode AccessMode) *guard {
	g := &guard{
		s:     s,
		mode:  mode,
		token: resource.NewToken(),
	}

	resource.Track(g, g.token)

	return g
}

// end ends the transaction once.
func (g *guard) end(commit bool) error {
	if g.done {
		return ErrTransactionDone
	}

	g.done = true
	resource.Untrack(g, g.token)

	return g.s.end(g, commit)
}

// UniqueTransaction is an open transaction with exclusive access to the database.
//
// It must be ended with Commit or Rollback by the Worker that opened it.
type UniqueTransaction struct {
	_  noCopy
	g  *guard
	tx *WriteTx
}

// UniqueTransaction opens a unique transaction,
// waiting until all other transactions of the database end.
//
// Inside a unique transaction of the same Session, it returns a nested transaction.
// Inside a shared transaction of the same Session, it returns ErrMixedNesting.
// It returns ErrPoolExhausted if no connection becomes available in time.
//
// Waiting for the lock is not interrupted by ctx cancellation;
// a canceled ctx is only checked before waiting.
func (s *Session) UniqueTransaction(ctx context.Context) (*UniqueTransaction, error) {
	g, err := s.begin(ctx, Unique)
	if err != nil {
		return nil, err
	}

	return &UniqueTransaction{
		g:  g,
		tx: &WriteTx{ReadTx: ReadTx{g: g}},
	}, nil
}

// Tx returns the token for reading and writing in this transaction.
func (t *UniqueTransaction) Tx() *WriteTx {
	return t.tx
}

// Commit commits the transaction and releases the lock.
//
// Nested transactions only end themselves; the outermost one commits.
// The lock is released even if the commit fails; in that case the error wraps ErrCommitFailed.
func (t *UniqueTransaction) Commit() error {
	return t.g.end(true)
}

// Rollback aborts the transaction and releases the lock.
//
// Rolling back a nested transaction makes the outermost one roll back too.
// Calling Rollback after Commit returns ErrTransactionDone and may be safely deferred.
func (t *UniqueTransaction) Rollback() error {
	return t.g.end(false)
}

// SharedTransaction is an open transaction with read access to the database.
//
// It must be ended with Commit or Rollback by the Worker that opened it.
type SharedTransaction struct {
	_  noCopy
	g  *guard
	tx *ReadTx
}

// SharedTransaction opens a shared transaction,
// waiting until a unique transaction (if any) ends.
//
// Any number of shared transactions can be open at the same time,
// as long as the connection pool has connections for them.
//
// Inside a shared transaction of the same Session, it returns a nested transaction.
// Inside a unique transaction of the same Session, it returns ErrMixedNesting.
// It returns ErrPoolExhausted if no connection becomes available in time.
func (s *Session) SharedTransaction(ctx context.Context) (*SharedTransaction, error) {
	g, err := s.begin(ctx, Shared)
	if err != nil {
		return nil, err
	}

	return &SharedTransaction{
		g:  g,
		tx: &ReadTx{g: g},
	}, nil
}

// Tx returns the token for reading in this transaction.
func (t *SharedTransaction) Tx() *ReadTx {
	return t.tx
}

// Commit ends the transaction and releases the lock.
func (t *SharedTransaction) Commit() error {
	return t.g.end(true)
}

// Rollback ends the transaction and releases the lock.
//
// Calling Rollback after Commit returns ErrTransactionDone and may be safely deferred.
func (t *SharedTransaction) Rollback() error {
	return t.g.end(false)
}

// Reader is implemented by tokens of both transaction modes.
//
// Entity finders accept it.
type Reader interface {
	// QueryContext runs a query returning rows.
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// QueryRowContext runs a query returning at most one row.
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row

	// Session returns the Session of the transaction.
	Session() *Session
}

// ReadTx is the token of a shared transaction.
//
// It is valid until its transaction ends.
// Statements that change the database fail with an SQLite read-only error,
// even when issued through QueryContext.
type ReadTx struct {
	g *guard
}

// Session returns the Session of the transaction.
func (tx *ReadTx) Session() *Session {
	return tx.g.s
}

// QueryContext runs a query returning rows.
//
// It returns ErrTransactionDone if the transaction has ended.
func (tx *ReadTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx.g.done {
		return nil, lazyerrors.Error(ErrTransactionDone)
	}

	return tx.g.s.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query returning at most one row.
//
// It panics if the transaction has ended.
func (tx *ReadTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if tx.g.done {
		panic(newMisuseError("query", "%s", ErrTransactionDone))
	}

	return tx.g.s.tx.QueryRowContext(ctx, query, args...)
}

// WriteTx is the token of a unique transaction.
//
// It is valid until its transaction ends.
type WriteTx struct {
	ReadTx
}

// ExecContext runs a statement without returning rows.
//
// It returns ErrTransactionDone if the transaction has ended.
func (tx *WriteTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx.g.done {
		return nil, lazyerrors.Error(ErrTransactionDone)
	}

	return tx.g.s.tx.ExecContext(ctx, query, args...)
}

// InUniqueTransaction runs f in a unique transaction.
//
// The transaction is committed if f returns nil, and rolled back otherwise,
// including when f panics.
func (s *Session) InUniqueTransaction(ctx context.Context, f func(*WriteTx) error) (err error) {
	var t *UniqueTransaction
	if t, err = s.UniqueTransaction(ctx); err != nil {
		return
	}

	var done bool

	defer func() {
		if done {
			return
		}

		if rbErr := t.Rollback(); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	if err = f(t.Tx()); err != nil {
		return
	}

	done = true
	err = t.Commit()

	return
}

// InSharedTransaction runs f in a shared transaction.
//
// The transaction is ended when f returns or panics.
func (s *Session) InSharedTransaction(ctx context.Context, f func(*ReadTx) error) (err error) {
	var t *SharedTransaction
	if t, err = s.SharedTransaction(ctx); err != nil {
		return
	}

	var done bool

	defer func() {
		if done {
			return
		}

		if rbErr := t.Rollback(); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	if err = f(t.Tx()); err != nil {
		return
	}

	done = true
	err = t.Commit()

	return
}

// check interfaces
var (
	_ Reader = (*ReadTx)(nil)
	_ Reader = (*WriteTx)(nil)
)
