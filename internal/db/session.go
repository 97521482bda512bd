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
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/devbuild"
	"github.com/lms-server/lms/internal/util/fsql"
	"github.com/lms-server/lms/internal/util/lazyerrors"
)

// Session is a Worker's access point to a DB.
//
// It holds at most one open SQL transaction, shared by all nested transactions of the same mode.
// Session is not safe for concurrent use; it must be used only by its Worker.
//
//nolint:vet // for readability
type Session struct {
	id uuid.UUID
	db *DB
	w  *Worker
	l  *zap.Logger

	// state of the open SQL transaction; tx is nil if there is none
	tx           *fsql.Tx
	mode         AccessMode
	depth        int
	rollbackOnly bool
	ctx          context.Context //nolint:containedctx // carries the outermost transaction span
	span         trace.Span
}

// newSession returns a new Session of w for db.
func newSession(db *DB, w *Worker) *Session {
	id := uuid.New()

	return &Session{
		id: id,
		db: db,
		w:  w,
		l:  db.l.With(zap.Stringer("session", id), zap.String("worker", w.name)),
	}
}

// ID returns the Session's unique identifier used in logs and traces.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// DB returns the Session's database.
func (s *Session) DB() *DB {
	return s.db
}

// Worker returns the Session's Worker.
func (s *Session) Worker() *Worker {
	return s.w
}

// CheckUniqueLocked verifies that the innermost open transaction of the Worker
// is a unique transaction of this Session.
//
// It panics on failure in development builds and does nothing otherwise.
func (s *Session) CheckUniqueLocked() {
	if !devbuild.Enabled {
		return
	}

	misuse(s.w.checker.checkUnique(s))

	if !s.db.lock.isUniqueLocked() {
		panic(newMisuseError("check", "access lock is not held in unique mode"))
	}
}

// CheckSharedLocked verifies that the innermost open transaction of the Worker
// is a transaction of this Session, of either mode.
//
// It panics on failure in development builds and does nothing otherwise.
func (s *Session) CheckSharedLocked() {
	if !devbuild.Enabled {
		return
	}

	misuse(s.w.checker.checkShared(s))

	if !s.db.lock.isSharedLocked() && !s.db.lock.isUniqueLocked() {
		panic(newMisuseError("check", "access lock is not held"))
	}
}

// misuse panics if err is not nil.
func misuse(err error) {
	if err != nil {
		panic(err)
	}
}

// begin opens a transaction in the given mode and returns its guard.
//
// The lock is acquired before the connection is borrowed, and released if borrowing fails.
func (s *Session) begin(ctx context.Context, mode AccessMode) (*guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	if s.depth > 0 {
		if s.mode != mode {
			return nil, lazyerrors.Errorf("%w: %s transaction inside %s transaction", ErrMixedNesting, mode, s.mode)
		}

		if devbuild.Enabled {
			misuse(s.w.checker.push(mode, s))
		}

		s.depth++

		return newGuard(s, mode), nil
	}

	if devbuild.Enabled {
		misuse(s.w.checker.canPush(s))
	}

	ctx, span := s.db.tracer.Start(ctx, mode.String()+" transaction", trace.WithAttributes(
		attribute.String("lms.session", s.id.String()),
		attribute.String("lms.worker", s.w.name),
	))

	s.db.lock.lock(mode)

	var tx *fsql.Tx
	var err error

	if mode == Shared {
		tx, err = s.db.pool.BeginReadOnly(ctx)
	} else {
		tx, err = s.db.pool.Begin(ctx)
	}

	if err != nil {
		s.db.lock.unlock(mode)

		span.RecordError(err)
		span.SetStatus(codes.Error, "")
		span.End()

		if errors.Is(err, ErrPoolExhausted) {
			s.l.Warn("No connection available for transaction.", zap.Stringer("mode", mode))
		}

		return nil, err
	}

	s.tx = tx
	s.mode = mode
	s.depth = 1
	s.rollbackOnly = false
	s.ctx = ctx
	s.span = span

	if devbuild.Enabled {
		misuse(s.w.checker.push(mode, s))
	}

	return newGuard(s, mode), nil
}

// end ends a transaction opened by begin.
//
// Only the outermost transaction ends the SQL transaction and releases the lock;
// if any transaction nested in it was rolled back, it rolls back too.
func (s *Session) end(g *guard, commit bool) error {
	if devbuild.Enabled {
		misuse(s.w.checker.pop(g.mode, s))
	}

	if !commit {
		s.rollbackOnly = true
	}

	s.depth--
	if s.depth > 0 {
		return nil
	}

	tx, mode, ctx, span := s.tx, s.mode, s.ctx, s.span
	s.tx, s.mode, s.ctx, s.span = nil, 0, nil, nil

	defer span.End()
	defer s.db.lock.unlock(mode)

	var err error

	switch {
	case !s.rollbackOnly:
		_, commitSpan := s.db.tracer.Start(ctx, "commit")

		if err = tx.Commit(); err != nil {
			commitSpan.RecordError(err)
			commitSpan.SetStatus(codes.Error, "")
			err = lazyerrors.Errorf("%w: %w", ErrCommitFailed, err)
		}

		commitSpan.End()

	case commit:
		err = lazyerrors.Errorf("%w: nested transaction was rolled back", ErrCommitFailed)

		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}

	default:
		if err = tx.Rollback(); err != nil {
			err = lazyerrors.Error(err)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")
		s.l.Error("Transaction ended with error.", zap.Stringer("mode", mode), zap.Error(err))
	}

	return err
}
