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
	"errors"
	"fmt"

	"github.com/lms-server/lms/internal/db/pool"
)

var (
	// ErrPoolExhausted is returned when a transaction can't get a pooled connection in time.
	// The lock is not held in that case; callers may retry.
	ErrPoolExhausted = pool.ErrExhausted

	// ErrCommitFailed is returned by Commit when the SQL transaction could not be committed.
	// The transaction is rolled back and the lock is released.
	ErrCommitFailed = errors.New("transaction commit failed")

	// ErrMigration is returned by Open when the schema can't be brought up to date.
	ErrMigration = errors.New("database migration failed")

	// ErrDatabaseNewer is returned (wrapped in ErrMigration) when the database schema
	// is newer than this binary supports.
	ErrDatabaseNewer = errors.New("database schema is newer than supported, upgrade the server")

	// ErrMixedNesting is returned when a transaction is opened inside
	// a transaction of another mode on the same Session.
	ErrMixedNesting = errors.New("transactions of different modes can't be nested")

	// ErrTransactionDone is returned when a transaction or its token is used after Commit or Rollback.
	ErrTransactionDone = errors.New("transaction has already been committed or rolled back")

	// ErrMisuse is wrapped by MisuseError.
	ErrMisuse = errors.New("database access misuse")
)

// MisuseError describes incorrect use of sessions and transactions.
//
// It indicates a programming error.
type MisuseError struct {
	Op     string
	Reason string
}

// Error implements error interface.
func (e *MisuseError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMisuse, e.Op, e.Reason)
}

// Unwrap returns ErrMisuse.
func (e *MisuseError) Unwrap() error {
	return ErrMisuse
}

// newMisuseError returns a new *MisuseError.
func newMisuseError(op, format string, a ...any) *MisuseError {
	return &MisuseError{
		Op:     op,
		Reason: fmt.Sprintf(format, a...),
	}
}
