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

	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/devbuild"
	"github.com/lms-server/lms/internal/util/lazyerrors"
)

// ExecAdministrative runs a statement outside of any transaction,
// such as `PRAGMA optimize`.
//
// The statement runs on a single pooled connection, so per-connection settings
// do not belong there; use [DB.WithoutForeignKeys] to toggle foreign keys.
//
// No transaction of this database may be open.
// Development builds panic if the access lock is held.
func (db *DB) ExecAdministrative(ctx context.Context, statement string) error {
	if devbuild.Enabled && !db.lock.idle() {
		panic(newMisuseError("exec administrative", "access lock is held"))
	}

	db.l.Debug("Executing administrative statement.", zap.String("statement", statement))

	if err := db.pool.Exec(ctx, statement); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// WithoutForeignKeys runs f with foreign key enforcement disabled on all connections.
//
// Enforcement is restored when f returns, even if it fails.
// No transaction of this database may be open when it is called.
func (db *DB) WithoutForeignKeys(ctx context.Context, f func() error) (err error) {
	if devbuild.Enabled && !db.lock.idle() {
		panic(newMisuseError("without foreign keys", "access lock is held"))
	}

	if err = db.pool.ExecEach(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return lazyerrors.Error(err)
	}

	defer func() {
		if onErr := db.pool.ExecEach(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON"); onErr != nil {
			err = errors.Join(err, lazyerrors.Error(onErr))
		}
	}()

	err = f()

	return
}
