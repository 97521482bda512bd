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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/testutil"
)

// setup opens a new database with the given pool size.
func setup(tb testing.TB, connections int) (context.Context, *DB) {
	tb.Helper()

	ctx := testutil.Ctx(tb)

	db, err := Open(ctx, &OpenParams{
		Path:        testutil.DatabasePath(tb),
		Connections: connections,
		PoolTimeout: 5 * time.Second,
		L:           testutil.LevelLogger(tb, zap.NewAtomicLevelAt(zap.InfoLevel)),
	})
	require.NoError(tb, err)
	tb.Cleanup(db.Close)

	return ctx, db
}

// countTracks returns the number of tracks using a new Worker.
func countTracks(tb testing.TB, ctx context.Context, db *DB) int {
	tb.Helper()

	var n int

	err := db.Session(NewWorker("count")).InSharedTransaction(ctx, func(tx *ReadTx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM track").Scan(&n)
	})
	require.NoError(tb, err)

	return n
}

// insertTrack inserts a track with the given name.
func insertTrack(ctx context.Context, tx *WriteTx, name string) error {
	_, err := tx.ExecContext(ctx, "INSERT INTO track (name, absolute_file_path) VALUES (?, ?)", name, "/music/"+name)
	return err
}

// requireMisuse checks that f panics with *MisuseError.
func requireMisuse(tb testing.TB, f func()) {
	tb.Helper()

	var panicked bool

	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			panicked = true

			err, ok := r.(error)
			require.True(tb, ok, "%v", r)
			require.ErrorIs(tb, err, ErrMisuse)

			var me *MisuseError
			require.ErrorAs(tb, err, &me)
		}()

		f()
	}()

	require.True(tb, panicked, "expected misuse panic")
}
