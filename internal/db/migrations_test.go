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
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lms-server/lms/internal/util/testutil"
)

func TestParseMigrationFilename(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		version int
		name    string
		ok      bool
	}{
		"0001_initial_schema.up.sql": {version: 1, name: "initial_schema", ok: true},
		"12_listen.up.sql":           {version: 12, name: "listen", ok: true},
		"0001_initial.down.sql":      {},
		"0001_.up.sql":               {},
		"0000_zero.up.sql":           {},
		"abcd_name.up.sql":           {},
		"README.md":                  {},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			version, n, ok := parseMigrationFilename(name)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.version, version)
			assert.Equal(t, tc.name, n)
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	t.Parallel()

	t.Run("Sorted", func(t *testing.T) {
		t.Parallel()

		ms, err := loadMigrations(fstest.MapFS{
			"0010_ten.up.sql": {Data: []byte("SELECT 10")},
			"0002_two.up.sql": {Data: []byte("SELECT 2")},
			"README.md":       {Data: []byte("ignored")},
		})
		require.NoError(t, err)

		expected := []Migration{
			{Version: 2, Name: "two", SQL: "SELECT 2"},
			{Version: 10, Name: "ten", SQL: "SELECT 10"},
		}
		assert.Equal(t, expected, ms)
	})

	t.Run("Duplicate", func(t *testing.T) {
		t.Parallel()

		_, err := loadMigrations(fstest.MapFS{
			"0001_a.up.sql": {Data: []byte("SELECT 1")},
			"1_b.up.sql":    {Data: []byte("SELECT 1")},
		})
		require.Error(t, err)
	})

	t.Run("Embedded", func(t *testing.T) {
		t.Parallel()

		ms, err := loadMigrations(embeddedMigrations())
		require.NoError(t, err)
		require.NotEmpty(t, ms)
		assert.Equal(t, 1, ms[0].Version)
	})
}

func TestPendingMigrations(t *testing.T) {
	t.Parallel()

	known := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}

	pending, err := pendingMigrations(known, []MigrationRecord{{Version: 1}, {Version: 3}})
	require.NoError(t, err)
	assert.Equal(t, []Migration{{Version: 2}}, pending)

	_, err = pendingMigrations(known, []MigrationRecord{{Version: 1}, {Version: 4}})
	require.ErrorIs(t, err, ErrDatabaseNewer)
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	path := testutil.DatabasePath(t)

	db, err := Open(ctx, &OpenParams{Path: path, L: testutil.Logger(t)})
	require.NoError(t, err)

	s := db.Session(NewWorker("test"))

	applied, pending, err := s.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.NotEmpty(t, applied)

	require.NoError(t, s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		return insertTrack(ctx, tx, "kept")
	}))

	db.Close()

	db, err = Open(ctx, &OpenParams{Path: path, L: testutil.Logger(t)})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	reapplied, pending, err := db.Session(NewWorker("test")).MigrationStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, applied, reapplied)

	assert.Equal(t, 1, countTracks(t, ctx, db))

	// scan settings are initialized once
	var n int
	require.NoError(t, db.Session(NewWorker("test")).InSharedTransaction(ctx, func(tx *ReadTx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_settings").Scan(&n)
	}))
	assert.Equal(t, 1, n)
}

func TestMigrateDatabaseNewer(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	path := testutil.DatabasePath(t)

	db, err := Open(ctx, &OpenParams{Path: path, L: testutil.Logger(t)})
	require.NoError(t, err)

	require.NoError(t, db.Session(NewWorker("test")).InUniqueTransaction(ctx, func(tx *WriteTx) error {
		_, err := tx.ExecContext(
			ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			9999, "from_the_future", "2030-01-01T00:00:00Z",
		)

		return err
	}))

	db.Close()

	_, err = Open(ctx, &OpenParams{Path: path, L: testutil.Logger(t)})
	require.ErrorIs(t, err, ErrMigration)
	require.ErrorIs(t, err, ErrDatabaseNewer)
}

func TestMigrateFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	_, err := Open(ctx, &OpenParams{
		Path: testutil.DatabasePath(t),
		Migrations: fstest.MapFS{
			"0001_good.up.sql": {Data: []byte("CREATE TABLE good (id INTEGER PRIMARY KEY)")},
			"0002_bad.up.sql":  {Data: []byte("CREATE TABLE")},
		},
		L: testutil.Logger(t),
	})
	require.ErrorIs(t, err, ErrMigration)
}
