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
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageStats(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		stats    PageStats
		expected bool
	}{
		"Empty":   {stats: PageStats{}, expected: true},
		"Compact": {stats: PageStats{PageCount: 100, FreelistCount: 9}, expected: false},
		"Tenth":   {stats: PageStats{PageCount: 100, FreelistCount: 10}, expected: true},
		"Sparse":  {stats: PageStats{PageCount: 100, FreelistCount: 60}, expected: true},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, tc.stats.NeedsVacuum())
		})
	}
}

func TestVacuum(t *testing.T) {
	t.Parallel()

	ctx, db := setup(t, 2)
	s := db.Session(NewWorker("test"))

	require.NoError(t, s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		for i := range 500 {
			if err := insertTrack(ctx, tx, fmt.Sprintf("track %d with a reasonably long name", i)); err != nil {
				return err
			}
		}

		return nil
	}))

	require.NoError(t, s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM track")
		return err
	}))

	before, err := s.PageStats(ctx)
	require.NoError(t, err)
	require.True(t, before.NeedsVacuum())
	require.Positive(t, before.FreelistCount)

	vacuumed, err := s.VacuumIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, vacuumed)
	assert.True(t, db.lock.idle())

	after, err := s.PageStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, after.FreelistCount)
	assert.Less(t, after.PageCount, before.PageCount)

	// not allowed inside a transaction
	err = s.InSharedTransaction(ctx, func(*ReadTx) error {
		return s.Vacuum(ctx)
	})
	require.ErrorIs(t, err, ErrMisuse)
	assert.True(t, db.lock.idle())
}

func TestAnalyzeOptimize(t *testing.T) {
	t.Parallel()

	ctx, db := setup(t, 2)
	s := db.Session(NewWorker("test"))

	require.NoError(t, s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		return insertTrack(ctx, tx, "analyzed")
	}))

	entries, err := s.entriesToAnalyze(ctx)
	require.NoError(t, err)
	assert.Contains(t, entries, "track")
	assert.Contains(t, entries, "track_name_idx")

	require.NoError(t, s.Analyze(ctx))
	require.NoError(t, s.Optimize(ctx))
	assert.True(t, db.lock.idle())

	var n int
	require.NoError(t, s.InSharedTransaction(ctx, func(tx *ReadTx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_stat1").Scan(&n)
	}))
	assert.Positive(t, n)
}

func TestCreateIndexesIdempotent(t *testing.T) {
	t.Parallel()

	ctx, db := setup(t, 2)
	s := db.Session(NewWorker("test"))

	require.NoError(t, s.CreateIndexes(ctx))

	var n int
	require.NoError(t, s.InSharedTransaction(ctx, func(tx *ReadTx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE '%_idx%'").Scan(&n)
	}))
	assert.GreaterOrEqual(t, n, len(indexes)-1)
}

func TestRefreshStats(t *testing.T) {
	t.Parallel()

	ctx, db := setup(t, 2)
	s := db.Session(NewWorker("test"))

	require.NoError(t, s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		for _, name := range []string{"a", "b", "c"} {
			if err := insertTrack(ctx, tx, name); err != nil {
				return err
			}
		}

		return nil
	}))

	stats, err := s.RefreshStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats["track"])
	assert.EqualValues(t, 0, stats["listen"])
	assert.Len(t, stats, len(statsTables))

	assert.Equal(t, 3.0, testutil.ToFloat64(db.stats.rows.WithLabelValues("track")))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(db))

	n, err := testutil.GatherAndCount(reg, "lmsd_db_rows", "lmsd_sqlite_pool_size", "lmsd_db_lock_holders")
	require.NoError(t, err)
	assert.Equal(t, len(statsTables)+1+2, n)
}
