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

package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/db"
	"github.com/lms-server/lms/internal/util/testutil"
)

// setup opens a new database with the given pool size.
func setup(tb testing.TB, connections int) (context.Context, *db.DB) {
	tb.Helper()

	ctx := testutil.Ctx(tb)

	d, err := db.Open(ctx, &db.OpenParams{
		Path:        testutil.DatabasePath(tb),
		Connections: connections,
		L:           testutil.LevelLogger(tb, zap.NewAtomicLevelAt(zap.InfoLevel)),
	})
	require.NoError(tb, err)
	tb.Cleanup(d.Close)

	return ctx, d
}

func TestTracks(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 2)
	s := d.Session(db.NewWorker("test"))

	var id TrackID
	var release ReleaseID

	err := s.InUniqueTransaction(ctx, func(tx *db.WriteTx) error {
		var err error
		if release, err = CreateRelease(ctx, tx, "Kind of Blue"); err != nil {
			return err
		}

		id, err = CreateTrack(ctx, tx, &Track{
			Name:             "So What",
			AbsoluteFilePath: "/music/Kind of Blue/01 So What.flac",
			DurationMS:       562000,
			ReleaseID:        release,
		})

		return err
	})
	require.NoError(t, err)

	err = s.InSharedTransaction(ctx, func(tx *db.ReadTx) error {
		track, err := FindTrack(ctx, tx, id)
		require.NoError(t, err)

		expected := &Track{
			ID:               id,
			Name:             "So What",
			AbsoluteFilePath: "/music/Kind of Blue/01 So What.flac",
			DurationMS:       562000,
			ReleaseID:        release,
		}
		assert.Equal(t, expected, track)

		byPath, err := FindTrackByPath(ctx, tx, track.AbsoluteFilePath)
		require.NoError(t, err)
		assert.Equal(t, track, byPath)

		r, err := FindRelease(ctx, tx, release)
		require.NoError(t, err)
		assert.Equal(t, "Kind of Blue", r.Name)

		_, err = FindTrack(ctx, tx, id+1)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = FindRelease(ctx, tx, release+1)
		assert.ErrorIs(t, err, ErrNotFound)

		return nil
	})
	require.NoError(t, err)

	err = s.InUniqueTransaction(ctx, func(tx *db.WriteTx) error {
		require.NoError(t, RenameTrack(ctx, tx, id, "So What (Remastered)", "/music/so-what.flac"))
		assert.ErrorIs(t, RenameTrack(ctx, tx, id+1, "x", "y"), ErrNotFound)

		// finders accept write tokens too
		track, err := FindTrack(ctx, tx, id)
		require.NoError(t, err)
		assert.Equal(t, "So What (Remastered)", track.Name)

		return nil
	})
	require.NoError(t, err)

	err = s.InUniqueTransaction(ctx, func(tx *db.WriteTx) error {
		require.NoError(t, RemoveTrack(ctx, tx, id))
		assert.ErrorIs(t, RemoveTrack(ctx, tx, id), ErrNotFound)

		n, err := CountTracks(ctx, tx)
		require.NoError(t, err)
		assert.Zero(t, n)

		return nil
	})
	require.NoError(t, err)
}

func TestTrackArtists(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 2)
	s := d.Session(db.NewWorker("test"))

	var track TrackID

	err := s.InUniqueTransaction(ctx, func(tx *db.WriteTx) error {
		var err error
		if track, err = CreateTrack(ctx, tx, &Track{Name: "Blue in Green", AbsoluteFilePath: "/music/03.flac"}); err != nil {
			return err
		}

		miles, err := CreateArtist(ctx, tx, "Miles Davis", "Davis, Miles")
		if err != nil {
			return err
		}

		bill, err := CreateArtist(ctx, tx, "Bill Evans", "Evans, Bill")
		if err != nil {
			return err
		}

		if err = LinkArtist(ctx, tx, track, bill, LinkTypeComposer); err != nil {
			return err
		}

		return LinkArtist(ctx, tx, track, miles, LinkTypeArtist)
	})
	require.NoError(t, err)

	err = s.InSharedTransaction(ctx, func(tx *db.ReadTx) error {
		artists, err := TrackArtists(ctx, tx, track)
		require.NoError(t, err)
		require.Len(t, artists, 2)
		assert.Equal(t, "Miles Davis", artists[0].Name)
		assert.Equal(t, "Bill Evans", artists[1].Name)

		return nil
	})
	require.NoError(t, err)

	// links are removed with the track
	err = s.InUniqueTransaction(ctx, func(tx *db.WriteTx) error {
		return RemoveTrack(ctx, tx, track)
	})
	require.NoError(t, err)

	err = s.InSharedTransaction(ctx, func(tx *db.ReadTx) error {
		artists, err := TrackArtists(ctx, tx, track)
		require.NoError(t, err)
		assert.Empty(t, artists)

		return nil
	})
	require.NoError(t, err)
}

func TestOrphanTrackRejected(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 2)
	s := d.Session(db.NewWorker("test"))

	err := s.InUniqueTransaction(ctx, func(tx *db.WriteTx) error {
		_, err := CreateTrack(ctx, tx, &Track{Name: "orphan", AbsoluteFilePath: "/music/orphan.flac", ReleaseID: 404})
		return err
	})
	require.ErrorIs(t, err, db.ErrCommitFailed)

	err = s.InSharedTransaction(ctx, func(tx *db.ReadTx) error {
		n, err := CountTracks(ctx, tx)
		require.NoError(t, err)
		assert.Zero(t, n)

		return nil
	})
	require.NoError(t, err)
}

func TestTokenAfterEnd(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 2)
	s := d.Session(db.NewWorker("test"))

	tr, err := s.SharedTransaction(ctx)
	require.NoError(t, err)

	tx := tr.Tx()

	require.NoError(t, tr.Commit())

	// the token outlived its transaction
	assert.Panics(t, func() { _, _ = CountTracks(ctx, tx) })
}
