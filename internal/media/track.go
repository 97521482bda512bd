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
	"database/sql"

	"github.com/lms-server/lms/internal/db"
	"github.com/lms-server/lms/internal/util/lazyerrors"
)

// CreateTrack inserts a new track and returns its ID.
func CreateTrack(ctx context.Context, tx *db.WriteTx, t *Track) (TrackID, error) {
	tx.Session().CheckUniqueLocked()

	var release any
	if t.ReleaseID != 0 {
		release = t.ReleaseID
	}

	res, err := tx.ExecContext(
		ctx,
		"INSERT INTO track (name, absolute_file_path, duration_ms, release_id) VALUES (?, ?, ?, ?)",
		t.Name, t.AbsoluteFilePath, t.DurationMS, release,
	)
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	return TrackID(id), nil
}

// RenameTrack sets the track's name and file path.
func RenameTrack(ctx context.Context, tx *db.WriteTx, id TrackID, name, path string) error {
	tx.Session().CheckUniqueLocked()

	res, err := tx.ExecContext(
		ctx,
		"UPDATE track SET name = ?, absolute_file_path = ?, version = version + 1 WHERE id = ?",
		name, path, id,
	)
	if err != nil {
		return lazyerrors.Error(err)
	}

	return checkAffected(res)
}

// RemoveTrack deletes the track and its artist links.
func RemoveTrack(ctx context.Context, tx *db.WriteTx, id TrackID) error {
	tx.Session().CheckUniqueLocked()

	res, err := tx.ExecContext(ctx, "DELETE FROM track WHERE id = ?", id)
	if err != nil {
		return lazyerrors.Error(err)
	}

	return checkAffected(res)
}

// FindTrack returns the track with the given ID.
func FindTrack(ctx context.Context, r db.Reader, id TrackID) (*Track, error) {
	r.Session().CheckSharedLocked()

	t, err := scanTrack(r.QueryRowContext(
		ctx,
		"SELECT id, name, absolute_file_path, duration_ms, release_id FROM track WHERE id = ?",
		id,
	))
	if err != nil {
		return nil, notFound(err)
	}

	return t, nil
}

// FindTrackByPath returns the track with the given absolute file path.
func FindTrackByPath(ctx context.Context, r db.Reader, path string) (*Track, error) {
	r.Session().CheckSharedLocked()

	t, err := scanTrack(r.QueryRowContext(
		ctx,
		"SELECT id, name, absolute_file_path, duration_ms, release_id FROM track WHERE absolute_file_path = ?",
		path,
	))
	if err != nil {
		return nil, notFound(err)
	}

	return t, nil
}

// ListTracks returns all tracks ordered by ID.
func ListTracks(ctx context.Context, r db.Reader) ([]Track, error) {
	r.Session().CheckSharedLocked()

	rows, err := r.QueryContext(ctx, "SELECT id, name, absolute_file_path, duration_ms, release_id FROM track ORDER BY id")
	if err != nil {
		return nil, lazyerrors.Error(err)
	}
	defer rows.Close()

	var res []Track

	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res = append(res, *t)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// CountTracks returns the number of tracks.
func CountTracks(ctx context.Context, r db.Reader) (int64, error) {
	r.Session().CheckSharedLocked()

	var n int64
	if err := r.QueryRowContext(ctx, "SELECT COUNT(*) FROM track").Scan(&n); err != nil {
		return 0, lazyerrors.Error(err)
	}

	return n, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanTrack scans a track row.
func scanTrack(s scanner) (*Track, error) {
	var t Track
	var release sql.NullInt64

	if err := s.Scan(&t.ID, &t.Name, &t.AbsoluteFilePath, &t.DurationMS, &release); err != nil {
		return nil, err
	}

	t.ReleaseID = ReleaseID(release.Int64)

	return &t, nil
}

// checkAffected returns ErrNotFound if no rows were affected.
func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return lazyerrors.Error(err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}
