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

// Package media provides access to media library entities.
//
// Finders accept [db.Reader] and require a transaction of any mode;
// mutators accept [*db.WriteTx] and require a unique transaction.
package media

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lms-server/lms/internal/db"
	"github.com/lms-server/lms/internal/util/lazyerrors"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// TrackID identifies a Track.
type TrackID int64

// ReleaseID identifies a Release.
type ReleaseID int64

// ArtistID identifies an Artist.
type ArtistID int64

// Track is a single audio file of the library.
type Track struct {
	ID               TrackID
	Name             string
	AbsoluteFilePath string
	DurationMS       int64
	ReleaseID        ReleaseID // zero if none
}

// Release is a group of tracks, such as an album.
type Release struct {
	ID   ReleaseID
	Name string
}

// Artist is a performer, composer, etc.
type Artist struct {
	ID       ArtistID
	Name     string
	SortName string
}

// LinkType is the role of an artist in a track.
type LinkType int

// Link types.
const (
	LinkTypeArtist LinkType = iota
	LinkTypeComposer
	LinkTypePerformer
)

// CreateRelease inserts a new release.
func CreateRelease(ctx context.Context, tx *db.WriteTx, name string) (ReleaseID, error) {
	tx.Session().CheckUniqueLocked()

	res, err := tx.ExecContext(ctx, "INSERT INTO release (name) VALUES (?)", name)
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	return ReleaseID(id), nil
}

// FindRelease returns the release with the given ID.
func FindRelease(ctx context.Context, r db.Reader, id ReleaseID) (*Release, error) {
	r.Session().CheckSharedLocked()

	res := Release{ID: id}

	err := r.QueryRowContext(ctx, "SELECT name FROM release WHERE id = ?", id).Scan(&res.Name)
	if err != nil {
		return nil, notFound(err)
	}

	return &res, nil
}

// CreateArtist inserts a new artist.
func CreateArtist(ctx context.Context, tx *db.WriteTx, name, sortName string) (ArtistID, error) {
	tx.Session().CheckUniqueLocked()

	res, err := tx.ExecContext(ctx, "INSERT INTO artist (name, sort_name) VALUES (?, ?)", name, sortName)
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, lazyerrors.Error(err)
	}

	return ArtistID(id), nil
}

// LinkArtist links the artist to the track with the given role.
func LinkArtist(ctx context.Context, tx *db.WriteTx, track TrackID, artist ArtistID, typ LinkType) error {
	tx.Session().CheckUniqueLocked()

	_, err := tx.ExecContext(
		ctx,
		"INSERT INTO track_artist_link (type, track_id, artist_id) VALUES (?, ?, ?)",
		typ, track, artist,
	)
	if err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// TrackArtists returns artists linked to the track, sorted by sort name.
func TrackArtists(ctx context.Context, r db.Reader, track TrackID) ([]Artist, error) {
	r.Session().CheckSharedLocked()

	rows, err := r.QueryContext(
		ctx,
		`SELECT a.id, a.name, a.sort_name FROM artist a
		INNER JOIN track_artist_link l ON l.artist_id = a.id
		WHERE l.track_id = ?
		ORDER BY a.sort_name COLLATE NOCASE, a.id`,
		track,
	)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}
	defer rows.Close()

	var res []Artist

	for rows.Next() {
		var a Artist
		if err = rows.Scan(&a.ID, &a.Name, &a.SortName); err != nil {
			return nil, lazyerrors.Error(err)
		}

		res = append(res, a)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// notFound converts sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	return lazyerrors.Error(err)
}
