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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/lazyerrors"
)

// indexes are created by CreateIndexes.
var indexes = []string{
	"CREATE INDEX IF NOT EXISTS artist_name_idx ON artist(name)",
	"CREATE INDEX IF NOT EXISTS artist_sort_name_nocase_idx ON artist(sort_name COLLATE NOCASE)",
	"CREATE INDEX IF NOT EXISTS artist_mbid_idx ON artist(mbid)",

	"CREATE INDEX IF NOT EXISTS listen_backend_idx ON listen(backend)",
	"CREATE INDEX IF NOT EXISTS listen_user_backend_date_time ON listen(user_id, backend, date_time DESC)",
	"CREATE INDEX IF NOT EXISTS listen_track_user_backend_idx ON listen(track_id, user_id, backend)",

	"CREATE INDEX IF NOT EXISTS release_name_idx ON release(name)",
	"CREATE INDEX IF NOT EXISTS release_name_nocase_idx ON release(name COLLATE NOCASE)",
	"CREATE INDEX IF NOT EXISTS release_mbid_idx ON release(mbid)",

	"CREATE INDEX IF NOT EXISTS track_absolute_path_idx ON track(absolute_file_path)",
	"CREATE INDEX IF NOT EXISTS track_name_idx ON track(name)",
	"CREATE INDEX IF NOT EXISTS track_name_nocase_idx ON track(name COLLATE NOCASE)",
	"CREATE INDEX IF NOT EXISTS track_mbid_idx ON track(mbid)",
	"CREATE INDEX IF NOT EXISTS track_release_idx ON track(release_id)",
	"CREATE INDEX IF NOT EXISTS track_release_file_last_write_idx ON track(release_id, file_last_write)",
	"CREATE INDEX IF NOT EXISTS track_release_year_idx ON track(release_id, year)",
	"CREATE INDEX IF NOT EXISTS track_file_last_write_idx ON track(file_last_write)",
	"CREATE INDEX IF NOT EXISTS track_year_idx ON track(year)",

	"CREATE INDEX IF NOT EXISTS track_artist_link_artist_idx ON track_artist_link(artist_id)",
	"CREATE INDEX IF NOT EXISTS track_artist_link_artist_track_idx ON track_artist_link(artist_id, track_id)",
	"CREATE INDEX IF NOT EXISTS track_artist_link_artist_type_idx ON track_artist_link(artist_id, type)",
	"CREATE INDEX IF NOT EXISTS track_artist_link_track_idx ON track_artist_link(track_id)",
	"CREATE INDEX IF NOT EXISTS track_artist_link_track_type_idx ON track_artist_link(track_id, type)",
	"CREATE INDEX IF NOT EXISTS track_artist_link_type_idx ON track_artist_link(type)",
}

// vacuumFreelistRatio is the minimal page_count/freelist_count ratio that does not require vacuum.
const vacuumFreelistRatio = 10

// CreateIndexes creates missing indexes in a single unique transaction.
func (s *Session) CreateIndexes(ctx context.Context) error {
	ctx, span := s.db.tracer.Start(ctx, "index creation")
	defer span.End()

	s.l.Info("Creating indexes.")

	start := time.Now()

	err := s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		for _, q := range indexes {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return lazyerrors.Error(err)
			}
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")

		return err
	}

	s.l.Info("Indexes created.", zap.Duration("duration", time.Since(start)))

	return nil
}

// PageStats contains database file page counts.
type PageStats struct {
	PageCount     int64
	FreelistCount int64
}

// NeedsVacuum returns true if at least a tenth of the pages are free.
func (ps PageStats) NeedsVacuum() bool {
	return ps.FreelistCount >= ps.PageCount/vacuumFreelistRatio
}

// PageStats returns database file page counts.
func (s *Session) PageStats(ctx context.Context) (PageStats, error) {
	var res PageStats

	err := s.InSharedTransaction(ctx, func(tx *ReadTx) error {
		if err := tx.QueryRowContext(ctx, "SELECT page_count FROM pragma_page_count").Scan(&res.PageCount); err != nil {
			return lazyerrors.Error(err)
		}

		if err := tx.QueryRowContext(ctx, "SELECT freelist_count FROM pragma_freelist_count").Scan(&res.FreelistCount); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	})

	return res, err
}

// VacuumIfNeeded vacuums the database if it has many free pages.
// It returns true if vacuum was performed.
func (s *Session) VacuumIfNeeded(ctx context.Context) (bool, error) {
	ps, err := s.PageStats(ctx)
	if err != nil {
		return false, err
	}

	s.l.Info("Page stats.", zap.Int64("page_count", ps.PageCount), zap.Int64("freelist_count", ps.FreelistCount))

	if !ps.NeedsVacuum() {
		return false, nil
	}

	if err = s.Vacuum(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// Vacuum rebuilds the database file.
//
// VACUUM can't run inside a transaction, so it holds the access lock in unique mode
// without one. It must not be called while the Worker has open transactions.
func (s *Session) Vacuum(ctx context.Context) error {
	for _, ws := range s.w.sessions {
		if ws.depth > 0 {
			return newMisuseError("vacuum", "%s transaction is open on session %s", ws.mode, ws.id)
		}
	}

	if err := ctx.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	ctx, span := s.db.tracer.Start(ctx, "vacuum")
	defer span.End()

	s.l.Info("Performing vacuum.")

	start := time.Now()

	s.db.lock.lock(Unique)
	defer s.db.lock.unlock(Unique)

	if err := s.db.pool.Exec(ctx, "VACUUM"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")

		return lazyerrors.Error(err)
	}

	s.l.Info("Vacuum complete.", zap.Duration("duration", time.Since(start)))

	return nil
}

// Analyze gathers query planner statistics for all tables and indexes.
//
// Each table and index is analyzed in its own unique transaction,
// so other transactions are not blocked for the whole duration.
func (s *Session) Analyze(ctx context.Context) error {
	ctx, span := s.db.tracer.Start(ctx, "analyze")
	defer span.End()

	s.l.Info("Performing analyze.")

	start := time.Now()

	entries, err := s.entriesToAnalyze(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")

		return err
	}

	for _, entry := range entries {
		if err = s.analyzeEntry(ctx, entry); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "")

			return err
		}
	}

	s.l.Info("Analyze complete.", zap.Int("entries", len(entries)), zap.Duration("duration", time.Since(start)))

	return nil
}

// entriesToAnalyze returns names of all tables and indexes.
func (s *Session) entriesToAnalyze(ctx context.Context) ([]string, error) {
	var res []string

	err := s.InSharedTransaction(ctx, func(tx *ReadTx) error {
		rows, err := tx.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' OR type = 'index'")
		if err != nil {
			return lazyerrors.Error(err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err = rows.Scan(&name); err != nil {
				return lazyerrors.Error(err)
			}

			res = append(res, name)
		}

		return rows.Err()
	})

	return res, err
}

// analyzeEntry analyzes a single table or index.
func (s *Session) analyzeEntry(ctx context.Context, entry string) error {
	ctx, span := s.db.tracer.Start(ctx, "analyze entry", trace.WithAttributes(attribute.String("lms.entry", entry)))
	defer span.End()

	s.l.Debug("Analyzing.", zap.String("entry", entry))

	return s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		if _, err := tx.ExecContext(ctx, `ANALYZE "`+entry+`"`); err != nil {
			return lazyerrors.Errorf("%s: %w", entry, err)
		}

		return nil
	})
}

// Optimize runs `PRAGMA optimize` in a unique transaction.
func (s *Session) Optimize(ctx context.Context) error {
	return s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		if _, err := tx.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	})
}

// initScanSettings creates the scan settings row if it does not exist.
func initScanSettings(ctx context.Context) func(tx *WriteTx) error {
	return func(tx *WriteTx) error {
		tx.Session().CheckUniqueLocked()

		_, err := tx.ExecContext(ctx, "INSERT INTO scan_settings (id) SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM scan_settings)")

		return err
	}
}
