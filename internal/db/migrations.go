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
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lms-server/lms/internal/util/lazyerrors"
	"github.com/lms-server/lms/internal/util/must"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// embeddedMigrations returns migrations compiled into the binary.
func embeddedMigrations() fs.FS {
	return must.NotFail(fs.Sub(migrationsFS, "migrations"))
}

// migrationSuffix is the suffix of migration file names.
const migrationSuffix = ".up.sql"

// Migration is a single forward-only schema change.
type Migration struct {
	// Version is the number from the file name prefix; versions are applied in ascending order.
	Version int

	// Name is the rest of the file name.
	Name string

	SQL string
}

// MigrationRecord is a row of the schema_migrations table.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// loadMigrations returns migrations from NNNN_name.up.sql files at the root of fsys
// sorted by version. Other files are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	var res []Migration

	seen := make(map[int]string)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		version, name, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}

		if prev, dup := seen[version]; dup {
			return nil, lazyerrors.Errorf("migrations %q and %q have the same version %d", prev, e.Name(), version)
		}

		seen[version] = e.Name()

		b, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res = append(res, Migration{
			Version: version,
			Name:    name,
			SQL:     string(b),
		})
	}

	slices.SortFunc(res, func(a, b Migration) int {
		return a.Version - b.Version
	})

	return res, nil
}

// parseMigrationFilename extracts version and name from NNNN_name.up.sql.
func parseMigrationFilename(filename string) (version int, name string, ok bool) {
	base, found := strings.CutSuffix(filename, migrationSuffix)
	if !found {
		return 0, "", false
	}

	v, name, found := strings.Cut(base, "_")
	if !found || name == "" {
		return 0, "", false
	}

	version, err := strconv.Atoi(v)
	if err != nil || version <= 0 {
		return 0, "", false
	}

	return version, name, true
}

// createMigrationsTable creates the schema_migrations table if needed.
func createMigrationsTable(ctx context.Context, tx *WriteTx) error {
	tx.Session().CheckUniqueLocked()

	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)

	return err
}

// appliedMigrations returns rows of the schema_migrations table sorted by version.
func appliedMigrations(ctx context.Context, tx Reader) ([]MigrationRecord, error) {
	tx.Session().CheckSharedLocked()

	rows, err := tx.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, lazyerrors.Error(err)
	}
	defer rows.Close()

	var res []MigrationRecord

	for rows.Next() {
		var r MigrationRecord
		var appliedAt string

		if err = rows.Scan(&r.Version, &r.Name, &appliedAt); err != nil {
			return nil, lazyerrors.Error(err)
		}

		if r.AppliedAt, err = time.Parse(time.RFC3339, appliedAt); err != nil {
			return nil, lazyerrors.Errorf("migration %d: %w", r.Version, err)
		}

		res = append(res, r)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// pendingMigrations returns migrations that are not applied yet.
//
// It returns ErrDatabaseNewer if some applied migration is unknown to this binary.
func pendingMigrations(known []Migration, applied []MigrationRecord) ([]Migration, error) {
	appliedSet := make(map[int]struct{}, len(applied))
	for _, r := range applied {
		appliedSet[r.Version] = struct{}{}
	}

	var latest int
	if len(known) > 0 {
		latest = known[len(known)-1].Version
	}

	if len(applied) > 0 && applied[len(applied)-1].Version > latest {
		return nil, lazyerrors.Errorf(
			"%w: database version %d, latest supported %d", ErrDatabaseNewer, applied[len(applied)-1].Version, latest,
		)
	}

	var res []Migration

	for _, m := range known {
		if _, ok := appliedSet[m.Version]; !ok {
			res = append(res, m)
		}
	}

	return res, nil
}

// migrate applies pending migrations, each in its own unique transaction,
// with foreign key enforcement disabled.
//
// If a migration fails, previous ones stay applied.
func (s *Session) migrate(ctx context.Context) error {
	ctx, span := s.db.tracer.Start(ctx, "migration")
	defer span.End()

	known, err := loadMigrations(s.db.migrations)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")

		return err
	}

	err = s.db.WithoutForeignKeys(ctx, func() error {
		var pending []Migration

		err := s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
			if err := createMigrationsTable(ctx, tx); err != nil {
				return lazyerrors.Error(err)
			}

			applied, err := appliedMigrations(ctx, tx)
			if err != nil {
				return err
			}

			pending, err = pendingMigrations(known, applied)

			return err
		})
		if err != nil {
			return err
		}

		if len(pending) == 0 {
			s.l.Debug("Database schema is up to date.")
			return nil
		}

		s.l.Info("Migrating database schema.", zap.Int("pending", len(pending)))

		for _, m := range pending {
			if err = s.applyMigration(ctx, m); err != nil {
				return lazyerrors.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}

		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")
	}

	return err
}

// applyMigration applies a single migration in a unique transaction.
func (s *Session) applyMigration(ctx context.Context, m Migration) error {
	ctx, span := s.db.tracer.Start(ctx, "migration step", trace.WithAttributes(
		attribute.Int("lms.migration.version", m.Version),
		attribute.String("lms.migration.name", m.Name),
	))
	defer span.End()

	start := time.Now()

	err := s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return lazyerrors.Error(err)
		}

		_, err := tx.ExecContext(
			ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
		)

		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")

		return err
	}

	s.l.Info(
		fmt.Sprintf("Applied migration %d.", m.Version),
		zap.String("name", m.Name), zap.Duration("duration", time.Since(start)),
	)

	return nil
}

// MigrationStatus returns applied and pending migrations.
func (s *Session) MigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	known, err := loadMigrations(s.db.migrations)
	if err != nil {
		return nil, nil, err
	}

	err = s.InSharedTransaction(ctx, func(tx *ReadTx) error {
		if applied, err = appliedMigrations(ctx, tx); err != nil {
			return err
		}

		pending, err = pendingMigrations(known, applied)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return applied, pending, nil
}
