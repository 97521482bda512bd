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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lms-server/lms/internal/util/devbuild"
)

func TestMisuseDevBuild(t *testing.T) {
	if !devbuild.Enabled {
		t.Skip("misuse is checked only in development builds")
	}

	t.Parallel()

	ctx, db := setup(t, 2)
	_, otherDB := setup(t, 2)

	w := NewWorker("test")
	s := db.Session(w)

	t.Run("NoTransaction", func(t *testing.T) {
		requireMisuse(t, s.CheckUniqueLocked)
		requireMisuse(t, s.CheckSharedLocked)
	})

	t.Run("SharedIsNotUnique", func(t *testing.T) {
		err := s.InSharedTransaction(ctx, func(tx *ReadTx) error {
			tx.Session().CheckSharedLocked()
			requireMisuse(t, tx.Session().CheckUniqueLocked)

			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UniqueIsShared", func(t *testing.T) {
		err := s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
			tx.Session().CheckUniqueLocked()
			tx.Session().CheckSharedLocked()

			return nil
		})
		require.NoError(t, err)
	})

	t.Run("OtherSession", func(t *testing.T) {
		err := s.InSharedTransaction(ctx, func(*ReadTx) error {
			other := otherDB.Session(w)

			requireMisuse(t, other.CheckSharedLocked)
			requireMisuse(t, func() { _, _ = other.SharedTransaction(ctx) })

			return nil
		})
		require.NoError(t, err)

		assert.True(t, db.lock.idle())
		assert.True(t, otherDB.lock.idle())
	})

	t.Run("Administrative", func(t *testing.T) {
		err := s.InSharedTransaction(ctx, func(*ReadTx) error {
			requireMisuse(t, func() { _ = db.ExecAdministrative(ctx, "PRAGMA optimize") })
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, db.ExecAdministrative(ctx, "PRAGMA optimize"))
	})
}

func TestMisuseReleaseBuild(t *testing.T) {
	if devbuild.Enabled {
		t.Skip("misuse is checked in development builds")
	}

	t.Parallel()

	_, db := setup(t, 2)
	s := db.Session(NewWorker("test"))

	assert.NotPanics(t, s.CheckUniqueLocked)
	assert.NotPanics(t, s.CheckSharedLocked)
}

func TestMisuseError(t *testing.T) {
	t.Parallel()

	err := newMisuseError("check", "unique transaction required, %s is open", Shared)
	assert.ErrorIs(t, err, ErrMisuse)
	assert.Equal(t, "database access misuse: check: unique transaction required, shared is open", err.Error())
}
