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

package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lms-server/lms/internal/db"
	"github.com/lms-server/lms/internal/util/testutil"
)

// parse parses args into a new cliFlags.
func parse(t *testing.T, args ...string) *cliFlags {
	t.Helper()

	var c cliFlags

	parser, err := kong.New(&c, kongOptions...)
	require.NoError(t, err)

	_, err = parser.Parse(args)
	require.NoError(t, err)

	return &c
}

func TestFlags(t *testing.T) {
	c := parse(t)
	assert.Equal(t, "data/lms.db", c.DB.Path)
	assert.Equal(t, 10, c.DB.Connections)
	assert.Equal(t, 30*time.Second, c.DB.PoolTimeout)
	assert.Equal(t, "WAL", c.DB.JournalMode)
	assert.Equal(t, "NORMAL", c.DB.Synchronous)
	assert.True(t, c.Optimize)
	assert.Equal(t, "console", c.Log.Format)

	c = parse(t, "--db-path=/srv/lms/lms.db", "--db-connections=4", "--db-synchronous=FULL", "--no-optimize", "--vacuum")
	assert.Equal(t, "/srv/lms/lms.db", c.DB.Path)
	assert.Equal(t, 4, c.DB.Connections)
	assert.Equal(t, "FULL", c.DB.Synchronous)
	assert.False(t, c.Optimize)
	assert.True(t, c.Vacuum)

	t.Setenv("LMSD_DB_CONNECTIONS", "7")
	t.Setenv("LMSD_LOG_FORMAT", "json")

	c = parse(t)
	assert.Equal(t, 7, c.DB.Connections)
	assert.Equal(t, "json", c.Log.Format)

	var bad cliFlags

	parser, err := kong.New(&bad, kongOptions...)
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--db-journal-mode=MEMORY"})
	assert.Error(t, err)
}

func TestStartup(t *testing.T) {
	ctx := testutil.Ctx(t)

	cli = *parse(t, "--db-path="+testutil.DatabasePath(t), "--db-connections=2", "--vacuum", "--analyze")

	d, err := db.Open(ctx, openParams(testutil.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, startupMaintenance(ctx, d.Session(db.NewWorker("main"))))
}
