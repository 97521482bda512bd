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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lms-server/lms/internal/util/lazyerrors"
)

// statsTables are tables counted by RefreshStats.
var statsTables = []string{"artist", "listen", "release", "track", "track_artist_link"}

// statsCollector exposes library statistics.
type statsCollector struct {
	rows *prometheus.GaugeVec
}

// newStatsCollector returns a new statsCollector.
func newStatsCollector() *statsCollector {
	return &statsCollector{
		rows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_rows",
				Help:      "The number of rows in library tables, as of the last refresh.",
			},
			[]string{"table"},
		),
	}
}

// Describe implements prometheus.Collector.
func (sc *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	sc.rows.Describe(ch)
}

// Collect implements prometheus.Collector.
func (sc *statsCollector) Collect(ch chan<- prometheus.Metric) {
	sc.rows.Collect(ch)
}

// RefreshStats counts rows of library tables in a single shared transaction
// and updates metrics. It returns the counts by table name.
func (s *Session) RefreshStats(ctx context.Context) (map[string]int64, error) {
	res := make(map[string]int64, len(statsTables))

	err := s.InSharedTransaction(ctx, func(tx *ReadTx) error {
		for _, table := range statsTables {
			var n int64
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
				return lazyerrors.Errorf("%s: %w", table, err)
			}

			res[table] = n
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for table, n := range res {
		s.db.stats.rows.WithLabelValues(table).Set(float64(n))
	}

	return res, nil
}

// check interfaces
var (
	_ prometheus.Collector = (*statsCollector)(nil)
)
