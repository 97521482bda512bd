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
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/lms-server/lms/internal/util/must"
)

// Parts of Prometheus metric names.
const (
	namespace = "lmsd"
	subsystem = "db"
)

// lockCapacity is the weight of a unique holder; a shared holder weighs 1.
const lockCapacity = 1 << 30

// accessLock is a reader/writer lock that grants access in request order.
//
// A waiting unique request blocks all shared requests made after it,
// so writers are not starved by a steady stream of readers.
// Acquisition is not interruptible.
type accessLock struct {
	sem *semaphore.Weighted

	shared atomic.Int64
	unique atomic.Bool

	waits *prometheus.HistogramVec
}

// newAccessLock returns a new unlocked accessLock.
func newAccessLock() *accessLock {
	return &accessLock{
		sem: semaphore.NewWeighted(lockCapacity),
		waits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the access lock.",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"mode"},
		),
	}
}

// weight returns semaphore weight for the given mode.
func weight(mode AccessMode) int64 {
	if mode == Unique {
		return lockCapacity
	}

	return 1
}

// lock blocks until the lock is held in the given mode.
func (al *accessLock) lock(mode AccessMode) {
	start := time.Now()

	// never fails with a context that is never done
	must.NoError(al.sem.Acquire(context.Background(), weight(mode)))

	if mode == Unique {
		al.unique.Store(true)
	} else {
		al.shared.Add(1)
	}

	al.waits.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
}

// unlock releases the lock held in the given mode.
func (al *accessLock) unlock(mode AccessMode) {
	if mode == Unique {
		al.unique.Store(false)
	} else {
		al.shared.Add(-1)
	}

	al.sem.Release(weight(mode))
}

// isUniqueLocked returns true if the lock is held by a unique holder.
//
// The result is approximate if the lock is used concurrently.
func (al *accessLock) isUniqueLocked() bool {
	return al.unique.Load()
}

// isSharedLocked returns true if the lock is held by at least one shared holder.
//
// The result is approximate if the lock is used concurrently.
func (al *accessLock) isSharedLocked() bool {
	return al.shared.Load() > 0
}

// idle returns true if nobody holds the lock.
func (al *accessLock) idle() bool {
	return !al.isUniqueLocked() && !al.isSharedLocked()
}

// Describe implements prometheus.Collector.
func (al *accessLock) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(al, ch)
}

// Collect implements prometheus.Collector.
func (al *accessLock) Collect(ch chan<- prometheus.Metric) {
	desc := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "lock_holders"),
		"The current number of access lock holders.",
		[]string{"mode"}, nil,
	)

	var unique float64
	if al.isUniqueLocked() {
		unique = 1
	}

	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(al.shared.Load()), Shared.String())
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, unique, Unique.String())

	al.waits.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*accessLock)(nil)
)
