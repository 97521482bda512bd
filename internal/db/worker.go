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

import "context"

// Worker represents a single goroutine doing database work.
//
// It owns that goroutine's Sessions (one per DB) and, in development builds,
// the stack of its open transactions.
// Worker is not safe for concurrent use.
type Worker struct {
	name     string
	sessions map[*DB]*Session
	checker  checker
}

// NewWorker returns a new Worker with the given name used in logs.
func NewWorker(name string) *Worker {
	return &Worker{
		name:     name,
		sessions: make(map[*DB]*Session),
	}
}

// Name returns the Worker's name.
func (w *Worker) Name() string {
	return w.name
}

// workerKey is a context key for Worker.
type workerKey struct{}

// WithWorker returns a derived context carrying the given Worker.
func WithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// WorkerFromContext returns the Worker carried by ctx, if any.
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerKey{}).(*Worker)
	return w, ok
}
