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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

// TestTracing must not be parallel as it changes the global tracer provider.
func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	ctx, db := setup(t, 2)
	s := db.Session(NewWorker("traced"))

	require.NoError(t, s.InUniqueTransaction(ctx, func(tx *WriteTx) error {
		return insertTrack(ctx, tx, "traced")
	}))

	require.NoError(t, s.Vacuum(ctx))

	names := make(map[string]int)
	var transaction sdktrace.ReadOnlySpan

	for _, span := range sr.Ended() {
		names[span.Name()]++

		if span.Name() == "unique transaction" {
			transaction = span
		}
	}

	assert.Positive(t, names["migration"])
	assert.Equal(t, 2, names["migration step"])
	assert.Equal(t, 1, names["index creation"])
	assert.Equal(t, 1, names["vacuum"])
	assert.Positive(t, names["commit"])

	require.NotNil(t, transaction)
	assert.Contains(t, transaction.Attributes(), attribute.String("lms.session", s.ID().String()))
	assert.Contains(t, transaction.Attributes(), attribute.String("lms.worker", "traced"))
}
