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

package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestFuncCall(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context) int {
		defer FuncCall(ctx)()
		return 42
	}

	assert.Equal(t, 42, f(context.Background()))
}

func TestTracer(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	_, span := tp.Tracer(instrumentationName+"/test").Start(context.Background(), "test")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "test", spans[0].Name)
	assert.Equal(t, instrumentationName+"/test", spans[0].InstrumentationLibrary.Name)

	assert.NotNil(t, Tracer("test"))
}

// TestSetupOtel must not be parallel as it changes the global tracer provider.
func TestSetupOtel(t *testing.T) {
	shutdown, err := SetupOtel("lmsd", "")
	require.NoError(t, err)
	assert.Nil(t, shutdown)

	shutdown, err = SetupOtel("lmsd", "127.0.0.1:4318")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	require.NoError(t, shutdown(context.Background()))
}
