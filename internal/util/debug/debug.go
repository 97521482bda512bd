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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/lms-server/lms/internal/util/must"
)

// handlers lists custom and stdlib handlers with their descriptions.
var handlers = map[string]string{
	"/debug/graphs":  "Visualize metrics",
	"/debug/metrics": "Metrics in Prometheus format",
	"/debug/vars":    "Expvar package metrics",
	"/debug/pprof/":  "Runtime profiling data for pprof",
}

// Handler returns the debug HTTP handler exposing metrics gathered from g.
func Handler(r prometheus.Registerer, g prometheus.Gatherer, l *zap.Logger) (http.Handler, error) {
	stdL, err := zap.NewStdLogAt(l, zap.WarnLevel)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		r, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          r,
			EnableOpenMetrics: true,
		}),
	))

	if err = statsviz.Register(mux, statsviz.Root("/debug/graphs")); err != nil {
		return nil, fmt.Errorf("registering statsviz: %w", err)
	}

	mux.Handle("/debug/vars", expvar.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	return mux, nil
}

// RunHandler runs debug handler until ctx is canceled.
func RunHandler(ctx context.Context, addr string, r prometheus.Registerer, g prometheus.Gatherer, l *zap.Logger) {
	h, err := Handler(r, g, l)
	if err != nil {
		l.Sugar().Errorf("Failed to create debug handler: %s.", err)
		return
	}

	s := http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		l.Sugar().Errorf("Failed to listen on %s: %s.", addr, err)
		return
	}

	go func() {
		root := fmt.Sprintf("http://%s", lis.Addr())

		l.Sugar().Infof("Starting debug server on %s ...", root)

		paths := maps.Keys(handlers)
		slices.Sort(paths)

		for _, path := range paths {
			l.Sugar().Infof("%s%s - %s", root, path, handlers[path])
		}

		if err := s.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			l.Sugar().Errorf("Debug server stopped: %s.", err)
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx) //nolint:contextcheck // use new context for cancellation

	l.Sugar().Info("Debug server stopped.")
}
