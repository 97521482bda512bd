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

// Package main contains lmsd, the media library database daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lms-server/lms/build/version"
	"github.com/lms-server/lms/internal/db"
	"github.com/lms-server/lms/internal/db/pool"
	"github.com/lms-server/lms/internal/util/ctxutil"
	"github.com/lms-server/lms/internal/util/debug"
	"github.com/lms-server/lms/internal/util/devbuild"
	"github.com/lms-server/lms/internal/util/logging"
	"github.com/lms-server/lms/internal/util/must"
	"github.com/lms-server/lms/internal/util/observability"
)

// cliFlags represents all command-line flags.
//
// Keep order in sync with documentation.
//
//nolint:lll // some tags are long
type cliFlags struct {
	Version bool `default:"false" help:"Print version to stdout and exit." env:"-"`

	DB struct {
		Path          string        `default:"data/lms.db" help:"Database file path."`
		Connections   int           `default:"10"          help:"Connection pool size."`
		PoolTimeout   time.Duration `default:"30s"         help:"Maximum time to wait for a pooled connection."`
		BusyTimeout   time.Duration `default:"5s"          help:"Maximum time SQLite waits for a locked database file."`
		JournalMode   string        `default:"WAL"         help:"SQLite journal mode."                                enum:"WAL,DELETE,TRUNCATE"`
		Synchronous   string        `default:"NORMAL"      help:"SQLite synchronous mode."                            enum:"OFF,NORMAL,FULL,EXTRA"`
		AnalysisLimit int           `default:"1000"        help:"Rows examined per index by analyze; 0 means all."`
	} `embed:"" prefix:"db-"`

	Vacuum   bool `default:"false" help:"Vacuum the database on startup, even if not needed."`
	Analyze  bool `default:"false" help:"Analyze the database on startup."`
	Optimize bool `default:"true"  help:"Optimize the database on shutdown." negatable:""`

	StatsInterval time.Duration `default:"1m" help:"Interval between library statistics refreshes; 0 disables them."`

	DebugAddr    string `default:"127.0.0.1:8089" help:"Listen address for HTTP handlers for metrics, pprof, etc."`
	OTLPEndpoint string `default:""               help:"OTLP/HTTP endpoint (host:port) for traces; disabled if empty." name:"otlp-endpoint"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}" enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`
}

// cli stores parsed command-line flags.
var cli cliFlags

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format": strings.Join(logging.Formats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("LMSD"),
	}
)

func main() {
	kong.Parse(&cli, kongOptions...)

	run()
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if devbuild.Enabled {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// setupMetrics returns Prometheus registry with process and runtime metrics.
func setupMetrics() *prometheus.Registry {
	r := prometheus.NewRegistry()

	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// setupLogger setups zap logger.
func setupLogger(format string) *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.String("package", info.Package),
		zap.Bool("devBuild", info.DevBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	logging.Setup(level, format)
	l := zap.L()

	l.Info("Starting lmsd "+info.Version+"...", startupFields...)

	if devbuild.Enabled {
		l.Info("This is development build. The performance will be affected.")
	}

	return l
}

// openParams returns database parameters from flags.
func openParams(l *zap.Logger) *db.OpenParams {
	return &db.OpenParams{
		Path:        cli.DB.Path,
		Connections: cli.DB.Connections,
		PoolTimeout: cli.DB.PoolTimeout,
		Pragmas: pool.Pragmas{
			JournalMode:   cli.DB.JournalMode,
			Synchronous:   cli.DB.Synchronous,
			AnalysisLimit: cli.DB.AnalysisLimit,
			BusyTimeout:   cli.DB.BusyTimeout,
		},
		L: l,
	}
}

// startupMaintenance vacuums and analyzes the database as requested by flags.
func startupMaintenance(ctx context.Context, s *db.Session) error {
	if cli.Vacuum {
		if err := s.Vacuum(ctx); err != nil {
			return err
		}
	} else {
		if _, err := s.VacuumIfNeeded(ctx); err != nil {
			return err
		}
	}

	if cli.Analyze {
		if err := s.Analyze(ctx); err != nil {
			return err
		}
	}

	return nil
}

// runStats refreshes library statistics until ctx is canceled.
func runStats(ctx context.Context, d *db.DB, interval time.Duration, l *zap.Logger) {
	s := d.Session(db.NewWorker("stats"))

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		stats, err := s.RefreshStats(ctx)
		if err != nil {
			l.Warn("Failed to refresh statistics.", zap.Error(err))
		} else {
			l.Debug("Statistics refreshed.", zap.Any("rows", stats))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics(g prometheus.Gatherer) {
	mfs := must.NotFail(g.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}

// run sets up environment based on provided flags and runs lmsd.
func run() {
	// to increase a chance of resource finalizers to spot problems
	if devbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	info := version.Get()

	if cli.Version {
		fmt.Fprintln(os.Stdout, "version:", info.Version)
		fmt.Fprintln(os.Stdout, "commit:", info.Commit)
		fmt.Fprintln(os.Stdout, "dirty:", info.Dirty)
		fmt.Fprintln(os.Stdout, "package:", info.Package)
		fmt.Fprintln(os.Stdout, "devBuild:", info.DevBuild)

		return
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	registry := setupMetrics()

	logger := setupLogger(cli.Log.Format)

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdownOtel, err := observability.SetupOtel("lmsd", cli.OTLPEndpoint)
	if err != nil {
		logger.Sugar().Fatalf("Failed to set up tracing: %s.", err)
	}

	if shutdownOtel != nil {
		defer func() {
			if err := shutdownOtel(context.Background()); err != nil {
				logger.Warn("Failed to shut down tracing.", zap.Error(err))
			}
		}()
	}

	ctx, stop := ctxutil.SigTerm(context.Background())

	go func() {
		<-ctx.Done()
		logger.Info("Stopping...")
		stop()
	}()

	var wg sync.WaitGroup

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		wg.Add(1)

		go func() {
			defer wg.Done()
			debug.RunHandler(ctx, cli.DebugAddr, registry, registry, logger.Named("debug"))
		}()
	}

	d, err := db.Open(ctx, openParams(logger.Named("db")))
	if err != nil {
		logger.Sugar().Fatalf("Failed to open database: %s.", err)
	}

	registry.MustRegister(d)

	s := d.Session(db.NewWorker("main"))

	if err = startupMaintenance(ctx, s); err != nil {
		logger.Sugar().Fatalf("Database maintenance failed: %s.", err)
	}

	if cli.StatsInterval > 0 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			runStats(ctx, d, cli.StatsInterval, logger.Named("stats"))
		}()
	}

	logger.Info("Database is ready.", zap.String("path", d.Path()))

	<-ctx.Done()

	wg.Wait()

	if cli.Optimize {
		if err = s.Optimize(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to optimize database.", zap.Error(err))
		}
	}

	d.Close()

	logger.Info("Database closed.")

	if info.DevBuild {
		dumpMetrics(registry)
	}
}
