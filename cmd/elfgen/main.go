// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/yaml.v3"

	"github.com/parca-dev/elfgen/flags"
	"github.com/parca-dev/elfgen/pkg/build"
	"github.com/parca-dev/elfgen/pkg/buildinfo"
	"github.com/parca-dev/elfgen/pkg/config"
	"github.com/parca-dev/elfgen/pkg/inspect"
	"github.com/parca-dev/elfgen/pkg/logger"
	"github.com/parca-dev/elfgen/pkg/tracer"
)

const shutdownTimeout = 5 * time.Second

func main() {
	f, command, err := flags.Parse(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "elfgen")

	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	if info, err := buildinfo.Fetch(); err == nil {
		level.Debug(logger).Log(append([]interface{}{"msg", "elfgen initialized"}, info.Keyvals()...)...)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	os.Exit(int(run(logger, reg, f, command)))
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags, command string) flags.ExitCode {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch command {
	case flags.CommandBuild:
		tp, err := tracer.NewProvider(ctx, logger, tracer.Config{
			Exporter:      tracer.ExporterType(f.OTLP.Exporter),
			Endpoint:      f.OTLP.Address,
			Insecure:      f.OTLP.Insecure,
			SamplingRatio: f.OTLP.SamplingRatio,
		})
		if err != nil {
			return flags.Failure(logger, "failed to create tracer provider: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				level.Warn(logger).Log("msg", "failed to flush traces", "err", err)
			}
		}()

		opts := []build.Option{build.WithWorkers(f.Build.Workers)}
		if f.Build.Strict {
			opts = append(opts, build.WithStrict())
		}
		b := build.New(logger, reg, tp.Tracer(tracer.ServiceName), opts...)

		if err := runBuild(ctx, logger, reg, b, f); err != nil {
			level.Error(logger).Log("err", err)
			return flags.ExitFailure
		}
		return flags.ExitSuccess

	case flags.CommandInspect:
		if err := runInspect(f.Inspect); err != nil {
			level.Error(logger).Log("err", err)
			return flags.ExitFailure
		}
		return flags.ExitSuccess

	default:
		return flags.ParseError(logger, "Unknown command %q", command)
	}
}

func runBuild(ctx context.Context, logger log.Logger, reg *prometheus.Registry, b *build.Builder, f flags.Flags) error {
	cfg, err := config.LoadFile(f.Build.Manifest)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := writeImage(ctx, logger, b, cfg, f.Build.Output); err != nil {
		return err
	}
	if !f.Build.Watch {
		return nil
	}

	figure.NewFigure("elfgen", "roman", true).Print()

	var g okrun.Group

	if f.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      otelhttp.NewHandler(mux, "http"),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server")
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(error) {
			srv.Close()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		reloaders := []config.ComponentReloader{
			{
				Name: "image",
				Reloader: func(cfg *config.Config) error {
					return writeImage(ctx, logger, b, cfg, f.Build.Output)
				},
			},
		}

		cfgReloader, err := config.NewConfigReloader(logger, reg, f.Build.Manifest, reloaders)
		if err != nil {
			return fmt.Errorf("failed to instantiate manifest reloader: %w", err)
		}

		g.Add(
			func() error {
				level.Debug(logger).Log("msg", "starting: manifest reloader")
				defer level.Debug(logger).Log("msg", "stopped: manifest reloader")

				var err error
				runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(ctx context.Context) {
					err = cfgReloader.Run(ctx)
				})
				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	level.Info(logger).Log("msg", "watching manifest", "manifest", f.Build.Manifest)
	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))

	var se okrun.SignalError
	if err := g.Run(); err != nil && !errors.As(err, &se) {
		return err
	}
	return nil
}

func runInspect(f flags.FlagsInspect) error {
	report, err := inspect.Open(f.File)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to print report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if f.CompilerConstraint == "" {
		return nil
	}
	ok, err := report.Compiler.Satisfies(f.CompilerConstraint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("compiler %s %s does not satisfy %q", report.Compiler.Name, versionString(report.Compiler), f.CompilerConstraint)
	}
	return nil
}

func versionString(c inspect.Compiler) string {
	if c.Version == nil {
		return "(unknown version)"
	}
	return c.Version.String()
}
