// Copyright 2015 The Prometheus Authors
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

// The main package for the titan ingest daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titanlog/titan/internal/config"
	"github.com/titanlog/titan/internal/supervisor"
)

func main() {
	var (
		configFile    = kingpin.Flag("config.file", "titan configuration file path.").Default("titan.yml").String()
		metricsAddr   = kingpin.Flag("web.listen-address", "Address to listen on for /metrics and /healthz.").Default(":9090").String()
		logLevelFlag  = kingpin.Flag("log.level", "Minimum log level (debug, info, warn, error).").Default("info").String()
	)
	kingpin.Version("titand")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := newLogger(*logLevelFlag)

	cfg, err := config.Load(*configFile)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load config, falling back to defaults", "err", err)
		cfg = config.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	if cfg.Server != config.ServerInjest && cfg.Server != config.ServerAll {
		level.Info(logger).Log("msg", "server mode does not start the ingest pipeline", "mode", cfg.Server)
		runMetricsOnly(logger, reg, *metricsAddr, nil)
		return
	}

	sup, err := supervisor.New(cfg, logger, reg, nil)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build supervisor", "err", err)
		os.Exit(1)
	}

	ready := &readiness{writerPoisoned: sup.WriterPoisoned}
	runMetricsOnly(logger, reg, *metricsAddr, ready)

	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				<-term
				level.Warn(logger).Log("msg", "received termination signal, shutting down")
				return nil
			},
			func(error) { cancel() },
		)
	}
	{
		g.Add(
			func() error {
				ready.setReady(true)
				return sup.Serve(ctx)
			},
			func(error) {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer shutdownCancel()
				if err := sup.Shutdown(shutdownCtx); err != nil {
					level.Error(logger).Log("msg", "error during shutdown", "err", err)
				}
				cancel()
			},
		)
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
		os.Exit(1)
	}
}

func newLogger(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var lvl level.Option
	switch levelName {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		lvl = level.AllowInfo()
	}
	return level.NewFilter(logger, lvl)
}

// readiness backs the /healthz handler's "supervisor started" and "WAL
// writer not poisoned" checks (original_source/src/api/http/health.rs,
// spec §9 supplemented feature). writerPoisoned is nil in metrics-only
// server mode, where there is no supervisor to ask.
type readiness struct {
	ready          bool
	writerPoisoned func() bool
}

func (r *readiness) setReady(v bool) { r.ready = v }

func runMetricsOnly(logger log.Logger, reg *prometheus.Registry, addr string, ready *readiness) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready.ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "starting")
			return
		}
		if ready != nil && ready.writerPoisoned != nil && ready.writerPoisoned() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "wal writer poisoned")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			level.Error(logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()
}

const shutdownTimeout = 10 * time.Second
