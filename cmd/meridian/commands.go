// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/pkg/logging"
	"github.com/AleutianAI/meridian/services/build/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	workspace     string
	verbose       bool
	logJSON       bool
	logDir        string
	metricsAddr   string
	traceExporter string
}

// app holds the process wide state of one CLI invocation.
type app struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer

	logger   *logging.Logger
	shutdown func(context.Context) error
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()

	if err != nil {
		var ee *ExitError
		if !errors.As(err, &ee) || ee.Err != nil {
			fmt.Fprintln(stderr, "Error:", err)
		}
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "meridian",
		Short:         "Build orchestrator for monorepos",
		Long:          "Meridian computes the project graph of a workspace, finds the projects affected by a change, and runs their targets in dependency order with caching.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.opts.workspace, "workspace", "w", "", "workspace root (default: nearest directory holding meridian.yaml)")
	pf.BoolVarP(&a.opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&a.opts.logJSON, "log-json", false, "write logs to stderr as JSON")
	pf.StringVar(&a.opts.logDir, "log-dir", "", "also write JSON logs to this directory")
	pf.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	pf.StringVar(&a.opts.traceExporter, "trace-exporter", "", "trace exporter: otlp, stdout or none (default: $OTEL_TRACES_EXPORTER)")

	root.AddCommand(
		newRunCmd(a),
		newAffectedCmd(a),
		newGraphCmd(a),
		newShowCmd(a),
		newHashCmd(a),
		newCacheCmd(a),
		newResetCmd(a),
		newHistoryCmd(a),
		newWatchCmd(a),
	)
	return root
}

// setup creates the logger and installs telemetry providers.
func (a *app) setup(ctx context.Context) error {
	level := logging.LevelInfo
	if a.opts.verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  a.opts.logDir,
		Service: "meridian",
		JSON:    a.opts.logJSON,
		Writer:  a.stderr,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger.Slog())

	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logger = logger.Slog()
	if a.opts.traceExporter != "" {
		cfg.TraceExporter = a.opts.traceExporter
	}
	if a.opts.metricsAddr != "" {
		cfg.MetricExporter = telemetry.ExporterPrometheus
		cfg.MetricsAddr = a.opts.metricsAddr
	}
	shutdown, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
		cancel()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}
