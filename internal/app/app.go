// Package app wires up and runs a full trace session against a device.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powerlab/etrace/internal/adb"
	"github.com/powerlab/etrace/internal/config"
	"github.com/powerlab/etrace/internal/correlate"
	"github.com/powerlab/etrace/internal/httpserver"
	"github.com/powerlab/etrace/internal/metrics"
	"github.com/powerlab/etrace/internal/optimize"
	"github.com/powerlab/etrace/internal/pidscan"
	"github.com/powerlab/etrace/internal/tracer"
)

const shutdownTimeout = 10 * time.Second

// Result summarises a completed trace run.
type Result struct {
	Artifacts   tracer.Artifacts
	ResultsPath string
	DOTPath     string
	Graph       *correlate.Graph
	Identities  []pidscan.Identity
}

// Connect discovers devices and returns an open command channel to the
// selected one.
func Connect(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*adb.ADB, adb.Device, error) {
	devices, err := adb.Discover(ctx, cfg.ADB.Binary, baseLogger.With("component", "adb_discovery"))
	if err != nil {
		return nil, adb.Device{}, fmt.Errorf("discover devices: %w", err)
	}

	device, err := adb.PickDevice(devices, cfg.ADB.Serial)
	if err != nil {
		return nil, adb.Device{}, err
	}

	channel := adb.New(cfg.ADB.Binary, device.Serial, cfg.ADB.CommandTimeout, baseLogger.With("component", "adb"))
	return channel, device, nil
}

// Run bootstraps the application lifecycle: connect, resolve the target
// process, capture a trace with live monitoring, then correlate the
// artifacts into results.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, progress func(elapsed, total time.Duration)) (*Result, error) {
	appLogger := baseLogger.With("component", "app")

	if err := cfg.ValidateRun(); err != nil {
		return nil, err
	}

	channel, device, err := Connect(ctx, cfg, baseLogger)
	if err != nil {
		return nil, err
	}
	appLogger.Info("device selected", "serial", device.Serial, "model", device.Model)

	clock := metrics.NewDeviceClock(channel)
	sampler, err := metrics.NewSampler(ctx, channel, clock, baseLogger.With("component", "sampler"))
	if err != nil {
		return nil, fmt.Errorf("init sampler: %w", err)
	}

	resolver := pidscan.NewResolver(channel, baseLogger)
	main, err := resolver.ResolveMain(ctx, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.App, err)
	}
	threads, err := resolver.ResolveAll(ctx, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("resolve threads of %s: %w", cfg.App, err)
	}
	identities := append([]pidscan.Identity{main}, threads...)
	appLogger.Info("resolved target", "pid", main.PID, "threads", len(threads))

	// Baseline snapshot before tracing perturbs the device.
	baseline, err := sampler.Sample(ctx)
	if err != nil {
		return nil, fmt.Errorf("baseline sample: %w", err)
	}
	snapshots := []metrics.Snapshot{baseline}

	session := tracer.NewSession(channel, clock, tracer.Config{
		App:             cfg.App,
		Events:          cfg.Events,
		Tracer:          cfg.Tracer,
		Duration:        cfg.Duration,
		Preamble:        cfg.Preamble,
		SkipClear:       cfg.SkipClear,
		TracingRoot:     cfg.Device.TracingRoot,
		SysLoggerScript: cfg.Device.SysLoggerScript,
		TraceDat:        cfg.Device.TraceDat,
		TraceReport:     cfg.Device.TraceReport,
		BinderLog:       cfg.Device.BinderLog,
		ResultsDir:      cfg.ResultsDir,
		BufferTargetKB:  cfg.Device.BufferTargetKB,
		BufferStepKB:    cfg.Device.BufferStepKB,
		PollInterval:    cfg.Device.PollInterval,
		SettleDelay:     cfg.Device.SettleDelay,
	}, baseLogger.With("component", "tracer"))
	session.Progress = progress

	var monitor *metrics.Monitor
	if cfg.Monitor.Enable {
		monitor, err = metrics.NewMonitor(cfg.Monitor.Interval, sampler, baseLogger.With("component", "monitor"))
		if err != nil {
			return nil, fmt.Errorf("init monitor: %w", err)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	group, groupCtx := errgroup.WithContext(runCtx)

	collected := make(chan []metrics.Snapshot, 1)
	if monitor != nil {
		group.Go(func() error {
			err := monitor.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})

		statsCh, unsubscribe := monitor.Subscribe()
		go func() {
			defer unsubscribe()
			var buf []metrics.Snapshot
			for snapshot := range statsCh {
				buf = append(buf, snapshot)
			}
			collected <- buf
		}()
	} else {
		collected <- nil
	}

	if cfg.Server.Enable {
		srv := httpserver.New(cfg.Server, cfg.Monitor.Interval, baseLogger.With("component", "http"), device, monitor,
			func() *tracer.Session { return session })

		group.Go(srv.Start)
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var artifacts tracer.Artifacts
	group.Go(func() error {
		defer cancelRun()
		var err error
		artifacts, err = session.Run(groupCtx)
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapshots = append(snapshots, <-collected...)

	result, err := buildResults(cfg, appLogger, artifacts, snapshots, identities)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// buildResults correlates the pulled trace report against the metric
// snapshots and resolved identities, annotates the graph and writes the
// result files.
func buildResults(cfg config.Config, logger *slog.Logger, artifacts tracer.Artifacts, snapshots []metrics.Snapshot, identities []pidscan.Identity) (*Result, error) {
	events, err := correlate.LoadReport(artifacts.Report)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	graph, err := correlate.Correlate(events, snapshots, identities, correlate.Options{
		Preamble:  cfg.Preamble,
		MaxEvents: cfg.MaxEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("correlate: %w", err)
	}

	graph.Annotate(optimize.NewAnnotator())

	annotated := 0
	for _, node := range graph.Nodes {
		if node.Info.Annotated() {
			annotated++
		}
	}
	logger.Info("trace correlated",
		"events", graph.TotalEvents,
		"nodes", len(graph.Nodes),
		"trimmed", graph.TrimmedEvents,
		"capped", graph.CappedEvents,
		"annotated", annotated,
	)

	result := &Result{
		Artifacts:   artifacts,
		ResultsPath: filepath.Join(cfg.ResultsDir, cfg.App+"_results.csv"),
		Graph:       graph,
		Identities:  identities,
	}

	if err := correlate.WriteResultsFile(result.ResultsPath, graph); err != nil {
		return nil, fmt.Errorf("write results: %w", err)
	}
	logger.Info("results written", "path", result.ResultsPath)

	if cfg.Draw {
		result.DOTPath = filepath.Join(cfg.ResultsDir, cfg.App+".dot")
		if err := correlate.WriteDOTFile(result.DOTPath, graph, cfg.Subgraph); err != nil {
			return nil, fmt.Errorf("write graph: %w", err)
		}
		logger.Info("graph written", "path", result.DOTPath)
	}

	return result, nil
}
