package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"calltrace/config"
	"calltrace/diag"
	"calltrace/logger"
	"calltrace/probe"
	"calltrace/recorder"
	"calltrace/systeminfo"
	"calltrace/tracefile"
	"calltrace/tracing"
	"calltrace/version"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)

	if cfg.VerifyFile != "" {
		doc, err := verifyTrace(cfg.VerifyFile, cfg.Repair)
		if err != nil {
			logger.Errorf("Verification of %s failed: %v", cfg.VerifyFile, err)
			os.Exit(1)
		}
		if doc.Truncated {
			logger.Warnf("%s is truncated; rerun with -repair to seal it", cfg.VerifyFile)
			os.Exit(2)
		}
		return
	}

	runtimeTrace := strings.TrimSuffix(cfg.OutputFileName, ".json") + ".runtime.out"
	if err := tracing.Start(runtimeTrace); err != nil {
		logger.Warnf("Failed to start runtime trace: %v", err)
	} else {
		defer tracing.Stop()
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	if err := run(cfg); err != nil {
		logger.Errorf("Tracing failed: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	host := systeminfo.Host()
	logger.WithFields(map[string]interface{}{
		"version":  version.Version,
		"host":     host.Hostname,
		"os":       host.OSVersion,
		"cpus":     host.NumCPU,
		"workload": cfg.Workload,
	}).Info("Starting trace session")

	filter, err := probe.NewFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return err
	}
	rec, err := recorder.Open(cfg.OutputFileName, recorderOptions(cfg))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go handleSignalEvent(ctx, cancel, rec, cfg.TraceFlight, cfg.TraceFlightFile, sigChan)

	var dumpFlight func(string) error
	if cfg.TraceFlight {
		dumpFlight = tracing.WriteFlightRecorder
	}
	watchdog := diag.NewController(diag.Options{
		StallThreshold:     cfg.DiagStallThreshold,
		Dir:                cfg.DiagDir,
		GoroutineLeak:      cfg.DiagGoroutineLeak,
		ProgressCountFn:    rec.Events,
		SyncFn:             rec.Sync,
		DumpFlightRecorder: dumpFlight,
	})
	watchdog.Start(ctx)

	p := probe.New(rec,
		probe.WithThreadMode(probe.ThreadMode(cfg.ThreadID)),
		probe.WithFilter(filter),
	)
	w := newWorkload(p, cfg)
	start := time.Now()
	runErr := w.run(ctx)
	watchdog.Close()

	closeErr := rec.Close()
	if errors.Is(closeErr, recorder.ErrClosed) {
		// sealed by the signal handler
		closeErr = nil
	}

	stats := rec.Stats()
	fields := map[string]interface{}{
		"path":     rec.Path(),
		"events":   stats.Events,
		"calls":    stats.Calls,
		"returns":  stats.Returns,
		"skipped":  stats.Skipped,
		"bytes":    stats.Bytes,
		"dropped":  p.Dropped(),
		"failed":   p.Failed(),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}
	if stats.Digest != "" {
		fields["digest"] = stats.Digest
	}
	logger.WithFields(fields).Info("Trace written")

	return errors.Join(runErr, closeErr)
}

func recorderOptions(cfg *config.Config) recorder.Options {
	opts := recorder.Options{
		SyncEvery:    cfg.SyncEvery,
		SyncInterval: cfg.SyncInterval,
		Checksum:     cfg.Checksum,
		Export: recorder.ExportOptions{
			Endpoint:     cfg.OtelEndpoint,
			FromEnv:      cfg.OtelFromEnv,
			Headers:      cfg.OtelHeaders,
			ServiceName:  cfg.OtelServiceName,
			Timeout:      cfg.OtelTimeout,
			IncludePaths: cfg.OtelExportPaths,
		},
	}
	if self, err := systeminfo.Self(); err != nil {
		logger.Debugf("Process identity unavailable: %v", err)
	} else {
		opts.Export.ProcessPID = int(self.PID)
		opts.Export.ProcessName = self.Name
		opts.Export.Executable = self.Exe
	}
	return opts
}

// verifyTrace loads path, sealing it first when repair is set, and checks
// the recorder's ordering guarantees.
func verifyTrace(path string, repair bool) (*tracefile.Document, error) {
	var (
		doc *tracefile.Document
		err error
	)
	if repair {
		doc, err = tracefile.Repair(path)
	} else {
		doc, err = tracefile.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := doc.Check(); err != nil {
		return doc, err
	}
	s := doc.Summarize()
	logger.WithFields(map[string]interface{}{
		"path":      path,
		"items":     s.Items,
		"begins":    s.Begins,
		"ends":      s.Ends,
		"threads":   s.Threads,
		"sealed":    doc.Sealed,
		"truncated": doc.Truncated,
	}).Info("Trace verified")
	return doc, nil
}

// handleSignalEvent seals the trace on the first signal so an interrupted
// run still leaves a loadable document.
func handleSignalEvent(ctx context.Context, cancelFunc context.CancelFunc, rec io.Closer, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	select {
	case <-ctx.Done():
		return
	case <-sigChan:
	}
	logger.Info("Interrupt signal received. Sealing trace...")

	if err := rec.Close(); err != nil && !errors.Is(err, recorder.ErrClosed) {
		logger.Errorf("Failed to seal trace: %v", err)
	}

	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
		tracing.StopFlightRecorder()
	}

	cancelFunc()
}
