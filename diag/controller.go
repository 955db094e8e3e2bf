// Package diag watches a recording session for stalls. When no event has
// been recorded for longer than the threshold it makes the trace durable
// and leaves artifacts describing where the program was stuck.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"calltrace/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Options configures stall detection and what gets dumped when one fires.
type Options struct {
	StallThreshold time.Duration
	Dir            string
	GoroutineLeak  bool
	// ProgressCountFn reports the number of events recorded so far.
	ProgressCountFn func() int64
	// SyncFn flushes the trace so its prefix survives a kill.
	SyncFn             func() error
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

// StallReport is written as calltrace-stall-<ts>.json.
type StallReport struct {
	Event       string `json:"event"`
	Timestamp   string `json:"timestamp"`
	Events      int64  `json:"events_recorded"`
	ThresholdMS int64  `json:"threshold_ms"`
	StalledMS   int64  `json:"observed_stalled_ms"`
	Goroutines  int    `json:"goroutines"`
	Synced      bool   `json:"trace_synced"`
	SyncError   string `json:"sync_error,omitempty"`
	StackFile   string `json:"stack_file,omitempty"`
	FlightFile  string `json:"flight_file,omitempty"`
}

// Controller watches recording progress and writes diagnostics on a stall.
type Controller struct {
	threshold          time.Duration
	dir                string
	goroutineLeak      bool
	progressCountFn    func() int64
	syncFn             func() error
	dumpFlightRecorder func(path string) error
	nowFn              func() time.Time
	profileLookupFn    func(name string) profileWriter

	mu         sync.Mutex
	lastMoveAt time.Time
	lastCount  int64
	lastDumpAt time.Time
	stalls     int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController returns a stopped controller; Start begins polling.
func NewController(opts Options) *Controller {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	return &Controller{
		threshold:          opts.StallThreshold,
		dir:                dir,
		goroutineLeak:      opts.GoroutineLeak,
		progressCountFn:    opts.ProgressCountFn,
		syncFn:             opts.SyncFn,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		nowFn:              nowFn,
		profileLookupFn:    profileLookup,
	}
}

// Start polls progress until ctx ends or Close is called. It is a no-op
// without a threshold or a progress source.
func (c *Controller) Start(ctx context.Context) {
	if c == nil || c.threshold <= 0 || c.progressCountFn == nil || c.stopCh != nil {
		return
	}

	c.mu.Lock()
	c.lastCount = c.progressCountFn()
	c.lastMoveAt = c.nowFn()
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	interval := min(max(c.threshold/2, 50*time.Millisecond), 2*time.Second)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(c.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.check(c.nowFn())
			}
		}
	}()
}

// Close stops the watchdog and, when enabled, writes the goroutine profile
// so leaked instrumented goroutines show up after the session.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
		c.stopCh = nil
		c.doneCh = nil
	}

	if c.goroutineLeak {
		if _, err := c.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

// Stalls returns how many stall reports were written.
func (c *Controller) Stalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalls
}

func (c *Controller) check(now time.Time) {
	if c.progressCountFn == nil || c.threshold <= 0 {
		return
	}
	count := c.progressCountFn()

	c.mu.Lock()
	if count != c.lastCount || c.lastMoveAt.IsZero() {
		c.lastCount = count
		c.lastMoveAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastMoveAt)
	due := stalledFor >= c.threshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= c.threshold)
	if due {
		c.lastDumpAt = now
		c.stalls++
	}
	c.mu.Unlock()

	if !due {
		return
	}
	logger.Warnf("No trace events recorded for %s (%d so far)", stalledFor.Round(time.Millisecond), count)
	if _, err := c.dumpStall(now, count, stalledFor); err != nil {
		logger.Warnf("Diagnostics stall dump failed: %v", err)
	}
}

func (c *Controller) dumpStall(now time.Time, count int64, stalledFor time.Duration) (string, error) {
	report := StallReport{
		Event:       "trace_stalled",
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Events:      count,
		ThresholdMS: c.threshold.Milliseconds(),
		StalledMS:   stalledFor.Milliseconds(),
		Goroutines:  runtime.NumGoroutine(),
	}
	if c.syncFn != nil {
		if err := c.syncFn(); err != nil {
			report.SyncError = err.Error()
		} else {
			report.Synced = true
		}
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	ts := now.UTC().Format("20060102-150405.000")
	if path, err := c.writeProfile("goroutine", 2); err != nil {
		logger.Debugf("Diagnostics stack dump skipped: %v", err)
	} else {
		report.StackFile = filepath.Base(path)
	}
	if c.dumpFlightRecorder != nil {
		tracePath := filepath.Join(c.dir, fmt.Sprintf("calltrace-flight-%s.out", ts))
		if err := c.dumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		} else {
			report.FlightFile = filepath.Base(tracePath)
		}
	}

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.dir, fmt.Sprintf("calltrace-stall-%s.json", ts))
	if err := os.WriteFile(path, b, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	if c.profileLookupFn == nil {
		return "", fmt.Errorf("profile lookup function is nil")
	}
	profile := c.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	ts := c.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(c.dir, fmt.Sprintf("calltrace-%s-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
