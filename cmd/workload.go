package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"calltrace/config"
	"calltrace/probe"
	"calltrace/tracing"

	"github.com/schollz/progressbar/v3"
)

// workload is the instrumented program calltrace records. Every method
// that should appear in the trace starts with defer w.probe.Enter()().
type workload struct {
	probe      *probe.Probe
	kind       string
	depth      int
	goroutines int
	iterations int
	bar        *progressbar.ProgressBar
}

func newWorkload(p *probe.Probe, cfg *config.Config) *workload {
	units := cfg.Iterations
	if cfg.Workload == "fanout" {
		units *= cfg.Goroutines
	}
	return &workload{
		probe:      p,
		kind:       cfg.Workload,
		depth:      cfg.Depth,
		goroutines: cfg.Goroutines,
		iterations: cfg.Iterations,
		bar: progressbar.NewOptions(units,
			progressbar.OptionSetDescription("Tracing "+cfg.Workload),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetVisibility(progressVisible()),
			progressbar.OptionFullWidth(),
		),
	}
}

func (w *workload) run(ctx context.Context) error {
	defer w.bar.Finish()
	for i := 0; i < w.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		taskCtx, endTask := tracing.StartTask(ctx, fmt.Sprintf("%s-%d", w.kind, i))
		switch w.kind {
		case "fanout":
			w.fanout(taskCtx)
		default:
			w.fib(w.depth)
			_ = w.bar.Add(1)
		}
		endTask()
	}
	return ctx.Err()
}

func (w *workload) fib(n int) int {
	defer w.probe.Enter()()
	if n < 2 {
		return n
	}
	return w.fib(n-1) + w.fib(n-2)
}

func (w *workload) fanout(ctx context.Context) {
	defer w.probe.Enter()()
	var wg sync.WaitGroup
	for id := 0; id < w.goroutines; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.worker(ctx, id)
		}()
	}
	wg.Wait()
}

func (w *workload) worker(ctx context.Context, id int) {
	defer w.probe.Enter()()
	defer tracing.StartRegion(ctx, fmt.Sprintf("worker-%d", id))()
	if ctx.Err() == nil {
		w.fib(w.depth / 2)
	}
	_ = w.bar.Add(1)
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("CALLTRACE_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
