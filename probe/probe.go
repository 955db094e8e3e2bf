// Package probe turns function entries and exits of a Go program into trace
// events. It extracts every field up front, so the recorder never sees a
// live frame.
//
//	p := probe.New(rec)
//	func work() {
//		defer p.Enter()()
//		...
//	}
package probe

import (
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"calltrace/event"
	"calltrace/logger"
	"calltrace/recorder"

	"golang.org/x/time/rate"
)

// Sink receives finished events. *recorder.Recorder satisfies it.
type Sink interface {
	Record(e event.Event) error
}

// Frame is the symbolic location of one stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// ThreadMode selects what the tid field identifies.
type ThreadMode string

const (
	// ThreadGoroutine uses the goroutine id, which keeps begin/end pairs on
	// one track even when the scheduler moves goroutines between threads.
	ThreadGoroutine ThreadMode = "goroutine"
	// ThreadOS uses the kernel thread id where the platform exposes one.
	ThreadOS ThreadMode = "os"
)

// Option configures a Probe.
type Option func(*Probe)

// WithThreadMode selects goroutine or OS thread ids.
func WithThreadMode(mode ThreadMode) Option {
	return func(p *Probe) {
		if mode == ThreadOS {
			p.threadID = osThreadID
		} else {
			p.threadID = goroutineID
		}
	}
}

// WithPID overrides the process id stamped on events.
func WithPID(pid int) Option {
	return func(p *Probe) { p.pid = pid }
}

// WithFilter restricts tracing to functions the filter allows.
func WithFilter(f *Filter) Option {
	return func(p *Probe) { p.filter = f }
}

// WithErrorInterval limits how often record failures are logged.
func WithErrorInterval(d time.Duration) Option {
	return func(p *Probe) { p.errLimiter = rate.NewLimiter(rate.Every(d), 1) }
}

// Probe builds events for a sink. Record errors never reach the traced
// program: they are counted and logged at a bounded rate.
type Probe struct {
	sink       Sink
	pid        int
	threadID   func() int
	filter     *Filter
	errLimiter *rate.Limiter

	dropped atomic.Int64
	failed  atomic.Int64
}

// New returns a probe feeding sink.
func New(sink Sink, opts ...Option) *Probe {
	p := &Probe{
		sink:       sink,
		pid:        os.Getpid(),
		threadID:   goroutineID,
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enter records a call into the function that invoked it and returns the
// func that records the matching return. Calls from a goroutine's entry
// point have no caller frame and record nothing.
func (p *Probe) Enter() func() {
	fn, caller, ok := callerFrames(3)
	if !ok || !p.filter.Allow(fn.Function) {
		return func() {}
	}
	call := p.build(event.Call, fn, caller)
	p.record(call)

	return func() {
		ret := call
		ret.Kind = event.Return
		ret.TimestampUS = event.NowUS()
		// line at the moment the deferred exit runs
		if at, _, ok := callerFrames(3); ok && at.Function == fn.Function {
			ret.FunctionLine = at.Line
		}
		p.record(ret)
	}
}

// Notify handles a notification delivered by name, the way interpreter
// hooks report them. Only "call" and "return" are traced, and only when a
// caller frame is present.
func (p *Probe) Notify(kind string, fn Frame, caller *Frame) error {
	k, err := event.ParseKind(kind)
	if err != nil {
		return nil
	}
	if caller == nil || caller.File == "" || !p.filter.Allow(fn.Function) {
		return nil
	}
	return p.sink.Record(p.build(k, fn, *caller))
}

// Dropped returns how many events arrived after the sink was closed.
func (p *Probe) Dropped() int64 {
	return p.dropped.Load()
}

// Failed returns how many events the sink rejected with an error.
func (p *Probe) Failed() int64 {
	return p.failed.Load()
}

func (p *Probe) build(kind event.Kind, fn, caller Frame) event.Event {
	return event.New(kind, fn.Function, fn.File, fn.Line, caller.File, caller.Line,
		event.NowUS(), p.pid, p.threadID())
}

func (p *Probe) record(e event.Event) {
	err := p.sink.Record(e)
	if err == nil {
		return
	}
	if errors.Is(err, recorder.ErrClosed) {
		p.dropped.Add(1)
		return
	}
	p.failed.Add(1)
	if p.errLimiter.Allow() {
		logger.Warnf("Trace record failed for %s: %v", e.FunctionName, err)
	}
}

// callerFrames returns the frame skip levels up and the frame that called
// it. ok is false when there is no calling frame or it is the goroutine
// entry trampoline.
func callerFrames(skip int) (fn, caller Frame, ok bool) {
	var pcs [2]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n < 2 {
		return Frame{}, Frame{}, false
	}
	frames := runtime.CallersFrames(pcs[:n])
	f, more := frames.Next()
	if !more {
		return Frame{}, Frame{}, false
	}
	c, _ := frames.Next()
	if c.Function == "" || c.Function == "runtime.goexit" {
		return Frame{}, Frame{}, false
	}
	return Frame{Function: f.Function, File: f.File, Line: f.Line},
		Frame{Function: c.Function, File: c.File, Line: c.Line}, true
}
