// Package recorder streams call/return events into a Trace Event Format
// document. A Recorder writes the opening token when it is created, appends
// one object per Record call and seals the array exactly once on Close, so a
// file cut short by a crash still holds a well formed prefix of items.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"calltrace/event"
	"calltrace/logger"
)

var (
	// ErrSinkUnavailable is returned when the destination cannot be created
	// or the opening token cannot be written.
	ErrSinkUnavailable = errors.New("recorder: sink unavailable")
	// ErrPartialWrite is returned when an item or the closer could not be
	// fully written. The document may be missing its closing token.
	ErrPartialWrite = errors.New("recorder: partial write")
	// ErrClosed is returned by Record and Close after the recorder is closed.
	ErrClosed = errors.New("recorder: closed")
	// ErrInvalidKind is returned for events whose kind is neither call nor return.
	ErrInvalidKind = errors.New("recorder: invalid event kind")
)

const sinkBufferSize = 64 * 1024

// Options tune durability, integrity and export. The zero value writes
// through to the sink on every record and syncs only on Close.
type Options struct {
	// SyncEvery forces an fsync once this many records have accumulated.
	SyncEvery int
	// SyncInterval forces an fsync when this much time has passed since the
	// previous one.
	SyncInterval time.Duration
	// Checksum selects an incremental digest of the document: "",
	// "xxhash", "blake3" or "sha256".
	Checksum string
	Export   ExportOptions
}

// Stats are running counters for one session.
type Stats struct {
	Events  int64  `json:"events"`
	Calls   int64  `json:"calls"`
	Returns int64  `json:"returns"`
	Skipped int64  `json:"skipped"`
	Bytes   int64  `json:"bytes"`
	Digest  string `json:"digest,omitempty"`
}

type syncer interface {
	Sync() error
}

// Recorder is one open trace document. It is safe for concurrent use; each
// item is appended whole before the next one starts.
type Recorder struct {
	mu      sync.Mutex
	path    string
	closer  io.Closer
	syncer  syncer
	buf     *bufio.Writer
	digest  hash.Hash
	scratch []byte
	closed  bool
	lastTS  int64
	opts    Options
	otel    *otelLogger

	recordsSinceSync int
	lastSyncAt       time.Time
	digestHex        string

	events  atomic.Int64
	calls   atomic.Int64
	returns atomic.Int64
	skipped atomic.Int64
	bytes   atomic.Int64
}

// Open creates or truncates the file at path and starts a document in it.
func Open(path string, opts Options) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSinkUnavailable, path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	r, err := newRecorder(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// New starts a document on an arbitrary sink. The sink is synced and closed
// on Close when it supports it.
func New(sink io.Writer, opts Options) (*Recorder, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: nil writer", ErrSinkUnavailable)
	}
	return newRecorder(sink, "", opts)
}

func newRecorder(sink io.Writer, path string, opts Options) (*Recorder, error) {
	digest, err := newDigest(opts.Checksum)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		path:    path,
		digest:  digest,
		opts:    opts,
		scratch: make([]byte, 0, 512),
	}
	if c, ok := sink.(io.Closer); ok {
		r.closer = c
	}
	if s, ok := sink.(syncer); ok {
		r.syncer = s
	}
	w := sink
	if digest != nil {
		w = io.MultiWriter(sink, digest)
	}
	r.buf = bufio.NewWriterSize(w, sinkBufferSize)

	if _, err := r.buf.WriteString(beginCollection); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	if err := r.buf.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	r.bytes.Add(int64(len(beginCollection)))

	otel, err := newOtelLogger(opts.Export)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		r.otel = otel
	}
	return r, nil
}

// Path returns the file backing the recorder, or "" for writer sinks.
func (r *Recorder) Path() string {
	return r.path
}

// Record appends e to the document and flushes it to the sink before
// returning. Events without a caller frame are counted and dropped. A zero
// timestamp is filled in from the wall clock, and timestamps never go
// backwards within a session.
func (r *Recorder) Record(e event.Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, e.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if !e.HasCaller() {
		r.skipped.Add(1)
		return nil
	}
	if e.TimestampUS == 0 {
		e.TimestampUS = event.NowUS()
	}
	if e.TimestampUS < r.lastTS {
		e.TimestampUS = r.lastTS
	}
	r.lastTS = e.TimestampUS

	r.scratch = appendItem(r.scratch[:0], e)
	r.scratch = append(r.scratch, itemDelimiter)
	if _, err := r.buf.Write(r.scratch); err != nil {
		return fmt.Errorf("%w: %w", ErrPartialWrite, err)
	}
	if err := r.buf.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrPartialWrite, err)
	}

	r.bytes.Add(int64(len(r.scratch)))
	r.events.Add(1)
	if e.Kind == event.Call {
		r.calls.Add(1)
	} else {
		r.returns.Add(1)
	}
	r.recordsSinceSync++

	if r.shouldSync(time.Now()) {
		if err := r.syncLocked(); err != nil {
			return fmt.Errorf("%w: %w", ErrPartialWrite, err)
		}
	}

	r.otel.Emit(e)
	return nil
}

// shouldSync applies the fsync policy: the first record, then every
// SyncEvery records or SyncInterval, whichever comes first.
func (r *Recorder) shouldSync(now time.Time) bool {
	if r.opts.SyncEvery <= 0 && r.opts.SyncInterval <= 0 {
		return false
	}
	if r.recordsSinceSync == 0 {
		return false
	}
	if r.lastSyncAt.IsZero() {
		return true
	}
	if r.opts.SyncEvery > 0 && r.recordsSinceSync >= r.opts.SyncEvery {
		return true
	}
	return r.opts.SyncInterval > 0 && now.Sub(r.lastSyncAt) >= r.opts.SyncInterval
}

func (r *Recorder) syncLocked() error {
	if err := r.buf.Flush(); err != nil {
		return err
	}
	r.recordsSinceSync = 0
	r.lastSyncAt = time.Now()
	if r.syncer == nil {
		return nil
	}
	if err := r.syncer.Sync(); err != nil && !ignorableSyncError(err) {
		return err
	}
	return nil
}

// ignorableSyncError reports sync failures from sinks that cannot be
// synced at all, such as terminals and pipes.
func ignorableSyncError(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP)
}

// Sync flushes buffered output and fsyncs the sink if it supports it.
func (r *Recorder) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.syncLocked()
}

// Close seals the document and releases the sink. Only the first call has
// any effect; later calls return ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true

	var errs []error
	if _, err := r.buf.WriteString(endCollection); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrPartialWrite, err))
	} else {
		r.bytes.Add(int64(len(endCollection)))
	}
	if err := r.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrPartialWrite, err))
	}
	if r.syncer != nil {
		if err := r.syncer.Sync(); err != nil && !ignorableSyncError(err) {
			errs = append(errs, err)
		}
	}
	if r.closer != nil {
		if err := r.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if r.digest != nil {
		r.digestHex = hexDigest(r.digest)
		if r.path != "" && len(errs) == 0 {
			if err := writeSidecar(r.path, r.opts.Checksum, r.digestHex); err != nil {
				errs = append(errs, fmt.Errorf("write checksum: %w", err))
			}
		}
	}
	r.otel.Shutdown()
	return errors.Join(errs...)
}

// Stats returns a snapshot of the session counters. Digest is only set once
// the recorder is closed.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	digest := r.digestHex
	r.mu.Unlock()
	return Stats{
		Events:  r.events.Load(),
		Calls:   r.calls.Load(),
		Returns: r.returns.Load(),
		Skipped: r.skipped.Load(),
		Bytes:   r.bytes.Load(),
		Digest:  digest,
	}
}

// Events returns the number of serialized items so far.
func (r *Recorder) Events() int64 {
	return r.events.Load()
}

// Session opens path, runs fn and closes the recorder on every exit path.
// A panic in fn is re-raised after the document is sealed.
func Session(path string, opts Options, fn func(*Recorder) error) (err error) {
	r, err := Open(path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = r.Close()
			panic(p)
		}
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(r)
}
