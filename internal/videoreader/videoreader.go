// Package videoreader implements VideoReader (spec component C5): the
// Idle/Opening/Streaming/Exit state machine that paces frame capture to
// source FPS and reconnects on failure. The goroutine/atomic-counters
// shape is carried over from the teacher's services/ingest/camera_reader.go
// (Start launches a run goroutine, Stats exposes atomic counters); the
// reconnect/failure-counting logic is grounded in
// original_source/backend/app/engine.py's video_reader() method, which is
// the part the teacher's fixed-rate simulated reader never needed.
package videoreader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hualinli/proctor-node/internal/errs"
	"github.com/hualinli/proctor-node/internal/queue"
	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/models"
)

// Source abstracts the actual video decode backend (file, RTSP, HTTP
// MJPEG...) spec leaves as an external collaborator. Open returns the
// source's measured FPS (0 if unknown, in which case DefaultFPS is
// used).
type Source interface {
	Open(uri string) (fps float64, err error)
	ReadFrame() (*models.Frame, error)
	Close() error
}

// SourceFactory builds a fresh Source for a URI; VideoReader calls it on
// every Opening transition so a stale decoder is never reused after a
// reconnect.
type SourceFactory func() Source

const (
	// DefaultFPS is used when a source can't report its own rate.
	DefaultFPS = 24.0
	// FailuresBeforeReconnect is the consecutive-read-failure count that
	// triggers a reconnect attempt, per spec §4.5.
	FailuresBeforeReconnect = 10
	// MaxReconnectAttempts bounds how many reconnects are tried before
	// giving up and returning to Idle.
	MaxReconnectAttempts = 3
	// ReconnectSpacing is the pause between reconnect attempts.
	ReconnectSpacing = time.Second
)

// VideoReader owns the capture loop and publishes into a bounded,
// drop-oldest raw-frame queue.
type VideoReader struct {
	newSource SourceFactory
	Raw       *queue.BoundedDropQueue[*models.Frame]
	metrics   *telemetry.Metrics

	mu        sync.Mutex
	sourceURI string
	reopen    chan struct{}

	videoOn atomic.Bool
	exit    atomic.Bool

	lastErrMu sync.Mutex
	lastErr   error
}

// New creates a VideoReader with the given raw-queue capacity.
func New(newSource SourceFactory, rawQueueCap int, metrics *telemetry.Metrics) *VideoReader {
	return &VideoReader{
		newSource: newSource,
		Raw:       queue.New[*models.Frame](rawQueueCap),
		metrics:   metrics,
		reopen:    make(chan struct{}, 1),
	}
}

// SetSource atomically updates the current URI and signals a reopen: a
// streaming loop closes its source and reopens against the new URI; the
// videoOn gate itself is left unchanged.
func (r *VideoReader) SetSource(uri string) {
	r.mu.Lock()
	r.sourceURI = uri
	r.mu.Unlock()
	select {
	case r.reopen <- struct{}{}:
	default:
	}
}

func (r *VideoReader) currentURI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceURI
}

// CurrentSourceURI returns the URI VideoReader is currently (or was most
// recently) streaming from, for Heartbeat's details payload.
func (r *VideoReader) CurrentSourceURI() string { return r.currentURI() }

// SetVideoOn raises or lowers the videoOn gate.
func (r *VideoReader) SetVideoOn(on bool) { r.videoOn.Store(on) }

// VideoOn reports the current gate state.
func (r *VideoReader) VideoOn() bool { return r.videoOn.Load() }

// LastError returns the most recently recorded SourceError, if any.
func (r *VideoReader) LastError() error {
	r.lastErrMu.Lock()
	defer r.lastErrMu.Unlock()
	return r.lastErr
}

func (r *VideoReader) setLastError(err error) {
	r.lastErrMu.Lock()
	r.lastErr = err
	r.lastErrMu.Unlock()
}

func (r *VideoReader) clearLastError() {
	r.lastErrMu.Lock()
	r.lastErr = nil
	r.lastErrMu.Unlock()
}

// Start launches the Idle/Opening/Streaming loop until ctx is cancelled.
func (r *VideoReader) Start(ctx context.Context) {
	go r.run(ctx)
	telemetry.L().Info("videoreader: started")
}

// Exit raises the exit gate; run() observes it at its next poll and
// drains the raw queue before returning, per spec §4.5's Exit state.
func (r *VideoReader) Exit() {
	r.exit.Store(true)
}

func (r *VideoReader) run(ctx context.Context) {
	for {
		if r.exit.Load() || ctx.Err() != nil {
			r.Raw.Drain()
			telemetry.L().Info("videoreader: exit, queues drained")
			return
		}
		if !r.videoOn.Load() {
			if !r.idlePoll(ctx) {
				return
			}
			continue
		}
		if !r.streamOnce(ctx) {
			return
		}
	}
}

// idlePoll waits briefly for the gate to rise, exit, or ctx cancellation.
func (r *VideoReader) idlePoll(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(200 * time.Millisecond):
		return true
	case <-r.reopen:
		return true
	}
}

// streamOnce opens the current source and streams frames until the gate
// drops, the source is exhausted past recovery, or shutdown is signalled.
// Returns false when the caller should stop the whole run loop.
func (r *VideoReader) streamOnce(ctx context.Context) bool {
	uri := r.currentURI()
	src := r.newSource()
	fps, err := src.Open(uri)
	if err != nil {
		r.setLastError(errs.Wrap(errs.SourceError, "open "+uri, err))
		telemetry.L().Warn("videoreader: open %q failed: %v", uri, err)
		return r.waitBeforeRetry(ctx)
	}
	r.clearLastError()
	if fps <= 0 {
		fps = DefaultFPS
	}
	defer src.Close()

	interval := time.Duration(float64(time.Second) / fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.reopen:
			return true // reopen against (possibly new) sourceURI
		case <-ticker.C:
			if r.exit.Load() || !r.videoOn.Load() {
				return true
			}
			frame, err := src.ReadFrame()
			if err != nil {
				consecutiveFailures++
				if consecutiveFailures < FailuresBeforeReconnect {
					continue
				}
				if !r.reconnect(ctx, src, uri) {
					r.setLastError(errs.Wrap(errs.SourceError, "exhausted reconnect attempts", err))
					r.videoOn.Store(false)
					return true // back to Idle
				}
				consecutiveFailures = 0
				continue
			}
			consecutiveFailures = 0
			r.Raw.Offer(frame)
			if r.metrics != nil {
				r.metrics.QueueDepth.WithLabelValues("raw").Set(float64(r.Raw.Len()))
			}
		}
	}
}

// reconnect retries opening the same source up to MaxReconnectAttempts
// times, spaced ReconnectSpacing apart, per spec §4.5.
func (r *VideoReader) reconnect(ctx context.Context, src Source, uri string) bool {
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ReconnectSpacing):
		}
		_ = src.Close()
		if _, err := src.Open(uri); err == nil {
			r.clearLastError()
			return true
		}
		telemetry.L().Warn("videoreader: reconnect attempt %d/%d failed", attempt, MaxReconnectAttempts)
	}
	return false
}

func (r *VideoReader) waitBeforeRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Second):
		return true
	}
}
