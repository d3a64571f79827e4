// Package sse frames text chunks into a client-facing Server-Sent Events stream.
//
// A Writer decouples the producer (the relay loop) from the consumer (the
// goroutine that owns the http.ResponseWriter) with a bounded channel. The
// consumer writes frames in order and flushes after each one. A single failed
// write is treated as a permanent disconnect: the writer closes itself and
// reports the failure through the OnWriteError callback.
package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	// DoneSentinel terminates every client stream
	DoneSentinel = "[DONE]"
	// DefaultQueueSize bounds the frames waiting for the consumer
	DefaultQueueSize = 64
)

// ErrClosed is returned by Emit* after the stream was closed or the client went away
var ErrClosed = errors.New("sse: stream closed")

// chunkEvent is the JSON payload of a content frame
type chunkEvent struct {
	Chunk string `json:"chunk"`
}

// Option configures a Writer
type Option func(*Writer)

// WithQueueSize sets the producer/consumer buffer size
func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// OnWriteError registers a callback invoked once when a client write fails
func OnWriteError(fn func(error)) Option {
	return func(w *Writer) {
		w.onWriteError = fn
	}
}

// Writer streams SSE frames to one client
type Writer struct {
	rw           http.ResponseWriter
	flusher      http.Flusher
	queueSize    int
	frames       chan []byte
	dead         chan struct{} // closed when the consumer hit a write error
	finished     chan struct{} // closed when Run returns
	onWriteError func(error)

	closed    atomic.Bool
	doneSent  atomic.Bool
	deadOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex

	chunks atomic.Int64
	dones  atomic.Int64
}

// NewWriter prepares rw for streaming and writes the SSE headers.
func NewWriter(rw http.ResponseWriter, opts ...Option) *Writer {
	w := &Writer{
		rw:        rw,
		queueSize: DefaultQueueSize,
		dead:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.frames = make(chan []byte, w.queueSize)
	w.flusher, _ = rw.(http.Flusher)

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return w
}

// Run drains queued frames to the client until Close is called. It must run
// exactly once, normally on the goroutine that owns the ResponseWriter.
func (w *Writer) Run() {
	defer close(w.finished)
	failed := false
	for frame := range w.frames {
		if failed {
			continue
		}
		if _, err := w.rw.Write(frame); err != nil {
			failed = true
			w.fail(err)
			continue
		}
		if w.flusher != nil {
			w.flusher.Flush()
		}
	}
}

// Wait blocks until Run has drained every frame
func (w *Writer) Wait() {
	<-w.finished
}

// EmitChunk queues one content frame. It returns ErrClosed instead of
// panicking when the stream is already closed.
func (w *Writer) EmitChunk(text string) error {
	data, err := json.Marshal(chunkEvent{Chunk: text})
	if err != nil {
		return err
	}
	if err := w.enqueue(frame(data)); err != nil {
		return err
	}
	w.chunks.Add(1)
	return nil
}

// EmitDone queues the terminating sentinel. Repeated calls are no-ops.
func (w *Writer) EmitDone() error {
	if !w.doneSent.CompareAndSwap(false, true) {
		return nil
	}
	w.dones.Add(1)
	return w.enqueue(frame([]byte(DoneSentinel)))
}

// Close emits the sentinel if it was not sent yet and stops the consumer.
// It is idempotent.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		_ = w.EmitDone()
		w.mu.Lock()
		w.closed.Store(true)
		close(w.frames)
		w.mu.Unlock()
	})
}

// Closed reports whether the stream can no longer accept frames
func (w *Writer) Closed() bool {
	return w.closed.Load()
}

// ChunksEmitted returns how many content frames were accepted
func (w *Writer) ChunksEmitted() int {
	return int(w.chunks.Load())
}

// DoneEmitted returns how many sentinels were queued (0 or 1)
func (w *Writer) DoneEmitted() int {
	return int(w.dones.Load())
}

func (w *Writer) enqueue(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.frames <- data:
		return nil
	case <-w.dead:
		return ErrClosed
	}
}

// fail flips the closed flag and notifies the owner exactly once
func (w *Writer) fail(err error) {
	w.deadOnce.Do(func() {
		w.closed.Store(true)
		close(w.dead)
		if w.onWriteError != nil {
			w.onWriteError(err)
		}
	})
}

func frame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	return buf
}
