// Package ingest tracks active ingest sources by stream key and hands new
// sources to the pipeline layer. A source is either an MPEG-TS byte stream
// (SRT) or a sequence of access units posted over HTTP.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// InputFormat identifies what a source delivers.
type InputFormat int

// Supported ingest formats.
const (
	FormatMPEGTS InputFormat = iota
	FormatAccessUnits
)

func (f InputFormat) String() string {
	switch f {
	case FormatMPEGTS:
		return "mpegts"
	case FormatAccessUnits:
		return "access-units"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

var (
	// ErrKeyInUse is returned when a stream key is already taken by a
	// source of another kind, or by another SRT connection.
	ErrKeyInUse = errors.New("ingest: stream key in use")
	// ErrClosed is returned for pushes to a source that has ended.
	ErrClosed = errors.New("ingest: source closed")
	// ErrWrongFormat is returned by PushFrame on a byte-stream source.
	ErrWrongFormat = errors.New("ingest: source does not accept frames")
)

// frameQueue is the depth of a frame source's queue.
const frameQueue = 16

// Stats captures connection-level metrics for a source.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Frame is one posted access unit. The consumer reports the outcome with
// Done.
type Frame struct {
	Data       []byte
	LengthSize int
	result     chan error
}

// Done reports the result of processing f to the pusher.
func (f Frame) Done(err error) {
	if f.result != nil {
		f.result <- err
	}
}

// Source is an active ingest source. For FormatMPEGTS, bytes written to
// the source are read from Input by the demuxer. For FormatAccessUnits,
// PushFrame queues frames on Frames.
type Source struct {
	Key       string
	StartedAt time.Time
	Format    InputFormat

	pr     *io.PipeReader
	pw     *io.PipeWriter
	frames chan Frame
	done   chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Input returns the byte stream of an MPEG-TS source, nil otherwise.
func (s *Source) Input() io.Reader {
	if s.pr == nil {
		return nil
	}
	return s.pr
}

// Frames returns the frame queue of an access-unit source.
func (s *Source) Frames() <-chan Frame { return s.frames }

// Done is closed when the source is unregistered.
func (s *Source) Done() <-chan struct{} { return s.done }

// Write feeds received bytes to the demuxer. It blocks until they are
// consumed and fails once the source is unregistered.
func (s *Source) Write(p []byte) (int, error) {
	if s.pw == nil {
		return 0, ErrWrongFormat
	}
	n, err := s.pw.Write(p)
	if n > 0 {
		s.RecordRead(n)
	}
	return n, err
}

// PushFrame queues one access unit and waits until the pipeline has
// processed it, returning the pipeline's verdict.
func (s *Source) PushFrame(ctx context.Context, data []byte, lengthSize int) error {
	if s.frames == nil {
		return ErrWrongFormat
	}
	f := Frame{Data: data, LengthSize: lengthSize, result: make(chan error, 1)}
	select {
	case s.frames <- f:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	s.RecordRead(len(data))
	select {
	case err := <-f.result:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordRead increments the byte and read counters.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the source for diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of connection metrics.
func (s *Source) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active sources by key and dispatches new sources to the
// onSource callback, which runs on its own goroutine for the lifetime of
// the source.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(*Source)
}

// NewRegistry creates a Registry. onSource may be nil.
func NewRegistry(onSource func(*Source)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register creates a source for key. It fails with ErrKeyInUse if the key
// is taken.
func (r *Registry) Register(key string, format InputFormat) (*Source, error) {
	r.mu.Lock()
	if _, ok := r.sources[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrKeyInUse, key)
	}
	s := newSource(key, format)
	r.sources[key] = s
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(s)
	}
	return s, nil
}

// Open returns the access-unit source for key, registering it on first
// use. A key held by a byte-stream source fails with ErrKeyInUse.
func (r *Registry) Open(key string) (*Source, error) {
	r.mu.RLock()
	s, ok := r.sources[key]
	r.mu.RUnlock()
	if ok {
		if s.Format != FormatAccessUnits {
			return nil, fmt.Errorf("%w: %q is a %s source", ErrKeyInUse, key, s.Format)
		}
		return s, nil
	}
	s, err := r.Register(key, FormatAccessUnits)
	if errors.Is(err, ErrKeyInUse) {
		// Lost a race with another registration.
		return r.Open(key)
	}
	return s, err
}

func newSource(key string, format InputFormat) *Source {
	s := &Source{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		done:      make(chan struct{}),
	}
	switch format {
	case FormatMPEGTS:
		s.pr, s.pw = io.Pipe()
	case FormatAccessUnits:
		s.frames = make(chan Frame, frameQueue)
	}
	return s
}

// Unregister removes a source by key, closing its pipe and signaling Done.
// It reports whether the key was registered.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	s, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if ok {
		s.close()
	}
	return ok
}

// Remove unregisters src if it is still the source for its key. Unlike
// Unregister it never removes a newer source that reused the key.
func (r *Registry) Remove(src *Source) bool {
	r.mu.Lock()
	ok := r.sources[src.Key] == src
	if ok {
		delete(r.sources, src.Key)
	}
	r.mu.Unlock()

	if ok {
		src.close()
	}
	return ok
}

func (s *Source) close() {
	if s.pw != nil {
		s.pw.Close()
	}
	close(s.done)
}

// Get returns the source for key.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// Len returns the number of active sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
