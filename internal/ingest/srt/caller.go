package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avcmux/internal/ingest"
)

// dialTimeout bounds the SRT handshake of a pull.
const dialTimeout = 10 * time.Second

var (
	// ErrPullActive is returned when a pull for the key already runs.
	ErrPullActive = errors.New("srt: pull already active")
	// ErrNoPull is returned by Stop for an unknown key.
	ErrNoPull = errors.New("srt: no active pull")
)

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT listeners and streams their data into the
// ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote listener and returns once the connection is up or
// has failed. Streaming continues in the background until Stop, the remote
// closes, or ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("address is required")
	}
	if req.StreamKey == "" {
		return errors.New("streamKey is required")
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}
	if _, taken := c.registry.Get(req.StreamKey); taken {
		return fmt.Errorf("%w: %q", ingest.ErrKeyInUse, req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	var err error
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		err = fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	// Close a connection that completes after we gave up.
	go func() {
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
	}()
	return err
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}
	src, err := c.registry.Register(req.StreamKey, ingest.FormatMPEGTS)
	if err != nil {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return err
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	src.SetRemoteAddr(req.Address)
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		// Unblock a pending read when the pull is stopped.
		<-pullCtx.Done()
		conn.Close()
	}()
	go func() {
		defer func() {
			cancel()
			st := src.Stats()
			c.registry.Remove(src)
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			c.mu.Unlock()
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", st.BytesReceived, "reads", st.ReadCount,
				"uptime_ms", st.UptimeMs)
		}()
		pump(pullCtx, c.log, conn, src)
	}()
	return nil
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for stream key %q", ErrNoPull, streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists running pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
