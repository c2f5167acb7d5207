package distribution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avcmux/internal/media"
	"github.com/zsiec/avcmux/internal/remux"
)

// flushInterval is how often a viewer retries delivery of output that was
// held back while its queue was full.
const flushInterval = 100 * time.Millisecond

// pendingPerSlot bounds remuxer output held back for a slow viewer, per
// slot of QueueSize. Past the bound the viewer stops taking access units
// and the relay drops them until the next keyframe.
const pendingPerSlot = 64 << 10

// Viewer kinds, as reported in ViewerStats.Mode and the viewer gauge.
const (
	KindFMP4   = "fmp4"
	KindAU     = "au"
	KindWebRTC = "webrtc"
)

// ViewerConfig configures a viewer session.
type ViewerConfig struct {
	ID   string
	Mode remux.Mode
	// FrameRate is the fallback rate when the SPS carries no timing.
	FrameRate             float64
	IgnoreSourceFrameRate bool
	// QueueSize is the depth of both the inbound access-unit channel and
	// the outbound chunk queue.
	QueueSize int
	Logger    *slog.Logger
	// OnOutput is called with the size of every chunk written.
	OnOutput func(n int)
}

// viewerSession is the part shared by all viewer kinds: a bounded inbound
// channel fed by the relay and a remuxer owned by the feed goroutine.
type viewerSession struct {
	id       string
	kind     string
	mode     remux.Mode
	log      *slog.Logger
	videoCh  chan *media.AccessUnit
	rmx      *remux.Remuxer
	onOutput func(int)
	// maxPending is the backlog above which feed stops reading videoCh.
	maxPending int

	// Parameter sets of the last keyframe, owned by the feed goroutine.
	lastSPS, lastPPS []byte

	damagedGroup atomic.Uint32
	videoSent    atomic.Int64
	videoDropped atomic.Int64
	chunks       atomic.Int64
	bytesSent    atomic.Int64
	pending      atomic.Int64
	lastTsMS     atomic.Int64
}

func newViewerSession(cfg ViewerConfig, kind string, onReady func(codec string)) *viewerSession {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = media.VideoBufferSize
	}
	log = log.With("session", cfg.ID)
	return &viewerSession{
		id:      cfg.ID,
		kind:    kind,
		mode:    cfg.Mode,
		log:     log,
		videoCh: make(chan *media.AccessUnit, size),
		rmx: remux.New(remux.Config{
			Mode:                  cfg.Mode,
			LengthSize:            4,
			FrameRate:             cfg.FrameRate,
			IgnoreSourceFrameRate: cfg.IgnoreSourceFrameRate,
			OnReady:               onReady,
			Logger:                log,
		}),
		onOutput:   cfg.OnOutput,
		maxPending: size * pendingPerSlot,
	}
}

func (s *viewerSession) ID() string { return s.id }

func (s *viewerSession) SendVideo(au *media.AccessUnit) {
	trySendVideo(au, s.videoCh, &s.damagedGroup, &s.videoSent, &s.videoDropped)
}

func (s *viewerSession) Stats() ViewerStats {
	return ViewerStats{
		ID:            s.id,
		Mode:          s.kind,
		VideoSent:     s.videoSent.Load(),
		VideoDropped:  s.videoDropped.Load(),
		Chunks:        s.chunks.Load(),
		BytesSent:     s.bytesSent.Load(),
		Pending:       s.pending.Load(),
		LastVideoTsMS: s.lastTsMS.Load(),
	}
}

func (s *viewerSession) recordOutput(n int) {
	s.chunks.Add(1)
	s.bytesSent.Add(int64(n))
	if s.onOutput != nil {
		s.onOutput(n)
	}
}

// feed runs access units through the remuxer until ctx is cancelled or done
// is closed. Units already queued when done closes are still processed.
// before, if set, sees each unit ahead of the remuxer.
func (s *viewerSession) feed(ctx context.Context, done <-chan struct{}, before func(*media.AccessUnit)) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	process := func(au *media.AccessUnit) {
		if before != nil {
			before(au)
		}
		s.checkParamSets(au)
		if err := s.rmx.Feed(au.Data); err != nil {
			if errors.Is(err, remux.ErrSinkRejected) {
				s.log.Debug("output held back", "pending", s.rmx.PendingLen())
			} else {
				s.log.Debug("dropping access unit", "error", err)
			}
		}
		s.lastTsMS.Store(au.PTS / 1000)
		s.pending.Store(int64(s.rmx.PendingLen()))
	}

	for {
		in := s.videoCh
		if s.rmx.PendingLen() > s.maxPending {
			in = nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			for {
				select {
				case au := <-s.videoCh:
					process(au)
				default:
					_ = s.rmx.Flush()
					return nil
				}
			}
		case au := <-in:
			process(au)
		case <-ticker.C:
			if err := s.rmx.Flush(); err != nil {
				s.log.Debug("flush", "error", err)
			}
			s.pending.Store(int64(s.rmx.PendingLen()))
		}
	}
}

// checkParamSets resets the remuxer when a keyframe brings parameter sets
// that differ from the previous keyframe's, so the next output starts with
// a fresh init segment or decoder configuration. Keyframes carry their
// parameter sets in-band, so the remuxer is ready again on the same unit.
func (s *viewerSession) checkParamSets(au *media.AccessUnit) {
	if !au.IsKeyframe || len(au.SPS) == 0 || len(au.PPS) == 0 {
		return
	}
	if s.lastSPS != nil && (!bytes.Equal(au.SPS, s.lastSPS) || !bytes.Equal(au.PPS, s.lastPPS)) {
		s.log.Info("parameter sets changed, reinitializing")
		s.rmx.Reset()
	}
	s.lastSPS, s.lastPPS = au.SPS, au.PPS
}

// StreamViewer delivers a stream over a byte-oriented connection, either as
// fragmented MP4 or as access-unit records.
type StreamViewer struct {
	*viewerSession
	sink       *queueSink
	config     []byte
	configSent bool
}

// NewStreamViewer creates a viewer; add it to a Relay and call Run.
func NewStreamViewer(cfg ViewerConfig) *StreamViewer {
	v := &StreamViewer{}
	kind := KindFMP4
	if cfg.Mode == remux.ModeAccessUnit {
		kind = KindAU
	}
	v.viewerSession = newViewerSession(cfg, kind, v.onReady)
	var encode func(remux.Chunk) []byte
	if cfg.Mode == remux.ModeAccessUnit {
		encode = v.encodeRecord
	}
	v.sink = newQueueSink(cfg.QueueSize, encode)
	_ = v.rmx.AttachSink(v.sink)
	return v
}

func (v *StreamViewer) onReady(codec string) {
	v.log.Info("viewer ready", "codec", codec)
	if v.mode != remux.ModeAccessUnit {
		return
	}
	dc, ok := v.rmx.DecoderConfig()
	if !ok {
		return
	}
	b, err := json.Marshal(dc)
	if err != nil {
		v.log.Error("encoding decoder config", "error", err)
		return
	}
	v.config, v.configSent = b, false
}

// encodeRecord turns an access-unit chunk into a record, preceded by a
// decoder configuration record after every (re)initialization.
func (v *StreamViewer) encodeRecord(c remux.Chunk) []byte {
	var b []byte
	if v.config != nil && !v.configSent {
		b = AppendAURecord(b, uint64(c.Sequence), AUFlagDecoderConfig, v.config)
		v.configSent = true
	}
	var flags byte
	if c.IsKeyFrame {
		flags |= AUFlagKeyframe
	}
	return AppendAURecord(b, uint64(c.Sequence), flags, c.Data)
}

// Run remuxes and writes the viewer's output to w until ctx is cancelled,
// the stream ends (done closes) or a write fails. flush, if set, is called
// after every write. A cancelled context is a normal end of session.
func (v *StreamViewer) Run(ctx context.Context, done <-chan struct{}, w io.Writer, flush func() error) error {
	g, ctx := errgroup.WithContext(ctx)
	fed := make(chan struct{})

	g.Go(func() error {
		defer close(fed)
		return v.feed(ctx, done, nil)
	})
	g.Go(func() error {
		write := func(b []byte) error {
			if _, err := w.Write(b); err != nil {
				return err
			}
			v.recordOutput(len(b))
			if flush != nil {
				return flush()
			}
			return nil
		}
		for {
			select {
			case b := <-v.sink.ch:
				if err := write(b); err != nil {
					return err
				}
			case <-fed:
				for {
					select {
					case b := <-v.sink.ch:
						if err := write(b); err != nil {
							return err
						}
					default:
						return nil
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
