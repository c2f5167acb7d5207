// Package pipeline normalizes one stream's access units and fans them out
// through the Relay. Input arrives either from the MPEG-TS demuxer (SRT
// ingest) or one buffer at a time over HTTP, in any NAL framing; output is
// always 4-byte length-prefixed with the parameter sets in-band on every
// keyframe.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avcmux/internal/demux"
	"github.com/zsiec/avcmux/internal/distribution"
	"github.com/zsiec/avcmux/internal/h264"
	"github.com/zsiec/avcmux/internal/ingest"
	"github.com/zsiec/avcmux/internal/media"
	"github.com/zsiec/avcmux/internal/metrics"
	"github.com/zsiec/avcmux/internal/nalu"
)

// Broadcaster is the subset of distribution.Relay that the pipeline uses.
type Broadcaster interface {
	BroadcastVideo(au *media.AccessUnit)
	SetVideoInfo(info distribution.VideoInfo)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// Recorder receives per-frame counters. *metrics.Metrics implements it.
type Recorder interface {
	IncFrames()
	IncFrameError(kind string)
}

// Config configures a Pipeline.
type Config struct {
	Key      string
	Relay    Broadcaster
	Protocol string
	Logger   *slog.Logger
	Recorder Recorder
}

// Pipeline bridges one ingest source and its Relay. Push may be called
// from concurrent HTTP handlers; state is guarded by mu.
type Pipeline struct {
	log       *slog.Logger
	key       string
	relay     Broadcaster
	recorder  Recorder
	protocol  string
	startTime time.Time
	stats     *distribution.IngestStats

	mu         sync.Mutex
	detector   *nalu.Detector
	lengthSize int
	sps, pps   []byte
	info       h264.SPS
	groupID    uint32

	forwarded atomic.Int64
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "stream", cfg.Key),
		key:       cfg.Key,
		relay:     cfg.Relay,
		recorder:  cfg.Recorder,
		protocol:  cfg.Protocol,
		startTime: time.Now(),
		stats:     distribution.NewIngestStats(),
		detector:  nalu.NewDetector(0),
	}
}

// Key returns the stream key.
func (p *Pipeline) Key() string { return p.key }

// Forwarded returns the number of access units handed to the relay.
func (p *Pipeline) Forwarded() int64 { return p.forwarded.Load() }

// StreamSnapshot returns a point-in-time snapshot of stream health.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	return distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		Protocol:    p.protocol,
		Video:       p.stats.Snapshot(),
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
	}
}

// Push accepts one access unit posted by a client. lengthSize pins the
// length-field width; zero detects the framing, which is then kept for the
// source until a different width is named. The PTS is the arrival time.
func (p *Pipeline) Push(data []byte, lengthSize int) error {
	pts := time.Since(p.startTime).Microseconds()

	p.mu.Lock()
	defer p.mu.Unlock()
	if lengthSize != p.lengthSize {
		p.detector = nalu.NewDetector(lengthSize)
		p.lengthSize = lengthSize
	}
	return p.process(&media.AccessUnit{PTS: pts, DTS: pts, Data: data})
}

// FrameSource delivers posted access units. *ingest.Source implements it.
type FrameSource interface {
	Frames() <-chan ingest.Frame
	Done() <-chan struct{}
}

// RunFrames processes frames from src until it ends or ctx is cancelled,
// replying to each pusher with the outcome of its frame.
func (p *Pipeline) RunFrames(ctx context.Context, src FrameSource) error {
	for {
		select {
		case f := <-src.Frames():
			f.Done(p.Push(f.Data, f.LengthSize))
		case <-src.Done():
			p.log.Info("ingest ended", "forwarded", p.forwarded.Load())
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// RunTS demuxes an MPEG-TS byte stream and forwards its H.264 access units
// until the input ends or ctx is cancelled.
func (p *Pipeline) RunTS(ctx context.Context, r io.Reader) error {
	d := demux.NewDemuxer(r, p.log)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	for au := range d.Video() {
		p.mu.Lock()
		err := p.process(au)
		p.mu.Unlock()
		if err != nil {
			p.log.Debug("dropping access unit", "pts", au.PTS, "error", err)
		}
	}

	err := <-errc
	p.log.Info("ingest ended",
		"frames", d.Frames(),
		"forwarded", p.forwarded.Load(),
		"skipped_bytes", d.Skipped())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process normalizes au in place and broadcasts it. Access units before
// the first keyframe, or before both parameter sets are known, are not
// forwarded: no viewer could decode them.
func (p *Pipeline) process(au *media.AccessUnit) error {
	units, err := p.detector.Parse(au.Data)
	if err != nil {
		p.frameError(metrics.KindFraming, err)
		return err
	}

	var (
		kept         []nalu.Unit
		keyframe     bool
		spsU, ppsU   []byte
		paramsChange bool
	)
	for _, u := range units {
		switch {
		case h264.IsSPS(u.Type):
			spsU = u.Data
		case h264.IsPPS(u.Type):
			ppsU = u.Data
		case u.Type == h264.NALTypeAUD, u.Type == h264.NALTypeFillerData:
		default:
			kept = append(kept, u)
			keyframe = keyframe || h264.IsKeyframe(u.Type)
		}
	}

	if spsU != nil && !bytes.Equal(spsU, p.sps) {
		info, err := h264.DecodeSPS(spsU[1:])
		if err != nil {
			p.frameError(metrics.KindSPS, err)
			return err
		}
		p.sps, p.info = bytes.Clone(spsU), info
		paramsChange = true
	}
	if ppsU != nil && !bytes.Equal(ppsU, p.pps) {
		p.pps = bytes.Clone(ppsU)
		paramsChange = true
	}
	if paramsChange && p.sps != nil && p.pps != nil {
		p.publishFormat()
	}

	if len(kept) == 0 || p.sps == nil || p.pps == nil {
		return nil
	}
	if keyframe {
		p.groupID++
		kept = append([]nalu.Unit{nalu.NewUnit(p.sps), nalu.NewUnit(p.pps)}, kept...)
	} else if p.groupID == 0 {
		return nil
	}

	data, err := nalu.Frame(kept, nalu.AVCC)
	if err != nil {
		p.frameError(metrics.KindFraming, err)
		return err
	}

	out := &media.AccessUnit{
		PTS:           au.PTS,
		DTS:           au.DTS,
		Data:          data,
		IsKeyframe:    keyframe,
		SPS:           p.sps,
		PPS:           p.pps,
		GroupID:       p.groupID,
		Discontinuity: au.Discontinuity,
	}
	p.stats.RecordFrame(int64(len(data)), keyframe, au.PTS)
	if p.recorder != nil {
		p.recorder.IncFrames()
	}
	p.forwarded.Add(1)
	p.relay.BroadcastVideo(out)
	return nil
}

func (p *Pipeline) publishFormat() {
	fps, _ := p.info.FrameRate()
	info := distribution.VideoInfo{
		Codec:     p.info.Codec(),
		Width:     p.info.Width,
		Height:    p.info.Height,
		FrameRate: fps,
	}
	if dc, err := h264.NewDecoderConfig(p.info, [][]byte{p.sps}, [][]byte{p.pps}); err == nil {
		info.DecoderConfig = dc.Description
	} else {
		p.log.Warn("building decoder config", "error", err)
	}
	p.stats.RecordFormat(info.Codec, info.Width, info.Height)
	p.relay.SetVideoInfo(info)
	p.log.Info("stream format",
		"codec", info.Codec,
		"width", info.Width,
		"height", info.Height,
		"fps", fps)
}

func (p *Pipeline) frameError(kind string, err error) {
	switch kind {
	case metrics.KindSPS:
		p.stats.RecordSPSError()
	default:
		p.stats.RecordFramingError()
	}
	if p.recorder != nil {
		p.recorder.IncFrameError(kind)
	}
	p.log.Debug("frame error", "kind", kind, "error", err)
}
