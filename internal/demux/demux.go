// Package demux extracts H.264 access units from an MPEG transport stream.
package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/avcmux/internal/media"
	"github.com/zsiec/avcmux/internal/mpegts"
)

// Demuxer reads an MPEG-TS byte stream and delivers the PES payloads of the
// first H.264 elementary stream as access units on the channel returned by
// Video. Other elementary streams are ignored.
type Demuxer struct {
	log      *slog.Logger
	reader   io.Reader
	videoCh  chan *media.AccessUnit
	videoPID uint16
	count    int64
	skipped  int64
}

// NewDemuxer creates a Demuxer reading from r. Call Run to begin demuxing.
// If log is nil, slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:     log.With("component", "demux"),
		reader:  r,
		videoCh: make(chan *media.AccessUnit, media.VideoBufferSize),
	}
}

// Video returns the channel on which access units are delivered. It is
// closed when Run returns.
func (d *Demuxer) Video() <-chan *media.AccessUnit {
	return d.videoCh
}

// Frames returns the number of access units delivered so far. Only safe to
// call after Run has returned.
func (d *Demuxer) Frames() int64 { return d.count }

// Skipped returns the number of bytes discarded while resynchronizing. Only
// safe to call after Run has returned.
func (d *Demuxer) Skipped() int64 { return d.skipped }

// Run reads until EOF or context cancellation. It returns nil at EOF.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.videoCh)

	dmx := mpegts.NewDemuxer(d.reader, d.log)
	defer func() { d.skipped = dmx.Skipped() }()

	for {
		pes, err := dmx.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if pes.StreamType != mpegts.StreamTypeH264 || len(pes.Data) == 0 {
			continue
		}
		if d.videoPID == 0 {
			d.videoPID = pes.PID
			d.log.Info("found video PID", "pid", pes.PID, "codec", "H.264")
		} else if pes.PID != d.videoPID {
			continue
		}

		au := &media.AccessUnit{
			PTS:           ticksToMicros(pes.PTS),
			DTS:           ticksToMicros(pes.DTS),
			Data:          pes.Data,
			Discontinuity: pes.Discontinuity,
		}
		select {
		case d.videoCh <- au:
			d.count++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ticksToMicros converts a 90 kHz timestamp to microseconds.
func ticksToMicros(ts int64) int64 {
	return ts * 1000000 / 90000
}
