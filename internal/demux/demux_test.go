package demux

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/zsiec/avcmux/internal/h264/h264test"
	"github.com/zsiec/avcmux/internal/mpegts"
	"github.com/zsiec/avcmux/internal/mpegts/mpegtstest"
)

func TestDemuxerH264(t *testing.T) {
	t.Parallel()

	idr := h264test.AnnexB(h264test.SPS(h264test.HD720), h264test.PPS(), h264test.IDR(300))
	p := h264test.AnnexB(h264test.NonIDR(40))
	w := mpegtstest.NewWriter().Tables().
		Video(idr, 90000, -1).
		Video(p, 93000, 90000)

	d := NewDemuxer(bytes.NewReader(w.Bytes()), nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got [][]byte
	var pts, dts []int64
	for au := range d.Video() {
		got = append(got, au.Data)
		pts = append(pts, au.PTS)
		dts = append(dts, au.DTS)
	}
	if len(got) != 2 {
		t.Fatalf("got %d access units, want 2", len(got))
	}
	if !bytes.Equal(got[0], idr) || !bytes.Equal(got[1], p) {
		t.Error("access unit data differs from PES payload")
	}
	if pts[0] != 1000000 || dts[0] != 1000000 {
		t.Errorf("first PTS/DTS = %d/%d, want 1000000/1000000", pts[0], dts[0])
	}
	if pts[1] != 1033333 || dts[1] != 1000000 {
		t.Errorf("second PTS/DTS = %d/%d, want 1033333/1000000", pts[1], dts[1])
	}
	if d.Frames() != 2 {
		t.Errorf("Frames = %d, want 2", d.Frames())
	}
}

func TestDemuxerIgnoresOtherStreams(t *testing.T) {
	t.Parallel()

	w := mpegtstest.NewWriter()
	w.StreamType = mpegts.StreamTypeH265
	w.Tables().Video([]byte{0, 0, 0, 1, 0x40, 0x01}, 0, -1)

	d := NewDemuxer(bytes.NewReader(w.Bytes()), nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(d.Video()); n != 0 {
		t.Errorf("got %d access units from an H.265 stream, want 0", n)
	}
}

func TestDemuxerCancel(t *testing.T) {
	t.Parallel()

	w := mpegtstest.NewWriter().Tables()
	for i := range 100 {
		w.Video(h264test.AnnexB(h264test.NonIDR(10)), int64(i)*3000, -1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDemuxer(bytes.NewReader(w.Bytes()), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	<-d.Video()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
