package distribution

import (
	"math"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestIngestStatsCounters(t *testing.T) {
	t.Parallel()

	s := NewIngestStats()
	s.RecordFrame(1000, true, 0)
	s.RecordFrame(200, false, 33_333)
	s.RecordFrame(200, false, 66_666)
	s.RecordFramingError()
	s.RecordSPSError()
	s.RecordFormat("avc1.64001f", 1280, 720)

	v := s.Snapshot()
	if v.TotalFrames != 3 || v.KeyFrames != 1 || v.DeltaFrames != 2 {
		t.Errorf("frames = %d/%d/%d, want 3/1/2", v.TotalFrames, v.KeyFrames, v.DeltaFrames)
	}
	if v.CurrentGOPLen != 3 {
		t.Errorf("CurrentGOPLen = %d, want 3", v.CurrentGOPLen)
	}
	if v.TotalBytes != 1400 {
		t.Errorf("TotalBytes = %d, want 1400", v.TotalBytes)
	}
	if v.FramingErrors != 1 || v.SPSErrors != 1 {
		t.Errorf("errors = %d/%d, want 1/1", v.FramingErrors, v.SPSErrors)
	}
	if v.Codec != "avc1.64001f" || v.Width != 1280 || v.Height != 720 {
		t.Errorf("format = %s %dx%d", v.Codec, v.Width, v.Height)
	}
}

func TestIngestStatsPTSErrors(t *testing.T) {
	t.Parallel()

	s := NewIngestStats()
	s.RecordFrame(1, true, 1_000_000)
	s.RecordFrame(1, false, 900_000)   // backwards
	s.RecordFrame(1, false, 9_000_000) // jump
	s.RecordFrame(1, false, 9_033_333)
	if got := s.Snapshot().PTSErrors; got != 2 {
		t.Errorf("PTSErrors = %d, want 2", got)
	}
}

func TestIngestStatsWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewIngestStats()
	s.now = clock.now

	// 31 frames 1/30 s apart span one second.
	for i := 0; i <= 30; i++ {
		s.RecordFrame(1000, i == 0, 0)
		clock.advance(time.Second / 30)
	}
	if fps := s.FrameRate(); math.Abs(fps-30) > 0.5 {
		t.Errorf("FrameRate = %.2f, want 30", fps)
	}
	if kbps := s.BitrateKbps(); math.Abs(kbps-240) > 5 {
		t.Errorf("BitrateKbps = %.2f, want 240", kbps)
	}

	// Entries older than the window are evicted.
	clock.advance(10 * time.Second)
	s.RecordFrame(1000, false, 0)
	if fps := s.FrameRate(); fps != 0 {
		t.Errorf("FrameRate after gap = %.2f, want 0", fps)
	}
}
