package distribution

import (
	"sync"
	"sync/atomic"
	"time"
)

// VideoStats holds point-in-time video metrics for a stream.
type VideoStats struct {
	Codec         string  `json:"codec"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	TotalFrames   int64   `json:"totalFrames"`
	KeyFrames     int64   `json:"keyFrames"`
	DeltaFrames   int64   `json:"deltaFrames"`
	CurrentGOPLen int     `json:"currentGOPLen"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	FrameRate     float64 `json:"frameRate"`
	PTSErrors     int64   `json:"ptsErrors"`
	TotalBytes    int64   `json:"totalBytes"`
	FramingErrors int64   `json:"framingErrors"`
	SPSErrors     int64   `json:"spsErrors"`
}

// ViewerStats captures per-viewer delivery metrics.
type ViewerStats struct {
	ID            string `json:"id"`
	Mode          string `json:"mode"`
	VideoSent     int64  `json:"videoSent"`
	VideoDropped  int64  `json:"videoDropped"`
	Chunks        int64  `json:"chunks"`
	BytesSent     int64  `json:"bytesSent"`
	Pending       int64  `json:"pending"`
	LastVideoTsMS int64  `json:"lastVideoTsMs,omitempty"`
}

// StreamSnapshot is the stats payload for one stream.
type StreamSnapshot struct {
	Timestamp   int64         `json:"ts"`
	UptimeMs    int64         `json:"uptimeMs"`
	Protocol    string        `json:"protocol"`
	Video       VideoStats    `json:"video"`
	ViewerCount int           `json:"viewerCount"`
	Viewers     []ViewerStats `json:"viewers,omitempty"`
}

// statsWindow is the span of the frame rate and bitrate sliding windows.
const statsWindow = 2 * time.Second

type windowEntry struct {
	ts    time.Time
	bytes int64
}

// IngestStats accumulates video telemetry for one stream. Counters are
// atomic; the sliding window and codec label have their own locks.
type IngestStats struct {
	frames        atomic.Int64
	keyframes     atomic.Int64
	delta         atomic.Int64
	bytes         atomic.Int64
	gopLen        atomic.Int32
	lastPTS       atomic.Int64
	ptsErrors     atomic.Int64
	framingErrors atomic.Int64
	spsErrors     atomic.Int64
	width         atomic.Int32
	height        atomic.Int32

	codecMu sync.RWMutex
	codec   string

	windowMu sync.Mutex
	window   []windowEntry

	now func() time.Time
}

// NewIngestStats returns an empty collector.
func NewIngestStats() *IngestStats {
	return &IngestStats{now: time.Now}
}

// RecordFrame records one access unit of n bytes with its PTS in
// microseconds.
func (s *IngestStats) RecordFrame(n int64, keyframe bool, pts int64) {
	s.frames.Add(1)
	s.bytes.Add(n)
	if keyframe {
		s.keyframes.Add(1)
		s.gopLen.Store(1)
	} else {
		s.delta.Add(1)
		s.gopLen.Add(1)
	}

	last := s.lastPTS.Swap(pts)
	if last > 0 && pts > 0 {
		if d := pts - last; d < 0 || d > 5_000_000 {
			s.ptsErrors.Add(1)
		}
	}

	now := s.now()
	s.windowMu.Lock()
	s.window = append(s.window, windowEntry{ts: now, bytes: n})
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(s.window) && s.window[i].ts.Before(cutoff) {
		i++
	}
	s.window = s.window[i:]
	s.windowMu.Unlock()
}

// RecordFramingError counts an access unit whose NAL framing was invalid.
func (s *IngestStats) RecordFramingError() { s.framingErrors.Add(1) }

// RecordSPSError counts a sequence parameter set that failed to decode.
func (s *IngestStats) RecordSPSError() { s.spsErrors.Add(1) }

// RecordFormat stores the codec string and picture size from the SPS.
func (s *IngestStats) RecordFormat(codec string, width, height int) {
	s.codecMu.Lock()
	s.codec = codec
	s.codecMu.Unlock()
	s.width.Store(int32(width))
	s.height.Store(int32(height))
}

// FrameRate computes the current frame rate over the sliding window.
func (s *IngestStats) FrameRate() float64 {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	if len(s.window) < 2 {
		return 0
	}
	dur := s.window[len(s.window)-1].ts.Sub(s.window[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(s.window)-1) / dur
}

// BitrateKbps computes the current bitrate over the sliding window. The
// first entry only marks the start of the window.
func (s *IngestStats) BitrateKbps() float64 {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	if len(s.window) < 2 {
		return 0
	}
	dur := s.window[len(s.window)-1].ts.Sub(s.window[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range s.window[1:] {
		total += e.bytes
	}
	return float64(total*8) / dur / 1000
}

// Snapshot returns the current video metrics.
func (s *IngestStats) Snapshot() VideoStats {
	s.codecMu.RLock()
	codec := s.codec
	s.codecMu.RUnlock()
	return VideoStats{
		Codec:         codec,
		Width:         int(s.width.Load()),
		Height:        int(s.height.Load()),
		TotalFrames:   s.frames.Load(),
		KeyFrames:     s.keyframes.Load(),
		DeltaFrames:   s.delta.Load(),
		CurrentGOPLen: int(s.gopLen.Load()),
		BitrateKbps:   s.BitrateKbps(),
		FrameRate:     s.FrameRate(),
		PTSErrors:     s.ptsErrors.Load(),
		TotalBytes:    s.bytes.Load(),
		FramingErrors: s.framingErrors.Load(),
		SPSErrors:     s.spsErrors.Load(),
	}
}
