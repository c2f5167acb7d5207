package distribution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/avcmux/internal/media"
)

// Viewer is implemented by every viewer session that receives access units
// from a Relay.
type Viewer interface {
	ID() string
	SendVideo(au *media.AccessUnit)
	Stats() ViewerStats
}

// VideoInfo describes the stream once its first SPS and PPS are known.
type VideoInfo struct {
	Codec     string  `json:"codec"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate,omitempty"`
	// DecoderConfig is the AVCDecoderConfigurationRecord.
	DecoderConfig []byte `json:"decoderConfig,omitempty"`
}

// maxGOPCache bounds the replay cache for streams with very long or absent
// keyframe intervals.
const maxGOPCache = 600

// Relay is the fan-out hub for a single stream. It caches the current group
// of pictures so that a late joiner starts at the most recent keyframe,
// which carries the parameter sets in-band.
type Relay struct {
	log            *slog.Logger
	mu             sync.RWMutex
	sessions       map[string]Viewer
	videoInfo      VideoInfo
	videoInfoSet   bool
	videoInfoReady chan struct{}
	done           chan struct{}
	closeOnce      sync.Once

	gopMu    sync.RWMutex
	gopCache []*media.AccessUnit
}

// NewRelay creates a Relay with no viewers. If log is nil, slog.Default()
// is used.
func NewRelay(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:            log.With("component", "relay"),
		sessions:       make(map[string]Viewer),
		videoInfoReady: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// SetVideoInfo stores the stream format. The first call releases
// WaitVideoInfo; later calls replace the info after a format change.
func (r *Relay) SetVideoInfo(info VideoInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videoInfo = info
	if !r.videoInfoSet {
		r.videoInfoSet = true
		close(r.videoInfoReady)
	}
	r.log.Debug("video info set",
		"codec", info.Codec,
		"width", info.Width,
		"height", info.Height,
		"decoderConfigLen", len(info.DecoderConfig))
}

// VideoInfo returns the stream format and whether it is known yet.
func (r *Relay) VideoInfo() (VideoInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.videoInfo, r.videoInfoSet
}

// WaitVideoInfo blocks until the stream format is known, the relay is
// closed, or ctx is cancelled. It reports whether the format is known.
func (r *Relay) WaitVideoInfo(ctx context.Context) bool {
	select {
	case <-r.videoInfoReady:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// AddViewer replays the cached group to the viewer, then registers it for
// live delivery. Holding the GOP lock across both steps keeps a concurrent
// BroadcastVideo from slipping a live frame in ahead of the replay.
func (r *Relay) AddViewer(v Viewer) {
	r.gopMu.RLock()
	for _, au := range r.gopCache {
		v.SendVideo(au)
	}
	r.mu.Lock()
	r.sessions[v.ID()] = v
	n := len(r.sessions)
	r.mu.Unlock()
	r.gopMu.RUnlock()

	r.log.Info("viewer added", "session", v.ID(), "viewers", n)
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("viewer removed", "session", id, "viewers", n)
}

// BroadcastVideo delivers au to every viewer and updates the GOP cache.
func (r *Relay) BroadcastVideo(au *media.AccessUnit) {
	r.gopMu.Lock()
	if au.IsKeyframe {
		clear(r.gopCache)
		r.gopCache = r.gopCache[:0]
	}
	if len(r.gopCache) < maxGOPCache {
		r.gopCache = append(r.gopCache, au)
	}

	r.mu.RLock()
	for _, v := range r.sessions {
		v.SendVideo(au)
	}
	r.mu.RUnlock()
	r.gopMu.Unlock()
}

// CachedFrames returns the number of access units held for late joiners.
func (r *Relay) CachedFrames() int {
	r.gopMu.RLock()
	defer r.gopMu.RUnlock()
	return len(r.gopCache)
}

// Close marks the stream as ended. Viewers watching Done finish their
// sessions.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Done is closed when the stream ends.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// ViewerCount returns the number of connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ViewerStatsAll returns delivery metrics for every connected viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.sessions))
	for _, v := range r.sessions {
		stats = append(stats, v.Stats())
	}
	return stats
}
