package distribution

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/avcmux/internal/certs"
	"github.com/zsiec/avcmux/internal/h264"
	"github.com/zsiec/avcmux/internal/logger"
	"github.com/zsiec/avcmux/internal/metrics"
	"github.com/zsiec/avcmux/internal/nalu"
	"github.com/zsiec/avcmux/internal/remux"
)

// Errors returned by the ingest hooks, mapped to HTTP status codes.
var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamInUse    = errors.New("stream key in use by another source")
)

// StatsProvider is implemented by the pipeline to supply stream statistics
// for the REST API.
type StatsProvider interface {
	StreamSnapshot() StreamSnapshot
}

// StreamInfo is the JSON summary of a live stream returned by
// /api/streams.
type StreamInfo struct {
	Key       string  `json:"key"`
	Codec     string  `json:"codec,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"fps,omitempty"`
	Viewers   int     `json:"viewers"`
	Frames    int64   `json:"frames"`
	UptimeMs  int64   `json:"uptimeMs,omitempty"`
	Protocol  string  `json:"protocol,omitempty"`
}

// StreamDetail is the response of /api/streams/{key}.
type StreamDetail struct {
	StreamInfo
	Stats StreamSnapshot `json:"stats"`
}

// FrameIngestFunc accepts one access unit posted over HTTP. lengthSize is
// the length-field width named by the client, or 0 to detect the framing.
type FrameIngestFunc func(streamKey string, data []byte, lengthSize int) error

// EndStreamFunc ends an HTTP-ingested stream.
type EndStreamFunc func(streamKey string) error

// SRTPullFunc initiates an SRT caller-mode pull from a remote address.
type SRTPullFunc func(address, streamKey, streamID string) error

// SRTStopFunc stops an active SRT pull by stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT caller-mode pull.
type SRTPullInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// ViewerDefaults are applied to every viewer session.
type ViewerDefaults struct {
	FrameRate             float64
	IgnoreSourceFrameRate bool
	QueueSize             int
}

// videoInfoTimeout is how long a new viewer waits for the stream's first
// SPS and PPS before giving up.
const videoInfoTimeout = 30 * time.Second

// maxFrameSize bounds a posted access unit.
const maxFrameSize = 16 << 20

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// Addr is the HTTP/3 listen address.
	Addr    string
	Cert    *certs.Cert
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Viewer ViewerDefaults

	// WebRTC enables the WHEP endpoint when set.
	WebRTC     *webrtc.API
	ICEServers []string

	FrameIngest FrameIngestFunc
	EndStream   EndStreamFunc
	SRTPull     SRTPullFunc
	SRTStop     SRTStopFunc
	SRTList     SRTListFunc
}

// streamResources bundles the relay and stats provider for a single live
// stream so both are registered and torn down as a unit.
type streamResources struct {
	relay    *Relay
	pipeline StatsProvider
}

// Server serves the REST API and the viewer endpoints over HTTPS and,
// optionally, HTTP/3.
type Server struct {
	config ServerConfig
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	streams map[string]*streamResources
	peers   map[string]*WebRTCViewer
}

// NewServer creates a distribution Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		log:     log.With("component", "distribution"),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*streamResources),
		peers:   make(map[string]*WebRTCViewer),
	}, nil
}

// RegisterStream creates a Relay for the stream key and returns it. If the
// stream already has a relay, the existing one is returned.
func (s *Server) RegisterStream(streamKey string) *Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.relay
	}
	r := NewRelay(s.log.With("stream", streamKey))
	s.streams[streamKey] = &streamResources{relay: r}
	return r
}

// UnregisterStream closes the relay for a stream key and forgets the
// stream. Viewers of the stream finish their sessions.
func (s *Server) UnregisterStream(streamKey string) {
	s.mu.Lock()
	sr, ok := s.streams[streamKey]
	delete(s.streams, streamKey)
	s.mu.Unlock()
	if ok {
		sr.relay.Close()
	}
}

// SetPipeline associates a StatsProvider with a registered stream.
func (s *Server) SetPipeline(streamKey string, p StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		sr.pipeline = p
	}
}

// GetRelay returns the Relay for a stream key, or nil if not found.
func (s *Server) GetRelay(streamKey string) *Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.relay
	}
	return nil
}

func (s *Server) resources(streamKey string) *streamResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[streamKey]
}

// APIHandler returns the router with every API and viewer route, shared
// by the HTTPS and HTTP/3 servers.
func (s *Server) APIHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(logger.RequestLogger(s.log))
	if s.config.Metrics != nil {
		r.Use(metrics.RequestMiddleware(s.config.Metrics))
		r.Method(http.MethodGet, "/metrics", s.config.Metrics.Handler(s.updateGauges))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/cert-hash", s.handleCertHash)

		r.Get("/srt-pull", s.handleSRTPullList)
		r.Post("/srt-pull", s.handleSRTPullCreate)
		r.Delete("/srt-pull", s.handleSRTPullStop)
		r.Options("/srt-pull", s.handleOptions)

		r.Get("/streams", s.handleListStreams)
		r.Route("/streams/{key}", func(r chi.Router) {
			r.Get("/", s.handleGetStream)
			r.Delete("/", s.handleEndStream)
			r.Post("/frames", s.handleFrames)
			r.Get("/video.mp4", s.handleStream(remux.ModeFragmented))
			r.Get("/au", s.handleStream(remux.ModeAccessUnit))
			r.Post("/whep", s.handleWHEP)
			r.Options("/whep", s.handleOptions)
			r.Delete("/whep/{session}", s.handleWHEPStop)
		})
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", "Location")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// StartH3 serves the same routes over HTTP/3 and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) StartH3(ctx context.Context) error {
	if s.config.Addr == "" {
		return errors.New("distribution: Addr is required for HTTP/3")
	}
	srv := &http3.Server{
		Addr:      s.config.Addr,
		Handler:   s.APIHandler(),
		TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close ends every WebRTC session and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) info(key string, sr *streamResources) StreamInfo {
	info := StreamInfo{Key: key, Viewers: sr.relay.ViewerCount()}
	if vi, ok := sr.relay.VideoInfo(); ok {
		info.Codec, info.Width, info.Height, info.FrameRate = vi.Codec, vi.Width, vi.Height, vi.FrameRate
	}
	if sr.pipeline != nil {
		snap := sr.pipeline.StreamSnapshot()
		info.Frames = snap.Video.TotalFrames
		info.UptimeMs = snap.UptimeMs
		info.Protocol = snap.Protocol
		if snap.Video.FrameRate > 0 {
			info.FrameRate = snap.Video.FrameRate
		}
	}
	return info
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	resp := make([]StreamInfo, 0, len(s.streams))
	for key, sr := range s.streams {
		resp = append(resp, s.info(key, sr))
	}
	s.mu.RUnlock()

	slices.SortFunc(resp, func(a, b StreamInfo) int { return cmp.Compare(a.Key, b.Key) })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sr := s.resources(key)
	if sr == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	detail := StreamDetail{StreamInfo: s.info(key, sr)}
	if sr.pipeline != nil {
		detail.Stats = sr.pipeline.StreamSnapshot()
	} else {
		detail.Stats = StreamSnapshot{
			Timestamp:   time.Now().UnixMilli(),
			ViewerCount: sr.relay.ViewerCount(),
			Viewers:     sr.relay.ViewerStatsAll(),
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleEndStream(w http.ResponseWriter, r *http.Request) {
	if s.config.EndStream == nil {
		writeError(w, http.StatusNotImplemented, "HTTP ingest not configured")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.config.EndStream(key); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.config.FrameIngest == nil {
		writeError(w, http.StatusNotImplemented, "HTTP ingest not configured")
		return
	}
	key := chi.URLParam(r, "key")

	lengthSize := 0
	if v := r.URL.Query().Get("boxSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2 && n != 4) {
			writeError(w, http.StatusBadRequest, "boxSize must be 1, 2 or 4")
			return
		}
		lengthSize = n
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "frame too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty frame")
		return
	}

	if err := s.config.FrameIngest(key, data, lengthSize); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps ingest errors to status codes. Per-frame errors leave the
// stream running.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStreamInUse):
		return http.StatusConflict
	case errors.Is(err, nalu.ErrFraming), errors.Is(err, h264.ErrMalformedSPS):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) viewerConfig(mode remux.Mode) ViewerConfig {
	cfg := ViewerConfig{
		ID:                    uuid.NewString(),
		Mode:                  mode,
		FrameRate:             s.config.Viewer.FrameRate,
		IgnoreSourceFrameRate: s.config.Viewer.IgnoreSourceFrameRate,
		QueueSize:             s.config.Viewer.QueueSize,
		Logger:                s.log,
	}
	if m := s.config.Metrics; m != nil {
		cfg.OnOutput = m.AddOutput
	}
	return cfg
}

// waitReady resolves the relay of the request's stream and waits for its
// format. On failure it has already written the response.
func (s *Server) waitReady(w http.ResponseWriter, r *http.Request) (*Relay, VideoInfo, bool) {
	relay := s.GetRelay(chi.URLParam(r, "key"))
	if relay == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return nil, VideoInfo{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), videoInfoTimeout)
	defer cancel()
	if !relay.WaitVideoInfo(ctx) {
		select {
		case <-relay.Done():
			writeError(w, http.StatusNotFound, "stream ended")
		default:
			if r.Context().Err() == nil {
				writeError(w, http.StatusGatewayTimeout, "stream has no parameter sets yet")
			}
		}
		return nil, VideoInfo{}, false
	}
	info, _ := relay.VideoInfo()
	return relay, info, true
}

func (s *Server) handleStream(mode remux.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relay, info, ok := s.waitReady(w, r)
		if !ok {
			return
		}

		v := NewStreamViewer(s.viewerConfig(mode))
		if mode == remux.ModeAccessUnit {
			w.Header().Set("Content-Type", AUContentType)
		} else {
			w.Header().Set("Content-Type", fmt.Sprintf("video/mp4; codecs=%q", info.Codec))
		}
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		rc := http.NewResponseController(w)
		relay.AddViewer(v)
		defer s.endViewer(relay, v.viewerSession)

		if err := v.Run(r.Context(), relay.Done(), w, rc.Flush); err != nil {
			s.log.Debug("viewer session ended", "session", v.ID(), "error", err)
		}
	}
}

func (s *Server) endViewer(relay *Relay, v *viewerSession) {
	relay.RemoveViewer(v.ID())
	if m := s.config.Metrics; m != nil {
		m.AddViewerDrops(v.videoDropped.Load())
	}
}

func (s *Server) handleWHEP(w http.ResponseWriter, r *http.Request) {
	if s.config.WebRTC == nil {
		writeError(w, http.StatusNotImplemented, "WebRTC not configured")
		return
	}
	offer, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil || len(offer) == 0 {
		writeError(w, http.StatusBadRequest, "SDP offer required")
		return
	}
	relay, _, ok := s.waitReady(w, r)
	if !ok {
		return
	}

	v, answer, err := NewWebRTCViewer(r.Context(), s.config.WebRTC, s.viewerConfig(remux.ModeAccessUnit), s.config.ICEServers, string(offer))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.peers[v.ID()] = v
	s.mu.Unlock()

	relay.AddViewer(v)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.peers, v.ID())
			s.mu.Unlock()
		}()
		defer s.endViewer(relay, v.viewerSession)
		if err := v.Run(s.ctx, relay.Done()); err != nil {
			s.log.Debug("webrtc session ended", "session", v.ID(), "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", r.URL.Path+"/"+v.ID())
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

func (s *Server) handleWHEPStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	s.mu.RLock()
	v, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	_ = v.Close()
	w.WriteHeader(http.StatusOK)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Hex  string `json:"hex"`
	Addr string `json:"addr,omitempty"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Hex:  s.config.Cert.FingerprintHex(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}

func (s *Server) updateGauges() {
	m := s.config.Metrics
	byKind := map[string]int{KindFMP4: 0, KindAU: 0, KindWebRTC: 0}

	s.mu.RLock()
	m.SetActiveStreams(len(s.streams))
	for _, sr := range s.streams {
		for _, vs := range sr.relay.ViewerStatsAll() {
			byKind[vs.Mode]++
		}
	}
	s.mu.RUnlock()

	for kind, n := range byKind {
		m.SetActiveViewers(kind, n)
	}
}
