package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/zsiec/avcmux/internal/media"
	"github.com/zsiec/avcmux/internal/nalu"
	"github.com/zsiec/avcmux/internal/remux"
)

// NewWebRTCAPI builds a pion API with the default codecs and the default
// RTCP interceptors (NACK, reports).
func NewWebRTCAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// WebRTCViewer sends the stream as an H.264 WebRTC track. It runs the
// remuxer in access-unit mode and writes each unit as one sample.
type WebRTCViewer struct {
	*viewerSession
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	// Parameter sets of the most recent keyframe, repeated in-band so a
	// browser decoder can start on any keyframe.
	sps, pps [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebRTCViewer negotiates a peer connection for an SDP offer and returns
// the viewer with its SDP answer. Gathering completes before returning, so
// the answer carries every candidate.
func NewWebRTCViewer(ctx context.Context, api *webrtc.API, cfg ViewerConfig, iceServers []string, offer string) (*WebRTCViewer, string, error) {
	cfg.Mode = remux.ModeAccessUnit

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, "", fmt.Errorf("new peer connection: %w", err)
	}

	v := &WebRTCViewer{pc: pc, closed: make(chan struct{})}
	v.viewerSession = newViewerSession(cfg, KindWebRTC, func(codec string) {
		v.log.Info("webrtc viewer ready", "codec", codec)
	})

	v.track, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "avcmux")
	if err != nil {
		_ = pc.Close()
		return nil, "", fmt.Errorf("new track: %w", err)
	}
	sender, err := pc.AddTrack(v.track)
	if err != nil {
		_ = pc.Close()
		return nil, "", fmt.Errorf("add track: %w", err)
	}
	go readRTCP(sender)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		v.log.Debug("peer connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			v.closeOnce.Do(func() { close(v.closed) })
		}
	})

	answer, err := v.negotiate(ctx, offer)
	if err != nil {
		_ = pc.Close()
		return nil, "", err
	}
	_ = v.rmx.AttachSink(sampleSink{v})
	return v, answer, nil
}

func (v *WebRTCViewer) negotiate(ctx context.Context, offer string) (string, error) {
	if err := v.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := v.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(v.pc)
	if err := v.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return v.pc.LocalDescription().SDP, nil
}

// readRTCP drains RTCP so the interceptors keep running.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Run feeds the track until ctx is cancelled, the stream ends or the peer
// goes away. The peer connection is closed on return.
func (v *WebRTCViewer) Run(ctx context.Context, done <-chan struct{}) error {
	defer v.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-v.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := v.feed(ctx, done, v.captureParamSets)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down the peer connection.
func (v *WebRTCViewer) Close() error {
	v.closeOnce.Do(func() { close(v.closed) })
	return v.pc.Close()
}

func (v *WebRTCViewer) captureParamSets(au *media.AccessUnit) {
	if au.IsKeyframe && len(au.SPS) > 0 && len(au.PPS) > 0 {
		v.sps = [][]byte{au.SPS}
		v.pps = [][]byte{au.PPS}
	}
}

// sampleSink writes access units to the track. The track never pushes
// back, so the sink is never busy.
type sampleSink struct{ v *WebRTCViewer }

func (s sampleSink) Busy() bool { return false }

func (s sampleSink) Append(c remux.Chunk) error {
	units, err := nalu.Parse(c.Data, nalu.AVCC)
	if err != nil {
		return err
	}
	var data []byte
	if c.IsKeyFrame {
		for _, p := range append(s.v.sps, s.v.pps...) {
			data = nalu.AppendAnnexB(data, []nalu.Unit{nalu.NewUnit(p)})
		}
	}
	data = nalu.AppendAnnexB(data, units)

	err = s.v.track.WriteSample(pionmedia.Sample{
		Data:     data,
		Duration: time.Duration(c.Duration) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	s.v.recordOutput(len(data))
	return nil
}
