// Package remux turns a live sequence of H.264 access units into either a
// fragmented MP4 byte stream or discrete length-prefixed access units.
//
// A Remuxer waits for the first SPS and PPS, builds the initialization
// segment once, and then produces one fragment per access unit. Output is
// handed to a Sink; while the sink is absent or busy the output is kept in
// a pending buffer and delivered, in order, on the next opportunity.
//
// A Remuxer is not safe for concurrent use. Callers serialize Feed.
package remux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/zsiec/avcmux/internal/fmp4"
	"github.com/zsiec/avcmux/internal/h264"
	"github.com/zsiec/avcmux/internal/nalu"
)

const (
	// DefaultFrameRate is used when the SPS carries no timing information
	// and no frame rate is configured.
	DefaultFrameRate = 60

	// Timescale is the track timescale: decode times are milliseconds.
	Timescale = 1000

	trackID = 1

	minFrameRate = 1
	maxFrameRate = 300
)

// ErrSinkRejected wraps an error returned by Sink.Append. The rejected
// output stays pending and is offered again on the next flush.
var ErrSinkRejected = errors.New("remux: sink rejected append")

// Mode selects the output adapter.
type Mode int

const (
	// ModeFragmented emits an init segment followed by moof+mdat pairs.
	ModeFragmented Mode = iota
	// ModeAccessUnit emits one chunk per access unit, slices length-prefixed
	// with 4 bytes, for decoders fed frame by frame.
	ModeAccessUnit
)

func (m Mode) String() string {
	switch m {
	case ModeFragmented:
		return "fmp4"
	case ModeAccessUnit:
		return "access-unit"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Chunk is one delivery to the sink. In ModeFragmented Data may carry
// several fragments (and the init segment) that were pending; the metadata
// then describes the newest fragment.
type Chunk struct {
	Data       []byte
	IsKeyFrame bool
	Timestamp  uint64 // decode time in milliseconds
	Duration   uint32 // milliseconds
	Sequence   uint32
}

// Sink receives output. Busy reports whether a previous append is still in
// flight; Append is never called while Busy returns true.
type Sink interface {
	Busy() bool
	Append(Chunk) error
}

// Config configures a Remuxer. The zero value produces fragmented MP4,
// detects framing, and takes the frame rate from the SPS.
type Config struct {
	Mode Mode

	// LengthSize pins the input to length-prefixed framing with this
	// field width (1, 2 or 4). Zero detects the framing.
	LengthSize int

	// FrameRate is used when the SPS has no timing information, or always
	// when IgnoreSourceFrameRate is set. Zero means DefaultFrameRate.
	FrameRate             float64
	IgnoreSourceFrameRate bool

	// OnReady is called once per SPS/PPS acquisition with the codec string.
	OnReady func(codec string)

	Logger *slog.Logger
}

// Stats is a snapshot of Remuxer counters.
type Stats struct {
	Frames        uint64  `json:"frames"`
	Fragments     uint64  `json:"fragments"`
	KeyFrames     uint64  `json:"keyFrames"`
	BytesOut      uint64  `json:"bytesOut"`
	Chunks        uint64  `json:"chunks"`
	FramingErrors uint64  `json:"framingErrors"`
	SPSErrors     uint64  `json:"spsErrors"`
	SinkRejects   uint64  `json:"sinkRejects"`
	Sequence      uint32  `json:"sequence"`
	DecodeTime    uint64  `json:"decodeTime"`
	FrameRate     float64 `json:"frameRate"`
}

// Remuxer is the state machine driving the framer, SPS decoder and
// fragment builder for a single video stream.
type Remuxer struct {
	cfg      Config
	log      *slog.Logger
	detector *nalu.Detector
	sink     Sink

	ready    bool
	sps      []byte
	pps      []byte
	info     h264.SPS
	track    *fmp4.Track
	init     []byte
	initSent bool

	seq    uint32
	dts    uint64
	clock  float64
	sample []byte

	pending     bytes.Buffer
	pendingMeta Chunk
	queue       []Chunk

	stats Stats
}

// New returns a Remuxer in the NotReady state.
func New(cfg Config) *Remuxer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Remuxer{
		cfg:      cfg,
		log:      log.With("component", "remux", "mode", cfg.Mode.String()),
		detector: nalu.NewDetector(cfg.LengthSize),
	}
}

// AttachSink sets the output sink and delivers pending output if the sink
// can accept it. A nil sink detaches.
func (r *Remuxer) AttachSink(s Sink) error {
	r.sink = s
	return r.Flush()
}

// Ready reports whether both parameter sets have been seen.
func (r *Remuxer) Ready() bool {
	return r.ready
}

// Codec returns the codec string, or "" before readiness.
func (r *Remuxer) Codec() string {
	if !r.ready {
		return ""
	}
	return r.info.Codec()
}

// SPS returns the decoded sequence parameter set once ready.
func (r *Remuxer) SPS() (h264.SPS, bool) {
	return r.info, r.ready
}

// InitSegment returns the initialization segment, or nil before readiness.
// The returned slice must not be modified.
func (r *Remuxer) InitSegment() []byte {
	return r.init
}

// DecoderConfig returns what a frame-level decoder needs before the first
// access unit.
func (r *Remuxer) DecoderConfig() (h264.DecoderConfig, bool) {
	if !r.ready {
		return h264.DecoderConfig{}, false
	}
	dc, err := h264.NewDecoderConfig(r.info, [][]byte{r.sps}, [][]byte{r.pps})
	if err != nil {
		return h264.DecoderConfig{}, false
	}
	return dc, true
}

// Stats returns a snapshot of the counters.
func (r *Remuxer) Stats() Stats {
	s := r.stats
	s.Sequence = r.seq
	s.DecodeTime = r.dts
	if r.ready {
		s.FrameRate = r.frameRate()
	}
	return s
}

// PendingLen returns the number of bytes waiting for the sink.
func (r *Remuxer) PendingLen() int {
	if r.cfg.Mode == ModeAccessUnit {
		n := 0
		for _, c := range r.queue {
			n += len(c.Data)
		}
		return n
	}
	return r.pending.Len()
}

// Reset forgets the parameter sets and the init segment and returns to
// NotReady. Pending output, the sequence number and the decode time are
// kept, so the timeline continues across a codec configuration refresh.
func (r *Remuxer) Reset() {
	r.ready = false
	r.sps = nil
	r.pps = nil
	r.info = h264.SPS{}
	r.track = nil
	r.init = nil
	r.initSent = false
	r.log.Debug("reset", "sequence", r.seq, "pending", r.PendingLen())
}

// Feed processes one access unit. A *nalu.FramingError or
// *h264.MalformedSPSError drops the frame and leaves the state as it was
// before the call. An error wrapping ErrSinkRejected is advisory: the
// output was kept pending.
func (r *Remuxer) Feed(frame []byte) error {
	r.stats.Frames++

	units, err := r.detector.Parse(frame)
	if err != nil {
		r.stats.FramingErrors++
		r.log.Debug("dropping frame", "error", err)
		return err
	}

	st := r.stage()
	r.sample = r.sample[:0]
	keyframe := false
	for _, u := range units {
		if !st.ready {
			switch {
			case h264.IsSPS(u.Type) && st.sps == nil:
				info, err := h264.DecodeSPS(u.Payload())
				if err != nil {
					r.stats.SPSErrors++
					r.log.Debug("dropping frame", "error", err)
					return err
				}
				st.sps, st.info = u.Data, info
			case h264.IsPPS(u.Type) && st.pps == nil:
				st.pps = u.Data
			}
			st.ready = st.sps != nil && st.pps != nil
			continue
		}
		if h264.IsSlice(u.Type) {
			r.sample = appendLengthPrefixed(r.sample, u.Data)
			keyframe = keyframe || h264.IsKeyframe(u.Type)
		}
	}

	switch {
	case st.ready && !r.ready:
		if err := r.becomeReady(st); err != nil {
			return err
		}
	case !st.ready:
		r.keep(st)
	}
	if !r.ready || len(r.sample) == 0 {
		return nil
	}
	return r.push(keyframe)
}

// Flush delivers pending output if a sink is attached and not busy.
func (r *Remuxer) Flush() error {
	if r.sink == nil || r.sink.Busy() {
		return nil
	}
	if r.cfg.Mode == ModeAccessUnit {
		for len(r.queue) > 0 {
			if r.sink.Busy() {
				return nil
			}
			if err := r.deliver(r.queue[0]); err != nil {
				return err
			}
			r.queue[0] = Chunk{}
			r.queue = r.queue[1:]
		}
		return nil
	}
	if r.pending.Len() == 0 {
		return nil
	}
	c := r.pendingMeta
	c.Data = bytes.Clone(r.pending.Bytes())
	if err := r.deliver(c); err != nil {
		return err
	}
	r.pending.Reset()
	return nil
}

func (r *Remuxer) deliver(c Chunk) error {
	if err := r.sink.Append(c); err != nil {
		r.stats.SinkRejects++
		return fmt.Errorf("%w: %w", ErrSinkRejected, err)
	}
	r.stats.Chunks++
	r.stats.BytesOut += uint64(len(c.Data))
	return nil
}

// staged holds parameter-set state while a frame is inspected so that a
// failing frame leaves the Remuxer untouched.
type staged struct {
	ready bool
	sps   []byte
	pps   []byte
	info  h264.SPS
}

func (r *Remuxer) stage() staged {
	return staged{ready: r.ready, sps: r.sps, pps: r.pps, info: r.info}
}

// keep commits a parameter set that arrived without its partner, so SPS
// and PPS may come in separate frames.
func (r *Remuxer) keep(st staged) {
	if r.sps == nil && st.sps != nil {
		r.sps, r.info = bytes.Clone(st.sps), st.info
	}
	if r.pps == nil && st.pps != nil {
		r.pps = bytes.Clone(st.pps)
	}
}

func (r *Remuxer) becomeReady(st staged) error {
	sps := bytes.Clone(st.sps)
	pps := bytes.Clone(st.pps)

	track := &fmp4.Track{
		ID:        trackID,
		Codec:     st.info.Codec(),
		SPS:       [][]byte{sps},
		PPS:       [][]byte{pps},
		Width:     st.info.Width,
		Height:    st.info.Height,
		SarWidth:  st.info.SarWidth,
		SarHeight: st.info.SarHeight,
		Timescale: Timescale,
	}
	seg, err := fmp4.InitSegment([]*fmp4.Track{track}, 0, Timescale)
	if err != nil {
		return err
	}

	r.ready = true
	r.sps, r.pps, r.info = sps, pps, st.info
	r.track = track
	r.track.FrameRate = r.frameRate()
	r.init = seg
	r.initSent = false

	r.log.Info("stream ready",
		"codec", track.Codec,
		"width", track.Width,
		"height", track.Height,
		"fps", track.FrameRate)

	if r.cfg.OnReady != nil {
		r.cfg.OnReady(track.Codec)
	}
	return nil
}

// frameRate picks the SPS rate unless overridden, falling back to the
// configured rate and then DefaultFrameRate. Rates outside
// [minFrameRate, maxFrameRate] are ignored: they would give zero or
// overflowing millisecond durations.
func (r *Remuxer) frameRate() float64 {
	if !r.cfg.IgnoreSourceFrameRate {
		if fps, ok := r.info.FrameRate(); ok && saneFrameRate(fps) {
			return fps
		}
	}
	if saneFrameRate(r.cfg.FrameRate) {
		return r.cfg.FrameRate
	}
	return DefaultFrameRate
}

func saneFrameRate(fps float64) bool {
	return fps >= minFrameRate && fps <= maxFrameRate
}

// advance moves the decode clock by one frame. Sample boundaries are the
// rounded running sum, so durations average out to 1000/fps without drift.
func (r *Remuxer) advance() (dts uint64, duration uint32) {
	start := uint64(math.Round(r.clock))
	r.clock += Timescale / r.frameRate()
	end := uint64(math.Round(r.clock))
	return start, uint32(end - start)
}

func (r *Remuxer) push(keyframe bool) error {
	dts, duration := r.advance()
	c := Chunk{
		IsKeyFrame: keyframe,
		Timestamp:  dts,
		Duration:   duration,
		Sequence:   r.seq,
	}

	flags := fmp4.DeltaFlags()
	if keyframe {
		flags = fmp4.KeyframeFlags()
		r.stats.KeyFrames++
	}

	switch r.cfg.Mode {
	case ModeAccessUnit:
		c.Data = bytes.Clone(r.sample)
		r.queue = append(r.queue, c)
	default:
		r.track.Samples = append(r.track.Samples[:0], fmp4.Sample{
			Size:     uint32(len(r.sample)),
			Duration: duration,
			Flags:    flags,
		})
		frag, err := fmp4.AppendFragment(nil, r.seq, dts, r.track, r.sample)
		if err != nil {
			return fmt.Errorf("remux: fragment %d: %w", r.seq, err)
		}
		if !r.initSent {
			r.pending.Write(r.init)
			r.initSent = true
		}
		r.pending.Write(frag)
		r.pendingMeta = c
	}

	r.seq++
	r.dts = dts + uint64(duration)
	r.stats.Fragments++
	return r.Flush()
}

func appendLengthPrefixed(dst, unit []byte) []byte {
	n := len(unit)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, unit...)
}
