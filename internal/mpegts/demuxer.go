package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
)

// pidBuffer reassembles the payload of one PID between unit starts.
type pidBuffer struct {
	buf     []byte
	started bool
	lastCC  int // -1 before the first packet
	lost    bool
}

// add appends p. When p starts a new unit the previous, complete unit is
// returned; its memory is owned by the caller.
func (b *pidBuffer) add(p packet) (unit []byte, lost bool) {
	if p.transportErr {
		b.buf, b.started, b.lost = nil, false, true
		return nil, false
	}
	if !p.hasPayload {
		return nil, false
	}
	if b.lastCC >= 0 && !p.discontinuity {
		want := (b.lastCC + 1) & 0x0F
		switch int(p.cc) {
		case want:
		case b.lastCC:
			return nil, false // duplicate
		default:
			b.buf, b.started, b.lost = nil, false, true
		}
	}
	b.lastCC = int(p.cc)

	if p.unitStart {
		if b.started && len(b.buf) > 0 {
			unit, lost = b.buf, b.lost
			b.lost = false
		}
		b.buf = append(make([]byte, 0, 4096), p.payload...)
		b.started = true
		return unit, lost
	}
	if b.started {
		b.buf = append(b.buf, p.payload...)
	}
	return nil, false
}

// take returns whatever is buffered, for end of stream.
func (b *pidBuffer) take() []byte {
	if !b.started || len(b.buf) == 0 {
		return nil
	}
	unit := b.buf
	b.buf, b.started = nil, false
	return unit
}

// Demuxer reads transport stream packets from a reader and returns the PES
// units of every elementary stream listed in the PMT.
type Demuxer struct {
	r       io.Reader
	log     *slog.Logger
	pkt     []byte
	pids    map[uint16]*pidBuffer
	pmtPIDs map[uint16]bool
	streams map[uint16]uint8
	queue   []*PES
	eof     bool

	skipped int64
}

// NewDemuxer creates a demuxer reading from r. If log is nil, slog.Default()
// is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		r:       r,
		log:     log,
		pkt:     make([]byte, PacketSize),
		pids:    make(map[uint16]*pidBuffer),
		pmtPIDs: make(map[uint16]bool),
		streams: make(map[uint16]uint8),
	}
}

// StreamType returns the PMT stream type of pid.
func (d *Demuxer) StreamType(pid uint16) (uint8, bool) {
	st, ok := d.streams[pid]
	return st, ok
}

// Skipped returns the number of bytes discarded while resynchronizing.
func (d *Demuxer) Skipped() int64 { return d.skipped }

// Next returns the next PES unit. Units of a PID are returned when the
// following unit starts, and the tail of every PID at end of input. It
// returns io.EOF once the input and all buffered units are exhausted.
func (d *Demuxer) Next(ctx context.Context) (*PES, error) {
	for {
		if len(d.queue) > 0 {
			pes := d.queue[0]
			d.queue = d.queue[1:]
			return pes, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := d.readPacket(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drain()
				continue
			}
			return nil, err
		}

		p, err := parsePacket(d.pkt)
		if err != nil {
			d.log.Debug("skipping packet", "error", err)
			continue
		}
		d.handle(p)
	}
}

// readPacket fills d.pkt with the next packet, scanning forward for a sync
// byte when the stream is misaligned.
func (d *Demuxer) readPacket() error {
	if _, err := io.ReadFull(d.r, d.pkt); err != nil {
		return err
	}
	for d.pkt[0] != syncByte {
		i := bytes.IndexByte(d.pkt[1:], syncByte)
		if i < 0 {
			d.skipped += PacketSize
			if _, err := io.ReadFull(d.r, d.pkt); err != nil {
				return err
			}
			continue
		}
		n := i + 1
		d.skipped += int64(n)
		copy(d.pkt, d.pkt[n:])
		if _, err := io.ReadFull(d.r, d.pkt[PacketSize-n:]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) buffer(pid uint16) *pidBuffer {
	b, ok := d.pids[pid]
	if !ok {
		b = &pidBuffer{lastCC: -1}
		d.pids[pid] = b
	}
	return b
}

func (d *Demuxer) handle(p packet) {
	if p.pid == pidNull {
		return
	}
	if p.pid == pidPAT || d.pmtPIDs[p.pid] {
		d.handlePSI(p)
		return
	}
	if _, ok := d.streams[p.pid]; !ok {
		return
	}
	if unit, lost := d.buffer(p.pid).add(p); unit != nil {
		d.emit(p.pid, unit, lost)
	}
}

// handlePSI reassembles sections on a PAT or PMT PID. Sections are parsed
// as soon as they are complete rather than at the next unit start.
func (d *Demuxer) handlePSI(p packet) {
	b := d.buffer(p.pid)
	if unit, _ := b.add(p); unit != nil {
		d.tables(p.pid, unit)
	}
	if !b.started {
		return
	}
	if _, ok := splitSections(b.buf); ok {
		d.tables(p.pid, b.take())
	}
}

func (d *Demuxer) tables(pid uint16, payload []byte) {
	secs, _ := splitSections(payload)
	for _, s := range secs {
		switch {
		case pid == pidPAT && s.tableID == tableIDPAT:
			pmts, err := parsePAT(s.data)
			if err != nil {
				d.log.Debug("bad PAT", "error", err)
				continue
			}
			for _, pmt := range pmts {
				d.pmtPIDs[pmt] = true
			}
		case s.tableID == tableIDPMT:
			streams, err := parsePMT(s.data)
			if err != nil {
				d.log.Debug("bad PMT", "pid", pid, "error", err)
				continue
			}
			for es, st := range streams {
				if old, ok := d.streams[es]; !ok || old != st {
					d.log.Debug("elementary stream", "pid", es, "stream_type", st)
				}
				d.streams[es] = st
			}
		}
	}
}

func (d *Demuxer) emit(pid uint16, unit []byte, lost bool) {
	pes := &PES{PID: pid, StreamType: d.streams[pid], Discontinuity: lost}
	if err := parsePES(unit, pes); err != nil {
		d.log.Debug("bad PES", "pid", pid, "error", err)
		return
	}
	d.queue = append(d.queue, pes)
}

// drain flushes every PID in ascending order at end of input.
func (d *Demuxer) drain() {
	for _, pid := range slices.Sorted(maps.Keys(d.pids)) {
		b := d.pids[pid]
		unit := b.take()
		if unit == nil {
			continue
		}
		if pid == pidPAT || d.pmtPIDs[pid] {
			d.tables(pid, unit)
		} else if _, ok := d.streams[pid]; ok {
			d.emit(pid, unit, b.lost)
		}
	}
}
