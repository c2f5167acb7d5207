// Package mpegtstest writes small single-program transport streams for
// tests.
package mpegtstest

import (
	"bytes"
	"encoding/binary"

	"github.com/zsiec/avcmux/internal/mpegts"
)

// Default PIDs.
const (
	PMTPID   = 0x1000
	VideoPID = 0x0100
)

// Writer emits a PAT, a PMT with one video stream, and video PES packets.
type Writer struct {
	buf        bytes.Buffer
	cc         map[uint16]uint8
	StreamType uint8
}

// NewWriter returns a writer for an H.264 program.
func NewWriter() *Writer {
	return &Writer{cc: make(map[uint16]uint8), StreamType: mpegts.StreamTypeH264}
}

// Bytes returns everything written so far.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Tables writes the PAT and PMT.
func (w *Writer) Tables() *Writer {
	w.packetize(0, psi(PAT()))
	w.packetize(PMTPID, psi(PMT(w.StreamType)))
	return w
}

// Video writes one PES carrying data with the given 90 kHz PTS. A negative
// dts omits the DTS field.
func (w *Writer) Video(data []byte, pts, dts int64) *Writer {
	w.packetize(VideoPID, PES(0xE0, pts, dts, data))
	return w
}

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf.Write(b)
	return w
}

// SkipCC advances the continuity counter of pid, simulating a lost packet.
func (w *Writer) SkipCC(pid uint16) *Writer {
	w.cc[pid] = (w.cc[pid] + 1) & 0x0F
	return w
}

// packetize splits payload into packets, padding the last one with an
// adaptation field.
func (w *Writer) packetize(pid uint16, payload []byte) {
	start := true
	for len(payload) > 0 {
		pkt := make([]byte, mpegts.PacketSize)
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		if start {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		cc := w.cc[pid]
		w.cc[pid] = (cc + 1) & 0x0F

		n := min(len(payload), mpegts.PacketSize-4)
		off := 4
		if n < mpegts.PacketSize-4 {
			afLen := mpegts.PacketSize - 4 - 1 - n
			pkt[3] = 0x30 | cc
			pkt[4] = byte(afLen)
			if afLen > 0 {
				pkt[5] = 0x00
				for i := 6; i < 5+afLen; i++ {
					pkt[i] = 0xFF
				}
			}
			off = 5 + afLen
		} else {
			pkt[3] = 0x10 | cc
		}
		copy(pkt[off:], payload[:n])
		payload = payload[n:]
		start = false
		w.buf.Write(pkt)
	}
}

func psi(section []byte) []byte {
	return append([]byte{0}, section...)
}

func withCRC(sec []byte) []byte {
	return binary.BigEndian.AppendUint32(sec, mpegts.CRC32(sec))
}

// PAT returns a PAT section announcing program 1 at PMTPID.
func PAT() []byte {
	sec := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_length 13
		0x00, 0x01, // transport_stream_id
		0xC1, 0x00, 0x00,
		0x00, 0x01, // program 1
		0xE0 | PMTPID>>8, PMTPID & 0xFF,
	}
	return withCRC(sec)
}

// PMT returns a PMT section with one elementary stream at VideoPID.
func PMT(streamType uint8) []byte {
	sec := []byte{
		0x02,       // table_id
		0xB0, 0x12, // section_length 18
		0x00, 0x01, // program_number
		0xC1, 0x00, 0x00,
		0xE0 | VideoPID>>8, VideoPID & 0xFF, // PCR PID
		0xF0, 0x00, // program_info_length
		streamType, 0xE0 | VideoPID>>8, VideoPID & 0xFF, 0xF0, 0x00,
	}
	return withCRC(sec)
}

// PES returns a PES packet with unbounded length. A negative dts omits it.
func PES(streamID uint8, pts, dts int64, data []byte) []byte {
	flags, hdr := byte(0x80), EncodeTimestamp(0x2, pts)
	if dts >= 0 {
		flags = 0xC0
		hdr = append(EncodeTimestamp(0x3, pts), EncodeTimestamp(0x1, dts)...)
	}
	b := []byte{0, 0, 1, streamID, 0, 0, 0x80, flags, byte(len(hdr))}
	b = append(b, hdr...)
	return append(b, data...)
}

// EncodeTimestamp encodes a 33-bit timestamp with its 4-bit prefix and
// marker bits.
func EncodeTimestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 1,
		byte(ts >> 22),
		byte(ts>>14) | 1,
		byte(ts >> 7),
		byte(ts<<1) | 1,
	}
}
