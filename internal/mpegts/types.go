// Package mpegts reads an MPEG transport stream and reassembles the
// packetized elementary streams announced in its program map, with their
// 90 kHz presentation and decode timestamps.
package mpegts

import "errors"

const (
	// PacketSize is the size of one transport stream packet.
	PacketSize = 188
	syncByte   = 0x47
	pidPAT     = 0x0000
	pidNull    = 0x1FFF
)

// Elementary stream types from the PMT.
const (
	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
	StreamTypeAAC  = 0x0F
)

// ErrSync reports a packet that does not begin with the sync byte.
var ErrSync = errors.New("mpegts: lost sync")

// PES is one reassembled packetized elementary stream unit.
type PES struct {
	PID        uint16
	StreamType uint8
	StreamID   uint8
	HasPTS     bool
	HasDTS     bool
	PTS        int64 // 90 kHz
	DTS        int64 // 90 kHz; equals PTS when the header carries no DTS
	// Discontinuity is set when packets of this PID were lost before the
	// unit started.
	Discontinuity bool
	Data          []byte
}

// packet is one parsed transport stream packet.
type packet struct {
	pid           uint16
	cc            uint8
	unitStart     bool
	transportErr  bool
	hasPayload    bool
	discontinuity bool
	payload       []byte
}
