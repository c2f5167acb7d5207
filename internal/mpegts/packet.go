package mpegts

import "fmt"

func parsePacket(buf []byte) (packet, error) {
	var p packet
	if len(buf) != PacketSize {
		return p, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return p, fmt.Errorf("%w: byte 0x%02X", ErrSync, buf[0])
	}

	p.transportErr = buf[1]&0x80 != 0
	p.unitStart = buf[1]&0x40 != 0
	p.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAF := buf[3]&0x20 != 0
	p.hasPayload = buf[3]&0x10 != 0
	p.cc = buf[3] & 0x0F

	off := 4
	if hasAF {
		afLen := int(buf[off])
		if afLen > 0 {
			p.discontinuity = buf[off+1]&0x80 != 0
		}
		off += 1 + afLen
		if off > PacketSize {
			return p, fmt.Errorf("mpegts: adaptation field length %d overruns packet", afLen)
		}
	}
	if p.hasPayload && off < PacketSize {
		p.payload = buf[off:]
	}
	return p, nil
}
