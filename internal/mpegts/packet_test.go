package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func TestParsePacket(t *testing.T) {
	t.Parallel()

	p, err := parsePacket(makePacket(0x1FFE, 5, true, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if p.pid != 0x1FFE {
		t.Errorf("pid = 0x%X, want 0x1FFE", p.pid)
	}
	if p.cc != 5 || !p.unitStart || !p.hasPayload || p.transportErr {
		t.Errorf("header = %+v", p)
	}
	if len(p.payload) != PacketSize-4 || !bytes.Equal(p.payload[:3], []byte{1, 2, 3}) {
		t.Errorf("payload len %d, prefix %X", len(p.payload), p.payload[:3])
	}
}

func TestParsePacketAdaptationField(t *testing.T) {
	t.Parallel()

	buf := makePacket(0x100, 0, false, nil)
	buf[3] = 0x30
	buf[4] = 10
	buf[5] = 0x80 // discontinuity_indicator
	buf[15] = 0xAB

	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.discontinuity {
		t.Error("discontinuity not set")
	}
	if len(p.payload) != PacketSize-15 || p.payload[0] != 0xAB {
		t.Errorf("payload len %d, first 0x%02X", len(p.payload), p.payload[0])
	}

	buf[4] = 200
	if _, err := parsePacket(buf); err == nil {
		t.Error("expected error for overrunning adaptation field")
	}
}

func TestParsePacketAdaptationOnly(t *testing.T) {
	t.Parallel()

	buf := makePacket(0x100, 0, false, nil)
	buf[3] = 0x20
	buf[4] = 183
	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.hasPayload || p.payload != nil {
		t.Errorf("adaptation-only packet has payload %d bytes", len(p.payload))
	}
}

func TestParsePacketErrors(t *testing.T) {
	t.Parallel()

	bad := makePacket(0, 0, false, nil)
	bad[0] = 0x48
	if _, err := parsePacket(bad); !errors.Is(err, ErrSync) {
		t.Errorf("bad sync: got %v, want ErrSync", err)
	}
	if _, err := parsePacket(make([]byte, 100)); err == nil {
		t.Error("expected error for short packet")
	}
}

func TestPIDBufferContinuity(t *testing.T) {
	t.Parallel()

	pkt := func(cc uint8, start bool, b byte) packet {
		return packet{pid: 0x100, cc: cc, unitStart: start, hasPayload: true, payload: []byte{b}}
	}

	var b pidBuffer
	b.lastCC = -1
	b.add(pkt(14, true, 'a'))
	b.add(pkt(15, false, 'b'))
	b.add(pkt(15, false, 'x')) // duplicate
	b.add(pkt(0, false, 'c'))  // wrap
	unit, lost := b.add(pkt(1, true, 'd'))
	if string(unit) != "abc" || lost {
		t.Fatalf("got %q (lost %v), want abc", unit, lost)
	}

	b.add(pkt(3, false, 'e')) // gap drops the unit in progress
	b.add(pkt(4, true, 'f'))
	unit, lost = b.add(pkt(5, true, 'g'))
	if string(unit) != "f" || !lost {
		t.Errorf("got %q (lost %v), want f (lost)", unit, lost)
	}
	if got := b.take(); string(got) != "g" {
		t.Errorf("take = %q, want g", got)
	}
}

func TestPIDBufferTransportError(t *testing.T) {
	t.Parallel()

	b := pidBuffer{lastCC: -1}
	b.add(packet{cc: 0, unitStart: true, hasPayload: true, payload: []byte{1}})
	b.add(packet{cc: 1, transportErr: true, hasPayload: true, payload: []byte{2}})
	if got := b.take(); got != nil {
		t.Errorf("take after transport error = %X, want nil", got)
	}
}

func TestCRC32(t *testing.T) {
	t.Parallel()

	// "123456789" check value for CRC-32/MPEG-2.
	if got := CRC32([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("got 0x%08X, want 0x0376E6E7", got)
	}
}
