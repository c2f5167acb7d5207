package mpegts

import "fmt"

// hasOptionalHeader reports whether a PES stream ID carries the optional
// header: everything except padding, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E and the program stream directory.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte, pes *PES) error {
	if len(b) < 6 {
		return fmt.Errorf("mpegts: PES too short (%d bytes)", len(b))
	}
	if b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return fmt.Errorf("mpegts: invalid PES start code %X", b[:3])
	}
	pes.StreamID = b[3]
	end := len(b)
	// A zero length is unbounded, which is normal for video.
	if n := int(b[4])<<8 | int(b[5]); n > 0 && 6+n < end {
		end = 6 + n
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return nil
	}
	if len(b) < 9 {
		return fmt.Errorf("mpegts: PES optional header too short")
	}
	flags := b[7] >> 6
	start := 9 + int(b[8])
	if start > end {
		return fmt.Errorf("mpegts: PES header length %d overruns packet", b[8])
	}
	if flags&0x2 != 0 && start >= 14 {
		pes.PTS, pes.HasPTS = timestamp(b[9:14]), true
		pes.DTS = pes.PTS
		if flags == 0x3 && start >= 19 {
			pes.DTS, pes.HasDTS = timestamp(b[14:19]), true
		}
	}
	pes.Data = b[start:end]
	return nil
}

// timestamp decodes a 33-bit PTS or DTS from its 5-byte marker encoding.
func timestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
