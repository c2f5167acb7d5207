package main

import "github.com/zsiec/avcmux/internal/mpegts"

// stampEntry records where a PTS, DTS, or PCR lives in the file so it can
// be rewritten in place when the file loops.
type stampEntry struct {
	offset int
	isPCR  bool
}

// scanTimestamps returns every PTS, DTS, and PCR location in data along
// with the first and last video PTS (90 kHz ticks). firstPTS is -1 when
// no video PES carries a PTS.
func scanTimestamps(data []byte) (entries []stampEntry, firstPTS, lastPTS int64) {
	firstPTS = -1

	for off := 0; off+mpegts.PacketSize <= len(data); off += mpegts.PacketSize {
		pkt := data[off : off+mpegts.PacketSize]
		if pkt[0] != 0x47 {
			continue
		}
		hasAF := pkt[3]&0x20 != 0
		hasPayload := pkt[3]&0x10 != 0
		payloadOff := 4

		if hasAF {
			afLen := int(pkt[4])
			// PCR flag set and room for its six bytes.
			if afLen >= 7 && pkt[5]&0x10 != 0 {
				entries = append(entries, stampEntry{offset: off + 6, isPCR: true})
			}
			payloadOff += 1 + afLen
		}

		if pkt[1]&0x40 == 0 || !hasPayload || payloadOff+14 > mpegts.PacketSize {
			continue
		}
		pes := pkt[payloadOff:]
		if pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
			continue
		}
		sid := pes[3]
		isVideo := sid >= 0xE0 && sid <= 0xEF
		isAudio := sid >= 0xC0 && sid <= 0xDF
		if !isVideo && !isAudio {
			continue
		}

		flags := pes[7]
		if flags&0x80 != 0 {
			at := off + payloadOff + 9
			entries = append(entries, stampEntry{offset: at})
			if isVideo {
				pts := decodePTS(data[at:])
				if firstPTS < 0 || pts < firstPTS {
					firstPTS = pts
				}
				lastPTS = max(lastPTS, pts)
			}
		}
		if flags&0x40 != 0 && payloadOff+19 <= mpegts.PacketSize {
			entries = append(entries, stampEntry{offset: off + payloadOff + 14})
		}
	}
	return entries, firstPTS, lastPTS
}

// addTimestampOffset adds delta (90 kHz ticks) to every recorded stamp.
func addTimestampOffset(data []byte, entries []stampEntry, delta int64) {
	for _, e := range entries {
		b := data[e.offset:]
		if e.isPCR {
			encodePCR(b, (decodePCR(b)+delta)&maxStamp)
		} else {
			encodePTS(b, (decodePTS(b)+delta)&maxStamp)
		}
	}
}

const maxStamp = 1<<33 - 1

func decodePTS(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}

// encodePTS keeps the '0010'/'0011'/'0001' prefix nibble of b[0].
func encodePTS(b []byte, pts int64) {
	b[0] = b[0]&0xF0 | byte(pts>>29&0x0E) | 0x01
	b[1] = byte(pts >> 22)
	b[2] = byte(pts>>14&0xFE) | 0x01
	b[3] = byte(pts >> 7)
	b[4] = byte(pts<<1&0xFE) | 0x01
}

// decodePCR returns the 33-bit base; the 9-bit extension is ignored.
func decodePCR(b []byte) int64 {
	return int64(b[0])<<25 |
		int64(b[1])<<17 |
		int64(b[2])<<9 |
		int64(b[3])<<1 |
		int64(b[4]>>7)
}

func encodePCR(b []byte, base int64) {
	ext := b[4] & 0x01
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | ext
}
