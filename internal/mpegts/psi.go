package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

type section struct {
	tableID byte
	data    []byte // table_id through CRC
}

// splitSections walks the sections of a PSI payload that starts with a
// pointer field. ok is false while the last section is still incomplete.
func splitSections(payload []byte) (secs []section, ok bool) {
	if len(payload) < 1 {
		return nil, false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, false
	}
	for off < len(payload) {
		// 0xFF is stuffing; a clear section_syntax_indicator is padding.
		if payload[off] == 0xFF {
			break
		}
		if off+3 > len(payload) {
			return secs, false
		}
		if payload[off+1]&0x80 == 0 {
			break
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return secs, false
		}
		secs = append(secs, section{tableID: payload[off], data: payload[off:end]})
		off = end
	}
	return secs, true
}

// parsePAT returns the PMT PIDs of all programs, skipping the NIT entry.
func parsePAT(sec []byte) ([]uint16, error) {
	if len(sec) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short (%d bytes)", len(sec))
	}
	if CRC32(sec) != 0 {
		return nil, fmt.Errorf("mpegts: PAT %w", errCRC)
	}
	var pids []uint16
	for i := 8; i+4 <= len(sec)-4; i += 4 {
		program := uint16(sec[i])<<8 | uint16(sec[i+1])
		if program == 0 {
			continue
		}
		pids = append(pids, uint16(sec[i+2]&0x1F)<<8|uint16(sec[i+3]))
	}
	return pids, nil
}

// parsePMT returns elementary PID to stream type.
func parsePMT(sec []byte) (map[uint16]uint8, error) {
	if len(sec) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short (%d bytes)", len(sec))
	}
	if CRC32(sec) != 0 {
		return nil, fmt.Errorf("mpegts: PMT %w", errCRC)
	}
	streams := make(map[uint16]uint8)
	off := 12 + (int(sec[10]&0x0F)<<8 | int(sec[11]))
	for off+5 <= len(sec)-4 {
		pid := uint16(sec[off+1]&0x1F)<<8 | uint16(sec[off+2])
		streams[pid] = sec[off]
		off += 5 + (int(sec[off+3]&0x0F)<<8 | int(sec[off+4]))
	}
	return streams, nil
}
