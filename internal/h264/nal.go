// Package h264 decodes the H.264 structures the remuxer needs: NAL unit
// types, sequence parameter sets, and the AVC decoder configuration record
// carried in MP4 sample descriptions.
package h264

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType uint8) bool {
	return nalType == NALTypeIDR
}

// IsSlice returns true for coded slices of IDR and non-IDR pictures.
func IsSlice(nalType uint8) bool {
	return nalType == NALTypeSlice || nalType == NALTypeIDR
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType uint8) bool {
	return nalType == NALTypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType uint8) bool {
	return nalType == NALTypePPS
}

// RemoveEmulationPrevention strips emulation_prevention_three_byte from a
// NAL payload, turning 0x000003 back into 0x0000.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
