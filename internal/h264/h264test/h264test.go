// Package h264test synthesizes H.264 NAL units for tests: parameter sets with
// chosen geometry and timing, and filler slices.
package h264test

import (
	"bytes"

	"github.com/zsiec/avcmux/internal/bits"
)

// Params selects the fields written into a synthetic SPS.
type Params struct {
	Profile    uint8
	Constraint uint8
	Level      uint8
	Width      int
	Height     int
	// FrameRate, when positive, adds VUI timing with num_units_in_tick 1 and
	// time_scale 2*FrameRate.
	FrameRate int
}

// HD720 is a 1280x720 High profile level 3.1 SPS at 30 fps (avc1.64001f).
var HD720 = Params{Profile: 100, Level: 0x1F, Width: 1280, Height: 720, FrameRate: 30}

// SPS returns a complete SPS NAL unit, header byte included.
func SPS(p Params) []byte {
	var w bits.Writer
	w.WriteBits(uint32(p.Profile), 8)
	w.WriteBits(uint32(p.Constraint), 8)
	w.WriteBits(uint32(p.Level), 8)
	w.WriteUE(0) // seq_parameter_set_id

	switch p.Profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		w.WriteUE(1)       // chroma_format_idc 4:2:0
		w.WriteUE(0)       // bit_depth_luma_minus8
		w.WriteUE(0)       // bit_depth_chroma_minus8
		w.WriteFlag(false) // qpprime_y_zero_transform_bypass_flag
		w.WriteFlag(false) // seq_scaling_matrix_present_flag
	}

	w.WriteUE(0) // log2_max_frame_num_minus4
	w.WriteUE(0) // pic_order_cnt_type
	w.WriteUE(2) // log2_max_pic_order_cnt_lsb_minus4
	w.WriteUE(1) // max_num_ref_frames
	w.WriteFlag(false)

	widthMbs := (p.Width + 15) / 16
	heightMbs := (p.Height + 15) / 16
	w.WriteUE(uint32(widthMbs - 1))
	w.WriteUE(uint32(heightMbs - 1))
	w.WriteFlag(true) // frame_mbs_only_flag
	w.WriteFlag(true) // direct_8x8_inference_flag

	cropRight := (widthMbs*16 - p.Width) / 2
	cropBottom := (heightMbs*16 - p.Height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.WriteFlag(true)
		w.WriteUE(0)
		w.WriteUE(uint32(cropRight))
		w.WriteUE(0)
		w.WriteUE(uint32(cropBottom))
	} else {
		w.WriteFlag(false)
	}

	if p.FrameRate > 0 {
		w.WriteFlag(true)  // vui_parameters_present_flag
		w.WriteFlag(false) // aspect_ratio_info_present_flag
		w.WriteFlag(false) // overscan_info_present_flag
		w.WriteFlag(false) // video_signal_type_present_flag
		w.WriteFlag(false) // chroma_loc_info_present_flag
		w.WriteFlag(true)  // timing_info_present_flag
		w.WriteBits(1, 32)
		w.WriteBits(uint32(2*p.FrameRate), 32)
		w.WriteFlag(true)  // fixed_frame_rate_flag
		w.WriteFlag(false) // nal_hrd_parameters_present_flag
		w.WriteFlag(false) // vcl_hrd_parameters_present_flag
		w.WriteFlag(false) // pic_struct_present_flag
		w.WriteFlag(false) // bitstream_restriction_flag
	} else {
		w.WriteFlag(false)
	}
	w.WriteTrailingBits()

	return append([]byte{0x67}, AddEmulationPrevention(w.Bytes())...)
}

// PPS returns a fixed PPS NAL unit.
func PPS() []byte {
	return []byte{0x68, 0xEB, 0xE3, 0xCB, 0x22, 0xC0}
}

// IDR returns an IDR slice NAL unit with n filler payload bytes.
func IDR(n int) []byte {
	return slice(0x65, n)
}

// NonIDR returns a non-IDR slice NAL unit with n filler payload bytes.
func NonIDR(n int) []byte {
	return slice(0x41, n)
}

// SEI returns a small SEI NAL unit.
func SEI() []byte {
	return []byte{0x06, 0x05, 0x01, 0xAA, 0x80}
}

func slice(header byte, n int) []byte {
	return append([]byte{header}, bytes.Repeat([]byte{0xAB}, n)...)
}

// AnnexB joins units behind 4-byte start codes.
func AnnexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u...)
	}
	return out
}

// AVCC joins units behind 4-byte big-endian lengths.
func AVCC(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		n := len(u)
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		out = append(out, u...)
	}
	return out
}

// AddEmulationPrevention inserts emulation_prevention_three_byte wherever
// two zero bytes are followed by a byte <= 3.
func AddEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/2)
	zeros := 0
	for _, b := range rbsp {
		if zeros == 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
