package h264

import (
	"errors"
	"fmt"

	"github.com/zsiec/avcmux/internal/bits"
)

// ErrMalformedSPS is matched by every *MalformedSPSError.
var ErrMalformedSPS = errors.New("h264: malformed SPS")

// MalformedSPSError records which SPS field could not be decoded.
type MalformedSPSError struct {
	Field string
	Err   error
}

func (e *MalformedSPSError) Error() string {
	return fmt.Sprintf("h264: malformed SPS: %s: %v", e.Field, e.Err)
}

func (e *MalformedSPSError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedSPS) hold for any MalformedSPSError.
func (e *MalformedSPSError) Is(target error) bool {
	return target == ErrMalformedSPS
}

var errNonPositiveSize = errors.New("non-positive picture size")

// maxPOCCycle bounds num_ref_frames_in_pic_order_cnt_cycle (H.264 7.4.2.1.1).
const maxPOCCycle = 255

// SPS holds the sequence parameter set fields that drive MP4 sample
// descriptions and frame timing.
type SPS struct {
	ProfileIDC          uint8
	ConstraintFlags     uint8
	LevelIDC            uint8
	ID                  uint32
	ChromaFormatIDC     uint32
	SeparateColourPlane bool
	BitDepthLuma        uint32
	BitDepthChroma      uint32
	Log2MaxFrameNum     uint32
	PicOrderCntType     uint32
	MaxNumRefFrames     uint32
	FrameMbsOnly        bool
	Width               int
	Height              int

	CropLeft, CropRight, CropTop, CropBottom uint32

	// VUI, zero when absent.
	SarWidth          uint32
	SarHeight         uint32
	TimingInfoPresent bool
	NumUnitsInTick    uint32
	TimeScale         uint32
	FixedFrameRate    bool
}

// FrameRate returns time_scale / (2 * num_units_in_tick) when the VUI carries
// usable timing information.
func (s SPS) FrameRate() (float64, bool) {
	if !s.TimingInfoPresent || s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return 0, false
	}
	return float64(s.TimeScale) / (2 * float64(s.NumUnitsInTick)), true
}

// Codec returns the RFC 6381 codec parameter, e.g. "avc1.64001f".
func (s SPS) Codec() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// ChromaArrayType returns 0 for separately coded colour planes, else
// chroma_format_idc.
func (s SPS) ChromaArrayType() uint32 {
	if s.SeparateColourPlane {
		return 0
	}
	return s.ChromaFormatIDC
}

// hasChromaInfo reports whether profile_idc carries chroma format, bit depth
// and scaling matrix fields.
func hasChromaInfo(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

// sarTable maps aspect_ratio_idc 1..16 to sample aspect ratios (Table E-1).
var sarTable = [...][2]uint32{
	{1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11}, {32, 11},
	{80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
}

const aspectRatioExtendedSAR = 255

// spsReader wraps a bit reader with a sticky error that remembers the first
// field that failed to decode.
type spsReader struct {
	br    *bits.Reader
	field string
	err   error
}

func (r *spsReader) fail(field string, err error) {
	if r.err == nil {
		r.field, r.err = field, err
	}
}

func (r *spsReader) u(n int, field string) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadBits(n)
	if err != nil {
		r.fail(field, err)
	}
	return v
}

func (r *spsReader) flag(field string) bool {
	return r.u(1, field) == 1
}

func (r *spsReader) ue(field string) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadUE()
	if err != nil {
		r.fail(field, err)
	}
	return v
}

func (r *spsReader) se(field string) int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadSE()
	if err != nil {
		r.fail(field, err)
	}
	return v
}

func (r *spsReader) skipScalingList(size int) {
	lastScale, nextScale := int32(8), int32(8)
	for j := 0; j < size && r.err == nil; j++ {
		if nextScale != 0 {
			delta := r.se("delta_scale")
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

func (r *spsReader) error() error {
	if r.err == nil {
		return nil
	}
	return &MalformedSPSError{Field: r.field, Err: r.err}
}

// DecodeSPS decodes a sequence parameter set. payload is the SPS NAL unit
// without its one-byte header; emulation prevention bytes are removed here.
// Failure to read any mandatory field, or a non-positive derived picture
// size, yields a *MalformedSPSError. A truncated VUI is tolerated and leaves
// timing information unset.
func DecodeSPS(payload []byte) (SPS, error) {
	r := &spsReader{br: bits.NewReader(RemoveEmulationPrevention(payload))}

	var s SPS
	s.ProfileIDC = uint8(r.u(8, "profile_idc"))
	s.ConstraintFlags = uint8(r.u(8, "constraint_flags"))
	s.LevelIDC = uint8(r.u(8, "level_idc"))
	s.ID = r.ue("seq_parameter_set_id")

	s.ChromaFormatIDC = 1
	s.BitDepthLuma, s.BitDepthChroma = 8, 8
	if hasChromaInfo(s.ProfileIDC) {
		s.ChromaFormatIDC = r.ue("chroma_format_idc")
		if s.ChromaFormatIDC == 3 {
			s.SeparateColourPlane = r.flag("separate_colour_plane_flag")
		}
		s.BitDepthLuma = r.ue("bit_depth_luma_minus8") + 8
		s.BitDepthChroma = r.ue("bit_depth_chroma_minus8") + 8
		r.flag("qpprime_y_zero_transform_bypass_flag")
		if r.flag("seq_scaling_matrix_present_flag") {
			lists := 8
			if s.ChromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.flag("seq_scaling_list_present_flag") {
					size := 16
					if i >= 6 {
						size = 64
					}
					r.skipScalingList(size)
				}
			}
		}
	}

	s.Log2MaxFrameNum = r.ue("log2_max_frame_num_minus4") + 4
	s.PicOrderCntType = r.ue("pic_order_cnt_type")
	switch s.PicOrderCntType {
	case 0:
		r.ue("log2_max_pic_order_cnt_lsb_minus4")
	case 1:
		r.flag("delta_pic_order_always_zero_flag")
		r.se("offset_for_non_ref_pic")
		r.se("offset_for_top_to_bottom_field")
		cycle := r.ue("num_ref_frames_in_pic_order_cnt_cycle")
		if cycle > maxPOCCycle {
			r.fail("num_ref_frames_in_pic_order_cnt_cycle", fmt.Errorf("value %d out of range", cycle))
		}
		for i := uint32(0); i < cycle && r.err == nil; i++ {
			r.se("offset_for_ref_frame")
		}
	}

	s.MaxNumRefFrames = r.ue("max_num_ref_frames")
	r.flag("gaps_in_frame_num_value_allowed_flag")
	widthMbs := r.ue("pic_width_in_mbs_minus1") + 1
	heightMapUnits := r.ue("pic_height_in_map_units_minus1") + 1
	s.FrameMbsOnly = r.flag("frame_mbs_only_flag")
	if !s.FrameMbsOnly {
		r.flag("mb_adaptive_frame_field_flag")
	}
	r.flag("direct_8x8_inference_flag")
	if r.flag("frame_cropping_flag") {
		s.CropLeft = r.ue("frame_crop_left_offset")
		s.CropRight = r.ue("frame_crop_right_offset")
		s.CropTop = r.ue("frame_crop_top_offset")
		s.CropBottom = r.ue("frame_crop_bottom_offset")
	}
	if err := r.error(); err != nil {
		return SPS{}, err
	}

	fieldMul := 2
	if s.FrameMbsOnly {
		fieldMul = 1
	}
	cropX, cropY := 1, fieldMul
	switch s.ChromaArrayType() {
	case 1:
		cropX, cropY = 2, 2*fieldMul
	case 2:
		cropX, cropY = 2, fieldMul
	}
	s.Width = int(widthMbs)*16 - cropX*int(s.CropLeft+s.CropRight)
	s.Height = int(heightMapUnits)*16*fieldMul - cropY*int(s.CropTop+s.CropBottom)
	if s.Width <= 0 || s.Height <= 0 {
		return SPS{}, &MalformedSPSError{
			Field: "frame_cropping",
			Err:   fmt.Errorf("%w: %dx%d", errNonPositiveSize, s.Width, s.Height),
		}
	}

	if r.flag("vui_parameters_present_flag") {
		decodeVUI(r, &s)
	}
	return s, nil
}

// decodeVUI reads VUI fields up to and including timing_info. Errors are
// swallowed; fields decoded before the failure are kept, timing only when
// complete.
func decodeVUI(r *spsReader, s *SPS) {
	if r.flag("aspect_ratio_info_present_flag") {
		idc := r.u(8, "aspect_ratio_idc")
		switch {
		case idc == aspectRatioExtendedSAR:
			w := r.u(16, "sar_width")
			h := r.u(16, "sar_height")
			if r.err == nil {
				s.SarWidth, s.SarHeight = w, h
			}
		case idc >= 1 && int(idc) <= len(sarTable):
			s.SarWidth, s.SarHeight = sarTable[idc-1][0], sarTable[idc-1][1]
		}
	}
	if r.flag("overscan_info_present_flag") {
		r.flag("overscan_appropriate_flag")
	}
	if r.flag("video_signal_type_present_flag") {
		r.u(3, "video_format")
		r.flag("video_full_range_flag")
		if r.flag("colour_description_present_flag") {
			r.u(24, "colour_description")
		}
	}
	if r.flag("chroma_loc_info_present_flag") {
		r.ue("chroma_sample_loc_type_top_field")
		r.ue("chroma_sample_loc_type_bottom_field")
	}
	if r.flag("timing_info_present_flag") {
		units := r.u(32, "num_units_in_tick")
		scale := r.u(32, "time_scale")
		fixed := r.flag("fixed_frame_rate_flag")
		if r.err == nil {
			s.TimingInfoPresent = true
			s.NumUnitsInTick = units
			s.TimeScale = scale
			s.FixedFrameRate = fixed
		}
	}
}
