package h264

import (
	"errors"
	"fmt"
)

// Limits imposed by the AVCDecoderConfigurationRecord field widths.
const (
	maxParamSets    = 31
	maxPPSSets      = 255
	maxParamSetSize = 0xFFFF
)

var errNoSPS = errors.New("h264: decoder config needs an SPS of at least 4 bytes")

// AVCDecoderConfig builds an AVCDecoderConfigurationRecord (ISO 14496-15
// 5.3.3.1) from SPS and PPS NAL units, header byte included, without start
// codes. NAL units in the samples it describes use 4-byte lengths. High
// profiles get the chroma format and bit depth extension.
func AVCDecoderConfig(sps, pps [][]byte) ([]byte, error) {
	if len(sps) == 0 || len(sps[0]) < 4 {
		return nil, errNoSPS
	}
	if len(sps) > maxParamSets || len(pps) > maxPPSSets {
		return nil, fmt.Errorf("h264: too many parameter sets (%d SPS, %d PPS)", len(sps), len(pps))
	}

	size := 7
	for _, p := range sps {
		size += 2 + len(p)
	}
	for _, p := range pps {
		size += 2 + len(p)
	}
	size += 4

	buf := make([]byte, 0, size)
	buf = append(buf, 1)         // configurationVersion
	buf = append(buf, sps[0][1]) // AVCProfileIndication
	buf = append(buf, sps[0][2]) // profile_compatibility
	buf = append(buf, sps[0][3]) // AVCLevelIndication
	buf = append(buf, 0xFF)      // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE0|byte(len(sps)))

	var err error
	for _, p := range sps {
		if buf, err = appendParamSet(buf, p); err != nil {
			return nil, err
		}
	}
	buf = append(buf, byte(len(pps)))
	for _, p := range pps {
		if buf, err = appendParamSet(buf, p); err != nil {
			return nil, err
		}
	}

	switch sps[0][1] {
	case 100, 110, 122, 144:
		info, err := DecodeSPS(sps[0][1:])
		if err != nil {
			return nil, err
		}
		buf = append(buf,
			0xFC|byte(info.ChromaFormatIDC&0x03),
			0xF8|byte((info.BitDepthLuma-8)&0x07),
			0xF8|byte((info.BitDepthChroma-8)&0x07),
			0, // numOfSequenceParameterSetExt
		)
	}
	return buf, nil
}

func appendParamSet(buf, p []byte) ([]byte, error) {
	if len(p) > maxParamSetSize {
		return nil, fmt.Errorf("h264: parameter set of %d bytes exceeds 16-bit length", len(p))
	}
	buf = append(buf, byte(len(p)>>8), byte(len(p)))
	return append(buf, p...), nil
}

// DecoderConfig is what a frame-level decoder needs before it accepts the
// first access unit: codec string, coded size and the avcC description.
type DecoderConfig struct {
	Codec       string `json:"codec"`
	CodedWidth  int    `json:"codedWidth"`
	CodedHeight int    `json:"codedHeight"`
	Description []byte `json:"description,omitempty"`
}

// NewDecoderConfig assembles a DecoderConfig from a decoded SPS and the raw
// parameter set units.
func NewDecoderConfig(info SPS, sps, pps [][]byte) (DecoderConfig, error) {
	desc, err := AVCDecoderConfig(sps, pps)
	if err != nil {
		return DecoderConfig{}, err
	}
	return DecoderConfig{
		Codec:       info.Codec(),
		CodedWidth:  info.Width,
		CodedHeight: info.Height,
		Description: desc,
	}, nil
}
