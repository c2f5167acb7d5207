package fmp4

import (
	"errors"
	"fmt"

	"github.com/abema/go-mp4"

	"github.com/zsiec/avcmux/internal/h264"
)

// Defaults written into the sample description.
const (
	defaultSampleFlags = 0x00010001 // non-sync, depends on others
	resolution72DPI    = 0x00480000
	nextTrackIDAny     = 0xFFFFFFFF
	tkhdEnabledInMovie = 0x000007 // enabled | in movie | in preview
	depthColor         = 0x0018

	// Limits of the avcC field widths.
	maxSPSCount     = 31
	maxPPSCount     = 255
	maxParamSetSize = 0xFFFF
)

var (
	brandISOM   = [4]byte{'i', 's', 'o', 'm'}
	brandAVC1   = [4]byte{'a', 'v', 'c', '1'}
	handlerVIDE = [4]byte{'v', 'i', 'd', 'e'}

	errNoSPS = errors.New("fmp4: track needs an SPS of at least 4 bytes")
)

// InitSegment serializes ftyp + moov for the given tracks. duration is in
// timescale units; 0 means unknown, as for a live stream.
func InitSegment(tracks []*Track, duration, timescale uint32) ([]byte, error) {
	bw := newBoxWriter()
	bw.leaf(&mp4.Ftyp{
		MajorBrand:   brandISOM,
		MinorVersion: 1,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: brandISOM},
			{CompatibleBrand: brandAVC1},
		},
	})

	bw.start(&mp4.Moov{})
	bw.leaf(&mp4.Mvhd{
		Timescale:   timescale,
		DurationV0:  duration,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      unityMatrix,
		NextTrackID: nextTrackIDAny,
	})
	for _, t := range tracks {
		if err := writeTrak(bw, t); err != nil {
			return nil, err
		}
	}
	bw.start(&mp4.Mvex{})
	for _, t := range tracks {
		bw.leaf(&mp4.Trex{
			TrackID:                       t.ID,
			DefaultSampleDescriptionIndex: 1,
			DefaultSampleFlags:            defaultSampleFlags,
		})
	}
	bw.end() // mvex
	bw.end() // moov

	return bw.finish()
}

func writeTrak(bw *boxWriter, t *Track) error {
	avcC, err := avcConfig(t.SPS, t.PPS)
	if err != nil {
		return fmt.Errorf("fmp4: track %d: %w", t.ID, err)
	}

	bw.start(&mp4.Trak{})
	bw.leaf(&mp4.Tkhd{
		FullBox:    fullBox(0, tkhdEnabledInMovie),
		TrackID:    t.ID,
		DurationV0: t.Duration,
		Matrix:     unityMatrix,
		Width:      uint32(t.Width) << 16,
		Height:     uint32(t.Height) << 16,
	})

	bw.start(&mp4.Mdia{})
	bw.leaf(&mp4.Mdhd{
		Timescale:  t.Timescale,
		DurationV0: t.Duration,
		Language:   [3]byte{'u', 'n', 'd'},
	})
	bw.leaf(&mp4.Hdlr{
		HandlerType: handlerVIDE,
		Name:        "VideoHandler",
	})

	bw.start(&mp4.Minf{})
	bw.leaf(&mp4.Vmhd{FullBox: fullBox(0, 1)})
	bw.start(&mp4.Dinf{})
	bw.start(&mp4.Dref{EntryCount: 1})
	bw.leaf(&mp4.Url{FullBox: fullBox(0, mp4.UrlSelfContained)})
	bw.end() // dref
	bw.end() // dinf

	bw.start(&mp4.Stbl{})
	bw.start(&mp4.Stsd{EntryCount: 1})
	bw.start(&mp4.VisualSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeAvc1()},
			DataReferenceIndex: 1,
		},
		Width:           uint16(t.Width),
		Height:          uint16(t.Height),
		Horizresolution: resolution72DPI,
		Vertresolution:  resolution72DPI,
		FrameCount:      1,
		Depth:           depthColor,
		PreDefined3:     -1,
	})
	bw.leaf(avcC)
	sarW, sarH := t.SarWidth, t.SarHeight
	if sarW == 0 || sarH == 0 {
		sarW, sarH = 1, 1
	}
	bw.leaf(&mp4.PixelAspectRatioBox{
		AnyTypeBox: mp4.AnyTypeBox{Type: mp4.BoxTypePasp()},
		HSpacing:   sarW,
		VSpacing:   sarH,
	})
	bw.end() // avc1
	bw.end() // stsd
	bw.leaf(&mp4.Stts{})
	bw.leaf(&mp4.Stsc{})
	bw.leaf(&mp4.Stsz{})
	bw.leaf(&mp4.Stco{})
	bw.end() // stbl

	bw.end() // minf
	bw.end() // mdia
	bw.end() // trak
	return nil
}

// avcConfig builds the avcC box for samples with 4-byte NAL lengths. High
// profiles get the chroma format and bit depth extension.
func avcConfig(sps, pps [][]byte) (*mp4.AVCDecoderConfiguration, error) {
	if len(sps) == 0 || len(sps[0]) < 4 {
		return nil, errNoSPS
	}
	if len(sps) > maxSPSCount || len(pps) > maxPPSCount {
		return nil, fmt.Errorf("too many parameter sets (%d SPS, %d PPS)", len(sps), len(pps))
	}

	c := &mp4.AVCDecoderConfiguration{
		AnyTypeBox:                 mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
		ConfigurationVersion:       1,
		Profile:                    sps[0][1],
		ProfileCompatibility:       sps[0][2],
		Level:                      sps[0][3],
		Reserved:                   0x3F,
		LengthSizeMinusOne:         3,
		Reserved2:                  0x07,
		NumOfSequenceParameterSets: uint8(len(sps)),
		NumOfPictureParameterSets:  uint8(len(pps)),
	}
	for _, p := range sps {
		if len(p) > maxParamSetSize {
			return nil, fmt.Errorf("SPS of %d bytes exceeds 16-bit length", len(p))
		}
		c.SequenceParameterSets = append(c.SequenceParameterSets, mp4.AVCParameterSet{Length: uint16(len(p)), NALUnit: p})
	}
	for _, p := range pps {
		if len(p) > maxParamSetSize {
			return nil, fmt.Errorf("PPS of %d bytes exceeds 16-bit length", len(p))
		}
		c.PictureParameterSets = append(c.PictureParameterSets, mp4.AVCParameterSet{Length: uint16(len(p)), NALUnit: p})
	}

	switch c.Profile {
	case mp4.AVCHighProfile, mp4.AVCHigh10Profile, mp4.AVCHigh422Profile, 144:
		info, err := h264.DecodeSPS(sps[0][1:])
		if err != nil {
			return nil, err
		}
		c.HighProfileFieldsEnabled = true
		c.Reserved3 = 0x3F
		c.ChromaFormat = uint8(info.ChromaFormatIDC & 0x03)
		c.Reserved4 = 0x1F
		c.BitDepthLumaMinus8 = uint8((info.BitDepthLuma - 8) & 0x07)
		c.Reserved5 = 0x1F
		c.BitDepthChromaMinus8 = uint8((info.BitDepthChroma - 8) & 0x07)
	}
	return c, nil
}
