package h264

import (
	"bytes"
	"testing"

	"github.com/zsiec/avcmux/internal/h264/h264test"
)

func TestAVCDecoderConfigBaseline(t *testing.T) {
	t.Parallel()

	sps := h264test.SPS(h264test.Params{Profile: 66, Constraint: 0xC0, Level: 0x1E, Width: 640, Height: 480})
	pps := h264test.PPS()

	rec, err := AVCDecoderConfig([][]byte{sps}, [][]byte{pps})
	if err != nil {
		t.Fatalf("AVCDecoderConfig: %v", err)
	}

	want := []byte{1, 66, 0xC0, 0x1E, 0xFF, 0xE1, byte(len(sps) >> 8), byte(len(sps))}
	want = append(want, sps...)
	want = append(want, 1, byte(len(pps)>>8), byte(len(pps)))
	want = append(want, pps...)

	if !bytes.Equal(rec, want) {
		t.Errorf("record mismatch\n got %X\nwant %X", rec, want)
	}
}

func TestAVCDecoderConfigHighProfileExtension(t *testing.T) {
	t.Parallel()

	sps := h264test.SPS(h264test.HD720)
	pps := h264test.PPS()

	rec, err := AVCDecoderConfig([][]byte{sps}, [][]byte{pps})
	if err != nil {
		t.Fatalf("AVCDecoderConfig: %v", err)
	}
	base := 6 + 2 + len(sps) + 1 + 2 + len(pps)
	if len(rec) != base+4 {
		t.Fatalf("len = %d, want %d", len(rec), base+4)
	}
	ext := rec[base:]
	if !bytes.Equal(ext, []byte{0xFD, 0xF8, 0xF8, 0x00}) {
		t.Errorf("extension = %X, want FDF8F800", ext)
	}
}

func TestAVCDecoderConfigRejectsShortSPS(t *testing.T) {
	t.Parallel()

	if _, err := AVCDecoderConfig([][]byte{{0x67, 0x42}}, [][]byte{h264test.PPS()}); err == nil {
		t.Fatal("expected error for short SPS")
	}
	if _, err := AVCDecoderConfig(nil, nil); err == nil {
		t.Fatal("expected error for missing SPS")
	}
}

func TestNewDecoderConfig(t *testing.T) {
	t.Parallel()

	sps := h264test.SPS(h264test.HD720)
	info, err := DecodeSPS(sps[1:])
	if err != nil {
		t.Fatalf("DecodeSPS: %v", err)
	}
	cfg, err := NewDecoderConfig(info, [][]byte{sps}, [][]byte{h264test.PPS()})
	if err != nil {
		t.Fatalf("NewDecoderConfig: %v", err)
	}
	if cfg.Codec != "avc1.64001f" {
		t.Errorf("codec = %q, want avc1.64001f", cfg.Codec)
	}
	if cfg.CodedWidth != 1280 || cfg.CodedHeight != 720 {
		t.Errorf("coded size = %dx%d, want 1280x720", cfg.CodedWidth, cfg.CodedHeight)
	}
	if len(cfg.Description) == 0 || cfg.Description[0] != 1 {
		t.Errorf("description = %X, want avcC record", cfg.Description)
	}
}

func TestNALPredicates(t *testing.T) {
	t.Parallel()

	if !IsKeyframe(NALTypeIDR) || IsKeyframe(NALTypeSlice) {
		t.Error("IsKeyframe mismatch")
	}
	if !IsSlice(NALTypeIDR) || !IsSlice(NALTypeSlice) || IsSlice(NALTypeSEI) {
		t.Error("IsSlice mismatch")
	}
	if !IsSPS(NALTypeSPS) || !IsPPS(NALTypePPS) {
		t.Error("parameter set predicates mismatch")
	}
}
