package fmp4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/abema/go-mp4"

	"github.com/zsiec/avcmux/internal/h264"
	"github.com/zsiec/avcmux/internal/h264/h264test"
)

type testBox struct {
	typ  string
	body []byte
}

// splitBoxes parses consecutive boxes in b.
func splitBoxes(t *testing.T, b []byte) []testBox {
	t.Helper()
	var out []testBox
	for len(b) > 0 {
		if len(b) < 8 {
			t.Fatalf("trailing %d bytes are not a box", len(b))
		}
		size := int(binary.BigEndian.Uint32(b))
		if size < 8 || size > len(b) {
			t.Fatalf("box %q: size %d out of range (have %d)", b[4:8], size, len(b))
		}
		out = append(out, testBox{typ: string(b[4:8]), body: b[8:size]})
		b = b[size:]
	}
	return out
}

// findBox descends through a path of container boxes. Full-box headers and
// sample-entry prefixes are skipped per container type.
func findBox(t *testing.T, b []byte, path ...string) []byte {
	t.Helper()
	for i, name := range path {
		var found []byte
		ok := false
		for _, bx := range splitBoxes(t, b) {
			if bx.typ == name {
				found, ok = bx.body, true
				break
			}
		}
		if !ok {
			t.Fatalf("box %q not found at depth %d", name, i)
		}
		b = found
		if i < len(path)-1 {
			switch name {
			case "stsd", "dref":
				b = b[8:] // version/flags + entry_count
			case "avc1":
				b = b[78:] // visual sample entry fields
			}
		}
	}
	return b
}

func testTrack() *Track {
	return &Track{
		ID:        1,
		Codec:     "avc1.64001f",
		SPS:       [][]byte{h264test.SPS(h264test.HD720)},
		PPS:       [][]byte{h264test.PPS()},
		FrameRate: 30,
		Width:     1280,
		Height:    720,
		Timescale: 1000,
	}
}

func TestInitSegmentLayout(t *testing.T) {
	t.Parallel()

	seg, err := InitSegment([]*Track{testTrack()}, 0, 1000)
	if err != nil {
		t.Fatalf("InitSegment: %v", err)
	}

	top := splitBoxes(t, seg)
	if len(top) != 2 || top[0].typ != "ftyp" || top[1].typ != "moov" {
		t.Fatalf("top-level boxes = %v, want [ftyp moov]", top)
	}

	wantFtyp := []byte("isom\x00\x00\x00\x01isomavc1")
	if !bytes.Equal(top[0].body, wantFtyp) {
		t.Errorf("ftyp body = %q, want %q", top[0].body, wantFtyp)
	}

	mvhd := findBox(t, seg, "moov", "mvhd")
	if ts := binary.BigEndian.Uint32(mvhd[12:]); ts != 1000 {
		t.Errorf("mvhd timescale = %d, want 1000", ts)
	}

	tkhd := findBox(t, seg, "moov", "trak", "tkhd")
	if flags := binary.BigEndian.Uint32(tkhd[0:]) & 0xFFFFFF; flags != 7 {
		t.Errorf("tkhd flags = %d, want 7", flags)
	}
	if w := binary.BigEndian.Uint32(tkhd[76:]) >> 16; w != 1280 {
		t.Errorf("tkhd width = %d, want 1280", w)
	}
	if h := binary.BigEndian.Uint32(tkhd[80:]) >> 16; h != 720 {
		t.Errorf("tkhd height = %d, want 720", h)
	}

	hdlr := findBox(t, seg, "moov", "trak", "mdia", "hdlr")
	if string(hdlr[8:12]) != "vide" {
		t.Errorf("handler = %q, want vide", hdlr[8:12])
	}

	avcC := findBox(t, seg, "moov", "trak", "mdia", "minf", "stbl", "stsd", "avc1", "avcC")
	if avcC[0] != 1 || avcC[1] != 100 || avcC[3] != 0x1F {
		t.Errorf("avcC header = %X", avcC[:4])
	}

	trex := findBox(t, seg, "moov", "mvex", "trex")
	if id := binary.BigEndian.Uint32(trex[4:]); id != 1 {
		t.Errorf("trex track id = %d, want 1", id)
	}
	if f := binary.BigEndian.Uint32(trex[20:]); f != 0x00010001 {
		t.Errorf("trex default flags = 0x%08x, want 0x00010001", f)
	}
}

func TestInitSegmentDeterministic(t *testing.T) {
	t.Parallel()

	a, err := InitSegment([]*Track{testTrack()}, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := InitSegment([]*Track{testTrack()}, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("init segments differ for identical input")
	}
}

func TestInitSegmentRejectsMissingSPS(t *testing.T) {
	t.Parallel()

	tr := testTrack()
	tr.SPS = nil
	if _, err := InitSegment([]*Track{tr}, 0, 1000); err == nil {
		t.Fatal("expected error for track without SPS")
	}
}

func TestMoofSingleSample(t *testing.T) {
	t.Parallel()

	tr := testTrack()
	tr.Samples = []Sample{{Size: 100, Duration: 33, Flags: KeyframeFlags()}}

	moof, err := Moof(7, 1234, tr)
	if err != nil {
		t.Fatalf("Moof: %v", err)
	}
	if len(moof) != 104 {
		t.Fatalf("moof length = %d, want 104", len(moof))
	}

	mfhd := findBox(t, moof, "moof", "mfhd")
	if seq := binary.BigEndian.Uint32(mfhd[4:]); seq != 7 {
		t.Errorf("sequence = %d, want 7", seq)
	}

	tfhd := findBox(t, moof, "moof", "traf", "tfhd")
	if flags := binary.BigEndian.Uint32(tfhd) & 0xFFFFFF; flags != 0x020000 {
		t.Errorf("tfhd flags = 0x%06x, want 0x020000", flags)
	}

	tfdt := findBox(t, moof, "moof", "traf", "tfdt")
	if tfdt[0] != 1 {
		t.Errorf("tfdt version = %d, want 1", tfdt[0])
	}
	if bdt := binary.BigEndian.Uint64(tfdt[4:]); bdt != 1234 {
		t.Errorf("base decode time = %d, want 1234", bdt)
	}

	trun := findBox(t, moof, "moof", "traf", "trun")
	if flags := binary.BigEndian.Uint32(trun) & 0xFFFFFF; flags != 0x000F01 {
		t.Errorf("trun flags = 0x%06x, want 0x000f01", flags)
	}
	if n := binary.BigEndian.Uint32(trun[4:]); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
	if off := binary.BigEndian.Uint32(trun[8:]); off != uint32(len(moof)+8) {
		t.Errorf("data offset = %d, want %d", off, len(moof)+8)
	}
	if d := binary.BigEndian.Uint32(trun[12:]); d != 33 {
		t.Errorf("duration = %d, want 33", d)
	}
	if s := binary.BigEndian.Uint32(trun[16:]); s != 100 {
		t.Errorf("size = %d, want 100", s)
	}
	if f := binary.BigEndian.Uint32(trun[20:]); f != 0x02000000 {
		t.Errorf("flags = 0x%08x, want 0x02000000", f)
	}
}

func TestMoofDataOffsetPointsAtPayload(t *testing.T) {
	t.Parallel()

	tr := testTrack()
	payload := []byte{0, 0, 0, 2, 0x65, 0x88}
	tr.Samples = []Sample{{Size: uint32(len(payload)), Duration: 33, Flags: KeyframeFlags()}}

	frag, err := AppendFragment(nil, 0, 0, tr, payload)
	if err != nil {
		t.Fatalf("AppendFragment: %v", err)
	}
	trun := findBox(t, frag, "moof", "traf", "trun")
	off := binary.BigEndian.Uint32(trun[8:])
	if !bytes.Equal(frag[off:], payload) {
		t.Errorf("bytes at data offset = %X, want %X", frag[off:], payload)
	}
}

func TestMdat(t *testing.T) {
	t.Parallel()

	got, err := Mdat([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 11, 'm', 'd', 'a', 't', 1, 2, 3}
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestSampleFlagsEncode(t *testing.T) {
	t.Parallel()

	if got := KeyframeFlags().Encode(); got != 0x02000000 {
		t.Errorf("keyframe = 0x%08x, want 0x02000000", got)
	}
	if got := DeltaFlags().Encode(); got != 0x01010000 {
		t.Errorf("delta = 0x%08x, want 0x01010000", got)
	}
	f := SampleFlags{IsLeading: 1, DependsOn: 1, IsDependedOn: 2, HasRedundancy: 1, PaddingValue: 3, IsNonSync: true, DegradationPriority: 0x1234}
	if got := f.Encode(); got != 0x05971234 {
		t.Errorf("full = 0x%08x, want 0x05971234", got)
	}
}

func TestInitSegmentBoxBytes(t *testing.T) {
	t.Parallel()

	tr := testTrack()
	tr.SarWidth, tr.SarHeight = 4, 3
	seg, err := InitSegment([]*Track{tr}, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}

	mdhd := findBox(t, seg, "moov", "trak", "mdia", "mdhd")
	wantMdhd := []byte{
		0, 0, 0, 0, // version, flags
		0, 0, 0, 0, 0, 0, 0, 0, // creation, modification
		0, 0, 0x03, 0xE8, // timescale 1000
		0, 0, 0, 0, // duration
		0x55, 0xC4, // language "und"
		0, 0,
	}
	if !bytes.Equal(mdhd, wantMdhd) {
		t.Errorf("mdhd = %X, want %X", mdhd, wantMdhd)
	}

	hdlr := findBox(t, seg, "moov", "trak", "mdia", "hdlr")
	wantHdlr := append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 'v', 'i', 'd', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "VideoHandler\x00"...)
	if !bytes.Equal(hdlr, wantHdlr) {
		t.Errorf("hdlr = %q, want %q", hdlr, wantHdlr)
	}

	url := findBox(t, seg, "moov", "trak", "mdia", "minf", "dinf", "dref", "url ")
	if !bytes.Equal(url, []byte{0, 0, 0, 1}) {
		t.Errorf("url = %X, want self-contained flag only", url)
	}

	avc1 := findBox(t, seg, "moov", "trak", "mdia", "minf", "stbl", "stsd", "avc1")
	if w, h := binary.BigEndian.Uint16(avc1[24:]), binary.BigEndian.Uint16(avc1[26:]); w != 1280 || h != 720 {
		t.Errorf("avc1 size = %dx%d, want 1280x720", w, h)
	}
	if d := binary.BigEndian.Uint16(avc1[74:]); d != 0x0018 {
		t.Errorf("avc1 depth = 0x%04x, want 0x0018", d)
	}
	if p := binary.BigEndian.Uint16(avc1[76:]); p != 0xFFFF {
		t.Errorf("avc1 pre_defined = 0x%04x, want 0xffff", p)
	}

	pasp := findBox(t, seg, "moov", "trak", "mdia", "minf", "stbl", "stsd", "avc1", "pasp")
	if !bytes.Equal(pasp, []byte{0, 0, 0, 4, 0, 0, 0, 3}) {
		t.Errorf("pasp = %X, want 4:3", pasp)
	}

	for _, name := range []string{"stts", "stsc", "stco"} {
		if b := findBox(t, seg, "moov", "trak", "mdia", "minf", "stbl", name); !bytes.Equal(b, make([]byte, 8)) {
			t.Errorf("%s = %X, want an empty table", name, b)
		}
	}
	if b := findBox(t, seg, "moov", "trak", "mdia", "minf", "stbl", "stsz"); !bytes.Equal(b, make([]byte, 12)) {
		t.Errorf("stsz = %X, want an empty table", b)
	}
}

func TestAVCConfigMatchesDecoderRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sps  []byte
	}{
		{"high", h264test.SPS(h264test.HD720)},
		{"baseline", h264test.SPS(h264test.Params{Profile: 66, Level: 30, Width: 640, Height: 360})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := testTrack()
			tr.SPS = [][]byte{tt.sps}
			seg, err := InitSegment([]*Track{tr}, 0, 1000)
			if err != nil {
				t.Fatal(err)
			}
			want, err := h264.AVCDecoderConfig(tr.SPS, tr.PPS)
			if err != nil {
				t.Fatal(err)
			}
			got := findBox(t, seg, "moov", "trak", "mdia", "minf", "stbl", "stsd", "avc1", "avcC")
			if !bytes.Equal(got, want) {
				t.Errorf("avcC = %X, want %X", got, want)
			}
		})
	}
}

func TestSegmentsParse(t *testing.T) {
	t.Parallel()

	tr := testTrack()
	seg, err := InitSegment([]*Track{tr}, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	tr.Samples = []Sample{
		{Size: 3, Duration: 33, Flags: KeyframeFlags()},
		{Size: 2, Duration: 34, Flags: DeltaFlags()},
	}
	frag, err := AppendFragment(seg, 9, 500, tr, []byte{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(frag), nil, mp4.BoxPath{
		mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(),
		mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC(),
	})
	if err != nil {
		t.Fatalf("extract avcC: %v", err)
	}
	if len(boxes) != 1 {
		t.Fatalf("found %d avcC boxes, want 1", len(boxes))
	}
	avcC := boxes[0].Payload.(*mp4.AVCDecoderConfiguration)
	if avcC.Profile != 100 || avcC.LengthSizeMinusOne != 3 || !avcC.HighProfileFieldsEnabled {
		t.Errorf("avcC = %+v", avcC)
	}
	if len(avcC.SequenceParameterSets) != 1 || !bytes.Equal(avcC.SequenceParameterSets[0].NALUnit, tr.SPS[0]) {
		t.Error("avcC does not carry the SPS")
	}

	boxes, err = mp4.ExtractBoxWithPayload(bytes.NewReader(frag), nil, mp4.BoxPath{mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTrun()})
	if err != nil || len(boxes) != 1 {
		t.Fatalf("extract trun: %d boxes, %v", len(boxes), err)
	}
	trun := boxes[0].Payload.(*mp4.Trun)
	if trun.SampleCount != 2 || trun.Entries[1].SampleDuration != 34 || trun.Entries[1].SampleFlags != 0x01010000 {
		t.Errorf("trun = %+v", trun)
	}
	mdat := frag[len(frag)-13:]
	if string(mdat[4:8]) != "mdat" {
		t.Fatal("fragment does not end with the mdat")
	}
	// The data offset is relative to the moof start.
	moofStart := len(seg)
	if got := frag[moofStart+int(trun.DataOffset):]; !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("payload at data offset = %X", got)
	}
}
