package main

import (
	"testing"

	"github.com/zsiec/avcmux/internal/mpegts/mpegtstest"
)

func TestDecodePTSRoundTrip(t *testing.T) {
	t.Parallel()

	for _, want := range []int64{0, 133500, 90000, 10929750, 1<<33 - 1} {
		b := [5]byte{0x21, 0, 1, 0, 1}
		encodePTS(b[:], want)
		if got := decodePTS(b[:]); got != want {
			t.Errorf("PTS round-trip %d: got %d", want, got)
		}
	}
}

func TestEncodePTSPreservesPrefix(t *testing.T) {
	t.Parallel()

	for _, prefix := range []byte{0x20, 0x30, 0x10} {
		b := [5]byte{prefix | 0x01, 0, 1, 0, 1}
		encodePTS(b[:], 90000)
		if b[0]&0xF0 != prefix {
			t.Errorf("prefix 0x%02X changed to 0x%02X", prefix, b[0]&0xF0)
		}
	}
}

func TestPCRRoundTripKeepsExtension(t *testing.T) {
	t.Parallel()

	for _, want := range []int64{0, 90000, 45000, 1<<33 - 1} {
		b := [6]byte{0, 0, 0, 0, 0x7F, 0xFF}
		encodePCR(b[:], want)
		if got := decodePCR(b[:]); got != want {
			t.Errorf("PCR round-trip %d: got %d", want, got)
		}
		if ext := uint16(b[4]&0x01)<<8 | uint16(b[5]); ext != 511 {
			t.Errorf("extension = %d, want 511", ext)
		}
	}
}

func TestScanAndOffset(t *testing.T) {
	t.Parallel()

	w := mpegtstest.NewWriter().Tables()
	w.Video([]byte{0, 0, 0, 1, 0x65, 0x88}, 90000, -1)
	w.Video([]byte{0, 0, 0, 1, 0x41, 0x9A}, 96000, 93000)
	data := w.Bytes()

	entries, first, last := scanTimestamps(data)
	if first != 90000 || last != 96000 {
		t.Fatalf("first/last = %d/%d, want 90000/96000", first, last)
	}
	// Two PTS and one DTS.
	if len(entries) != 3 {
		t.Fatalf("got %d stamps, want 3", len(entries))
	}

	addTimestampOffset(data, entries, 9000)
	_, first, last = scanTimestamps(data)
	if first != 99000 || last != 105000 {
		t.Errorf("after offset first/last = %d/%d, want 99000/105000", first, last)
	}
}

func TestSelectDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		override    float64
		first, last int64
		want        float64
	}{
		{"override wins", 12, 0, 90000, 12},
		{"pts span plus a frame", 0, 90000, 180000, 1 + 1.0/30},
		{"no video", 0, -1, 0, 60},
		{"single frame", 0, 90000, 90000, 60},
		{"negative override ignored", -1, -1, 0, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := selectDuration(tt.override, tt.first, tt.last); got != tt.want {
				t.Errorf("selectDuration(%v, %d, %d) = %v, want %v", tt.override, tt.first, tt.last, got, tt.want)
			}
		})
	}
}
