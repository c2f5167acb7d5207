package distribution

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func TestAppendAURecordLayout(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xAB}, 100)
	b := AppendAURecord(nil, 300, AUFlagKeyframe, payload)

	r := bytes.NewReader(b)
	ts, err := quicvarint.Read(r)
	if err != nil || ts != 300 {
		t.Fatalf("timestamp = %d, %v, want 300", ts, err)
	}
	flags, _ := r.ReadByte()
	if flags != AUFlagKeyframe {
		t.Errorf("flags = %#x, want %#x", flags, AUFlagKeyframe)
	}
	n, err := quicvarint.Read(r)
	if err != nil || n != uint64(len(payload)) {
		t.Fatalf("length = %d, %v, want %d", n, err, len(payload))
	}
	if rest, _ := io.ReadAll(r); !bytes.Equal(rest, payload) {
		t.Error("payload mismatch")
	}

	// 300 needs the two-byte varint form, 100 does too.
	if want := 2 + 1 + 2 + len(payload); len(b) != want {
		t.Errorf("record size = %d, want %d", len(b), want)
	}
}

func TestReadAURecordSequence(t *testing.T) {
	t.Parallel()

	var b []byte
	b = AppendAURecord(b, 0, AUFlagDecoderConfig, []byte(`{"codec":"avc1.64001f"}`))
	b = AppendAURecord(b, 0, AUFlagKeyframe, []byte{0, 0, 0, 1, 0x65})
	b = AppendAURecord(b, 1, 0, []byte{0, 0, 0, 1, 0x41})

	r := bufio.NewReader(bytes.NewReader(b))
	var got []AURecord
	for {
		rec, err := ReadAURecord(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadAURecord: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if !got[0].IsDecoderConfig() || got[0].IsKeyframe() {
		t.Errorf("record 0 flags = %#x", got[0].Flags)
	}
	if !got[1].IsKeyframe() || got[2].IsKeyframe() {
		t.Errorf("keyframe flags = %v, %v", got[1].IsKeyframe(), got[2].IsKeyframe())
	}
	if got[2].Timestamp != 1 || !bytes.Equal(got[2].Payload, []byte{0, 0, 0, 1, 0x41}) {
		t.Errorf("record 2 = %+v", got[2])
	}
}

func TestReadAURecordTruncated(t *testing.T) {
	t.Parallel()

	b := AppendAURecord(nil, 5, 0, []byte{1, 2, 3, 4})
	for cut := 1; cut < len(b); cut++ {
		_, err := ReadAURecord(bytes.NewReader(b[:cut]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("cut at %d: got %v, want io.ErrUnexpectedEOF", cut, err)
		}
	}
}

func TestReadAURecordTooLarge(t *testing.T) {
	t.Parallel()

	b := quicvarint.Append(nil, 0)
	b = append(b, 0)
	b = quicvarint.Append(b, maxAURecord+1)
	if _, err := ReadAURecord(bytes.NewReader(b)); err == nil {
		t.Error("expected an error for an oversized record")
	}
}
