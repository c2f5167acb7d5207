package distribution

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Access-unit record flags.
const (
	AUFlagKeyframe      = 1 << 0
	AUFlagDecoderConfig = 1 << 1
)

// AUContentType is the media type of an access-unit record stream.
const AUContentType = "application/x-avcmux-au"

// maxAURecord bounds the payload length accepted by ReadAURecord.
const maxAURecord = 32 << 20

// AURecord is one record of an access-unit stream: either a decoder
// configuration (JSON) or the length-prefixed NAL units of one picture.
type AURecord struct {
	Timestamp uint64
	Flags     byte
	Payload   []byte
}

// IsKeyframe reports whether the record holds a keyframe.
func (r AURecord) IsKeyframe() bool { return r.Flags&AUFlagKeyframe != 0 }

// IsDecoderConfig reports whether the record holds a decoder configuration.
func (r AURecord) IsDecoderConfig() bool { return r.Flags&AUFlagDecoderConfig != 0 }

// AppendAURecord appends one record: varint timestamp, flags byte, varint
// payload length, payload. Varints use the QUIC encoding.
func AppendAURecord(dst []byte, ts uint64, flags byte, payload []byte) []byte {
	dst = quicvarint.Append(dst, ts)
	dst = append(dst, flags)
	dst = quicvarint.Append(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// ReadAURecord reads one record from r.
func ReadAURecord(r quicvarint.Reader) (AURecord, error) {
	var rec AURecord
	ts, err := quicvarint.Read(r)
	if err != nil {
		return rec, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("reading record flags: %w", unexpected(err))
	}
	n, err := quicvarint.Read(r)
	if err != nil {
		return rec, fmt.Errorf("reading record length: %w", unexpected(err))
	}
	if n > maxAURecord {
		return rec, fmt.Errorf("record length %d exceeds %d", n, maxAURecord)
	}
	rec.Timestamp, rec.Flags = ts, flags
	rec.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return rec, fmt.Errorf("reading record payload: %w", unexpected(err))
	}
	return rec, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
