// Package nalu recognizes and normalizes H.264 NAL unit framing: Annex B
// start codes and length-prefixed (AVCC) units with a 1, 2 or 4 byte length
// field. It splits access units into NAL units and converts between the two
// framings.
package nalu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies how NAL units are delimited within a buffer.
type Kind int

// Framing kinds.
const (
	KindUnknown Kind = iota
	KindAnnexB
	KindLengthPrefixed
)

func (k Kind) String() string {
	switch k {
	case KindAnnexB:
		return "annexb"
	case KindLengthPrefixed:
		return "length-prefixed"
	default:
		return "unknown"
	}
}

// Framing describes the framing of a stream. LengthSize is the length-field
// width for length-prefixed streams, and the leading start-code length for
// Annex B streams.
type Framing struct {
	Kind       Kind
	LengthSize int
}

// Common framings.
var (
	AnnexB  = Framing{Kind: KindAnnexB, LengthSize: 4}
	AVCC    = Framing{Kind: KindLengthPrefixed, LengthSize: 4}
	Unknown = Framing{Kind: KindUnknown}
)

// Known reports whether f names a definite framing.
func (f Framing) Known() bool {
	return f.Kind == KindAnnexB || f.Kind == KindLengthPrefixed
}

func (f Framing) String() string {
	if f.Kind == KindLengthPrefixed {
		return fmt.Sprintf("%s/%d", f.Kind, f.LengthSize)
	}
	return f.Kind.String()
}

// Unit is a single NAL unit. Data holds the full unit, header byte included,
// without start code or length prefix. It aliases the buffer it was parsed
// from and must not be mutated.
type Unit struct {
	Type uint8
	Data []byte
}

// Payload returns the unit bytes after the one-byte NAL header.
func (u Unit) Payload() []byte {
	if len(u.Data) == 0 {
		return nil
	}
	return u.Data[1:]
}

// NewUnit wraps raw NAL data, deriving the type from the header byte.
func NewUnit(data []byte) Unit {
	var t uint8
	if len(data) > 0 {
		t = data[0] & 0x1F
	}
	return Unit{Type: t, Data: data}
}

// ErrFraming is the sentinel matched by every *FramingError.
var ErrFraming = errors.New("nalu: framing error")

// FramingError reports a buffer whose framing could not be recognized or
// whose declared unit lengths do not fit the buffer.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("nalu: framing error at offset %d: %s", e.Offset, e.Reason)
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}

// Detect classifies the framing of buf. A leading run of two or three zero
// bytes followed by 0x01 means Annex B. Otherwise the buffer is
// length-prefixed with width w (tried as 4, 2, then 1) when a chain of
// non-zero big-endian w-byte lengths ends exactly at the end of buf.
//
// A 4-byte length of 256 to 511 also starts with 00 00 01. Such a buffer is
// length-prefixed when the 4-byte chain covers it exactly.
func Detect(buf []byte) Framing {
	if n := startCodeLen(buf, 0); n > 0 {
		if n == 3 && lengthChainFits(buf, 4) {
			return Framing{Kind: KindLengthPrefixed, LengthSize: 4}
		}
		return Framing{Kind: KindAnnexB, LengthSize: n}
	}
	for _, w := range [...]int{4, 2, 1} {
		if lengthChainFits(buf, w) {
			return Framing{Kind: KindLengthPrefixed, LengthSize: w}
		}
	}
	return Unknown
}

// startCodeLen returns 3 or 4 if a start code begins at buf[i], else 0.
func startCodeLen(buf []byte, i int) int {
	if i+3 <= len(buf) && buf[i] == 0 && buf[i+1] == 0 {
		if buf[i+2] == 1 {
			return 3
		}
		if i+4 <= len(buf) && buf[i+2] == 0 && buf[i+3] == 1 {
			return 4
		}
	}
	return 0
}

func lengthChainFits(buf []byte, w int) bool {
	if len(buf) == 0 {
		return false
	}
	off := 0
	for off < len(buf) {
		if off+w > len(buf) {
			return false
		}
		n := readLength(buf[off:], w)
		if n == 0 {
			return false
		}
		off += w
		if n > uint64(len(buf)-off) {
			return false
		}
		off += int(n)
	}
	return off == len(buf)
}

func readLength(b []byte, w int) uint64 {
	switch w {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	default:
		return uint64(binary.BigEndian.Uint32(b))
	}
}

// Parse splits buf into NAL units according to f. Empty input yields no
// units. KindUnknown and truncated length-prefixed units fail with a
// *FramingError. Zero-length Annex B units between adjacent start codes are
// skipped.
func Parse(buf []byte, f Framing) ([]Unit, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	switch f.Kind {
	case KindAnnexB:
		return parseAnnexB(buf), nil
	case KindLengthPrefixed:
		return parseLengthPrefixed(buf, f.LengthSize)
	default:
		return nil, &FramingError{Reason: "unrecognized framing"}
	}
}

func parseAnnexB(buf []byte) []Unit {
	var units []Unit
	start := -1
	i := 0
	for i+3 <= len(buf) {
		n := startCodeLen(buf, i)
		if n == 0 {
			i++
			continue
		}
		if start >= 0 {
			units = appendUnit(units, buf[start:i])
		}
		i += n
		start = i
	}
	if start >= 0 {
		units = appendUnit(units, buf[start:])
	}
	return units
}

func appendUnit(units []Unit, data []byte) []Unit {
	if len(data) == 0 {
		return units
	}
	return append(units, NewUnit(data))
}

func parseLengthPrefixed(buf []byte, w int) ([]Unit, error) {
	if w != 1 && w != 2 && w != 4 {
		return nil, &FramingError{Reason: fmt.Sprintf("invalid length size %d", w)}
	}
	var units []Unit
	off := 0
	for off < len(buf) {
		if off+w > len(buf) {
			return nil, &FramingError{Offset: off, Reason: "truncated length field"}
		}
		n := readLength(buf[off:], w)
		if n > uint64(len(buf)-off-w) {
			return nil, &FramingError{
				Offset: off,
				Reason: fmt.Sprintf("unit length %d exceeds remaining %d bytes", n, len(buf)-off-w),
			}
		}
		off += w
		units = appendUnit(units, buf[off:off+int(n)])
		off += int(n)
	}
	return units, nil
}

// AppendAnnexB appends units to dst, each behind a 4-byte start code.
func AppendAnnexB(dst []byte, units []Unit) []byte {
	for _, u := range units {
		dst = append(dst, 0, 0, 0, 1)
		dst = append(dst, u.Data...)
	}
	return dst
}

// AppendLengthPrefixed appends units to dst, each behind a big-endian length
// field of the given width.
func AppendLengthPrefixed(dst []byte, units []Unit, lengthSize int) ([]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return dst, &FramingError{Reason: fmt.Sprintf("invalid length size %d", lengthSize)}
	}
	limit := uint64(1)<<(8*uint(lengthSize)) - 1
	for _, u := range units {
		n := uint64(len(u.Data))
		if n > limit {
			return dst, &FramingError{Reason: fmt.Sprintf("unit of %d bytes does not fit a %d-byte length", n, lengthSize)}
		}
		switch lengthSize {
		case 1:
			dst = append(dst, byte(n))
		case 2:
			dst = binary.BigEndian.AppendUint16(dst, uint16(n))
		default:
			dst = binary.BigEndian.AppendUint32(dst, uint32(n))
		}
		dst = append(dst, u.Data...)
	}
	return dst, nil
}

// Convert re-frames buf from one framing to another. Annex B output uses
// 4-byte start codes.
func Convert(buf []byte, from, to Framing) ([]byte, error) {
	units, err := Parse(buf, from)
	if err != nil {
		return nil, err
	}
	return Frame(units, to)
}

// Frame serializes units with the given framing.
func Frame(units []Unit, to Framing) ([]byte, error) {
	size := 0
	for _, u := range units {
		size += 4 + len(u.Data)
	}
	switch to.Kind {
	case KindAnnexB:
		return AppendAnnexB(make([]byte, 0, size), units), nil
	case KindLengthPrefixed:
		return AppendLengthPrefixed(make([]byte, 0, size), units, to.LengthSize)
	default:
		return nil, &FramingError{Reason: "unrecognized target framing"}
	}
}

// Types lists the NAL unit types of units in order.
func Types(units []Unit) []uint8 {
	types := make([]uint8, len(units))
	for i, u := range units {
		types[i] = u.Type
	}
	return types
}
