// Package bits provides an MSB-first bit cursor over a byte buffer with the
// fixed-width and Exp-Golomb reads needed to walk H.264 parameter sets.
package bits

import "errors"

// ErrOutOfRange is returned when a read or seek would move past the end of
// the buffer, or when more than 32 bits are requested at once.
var ErrOutOfRange = errors.New("bits: out of range")

// maxExpGolombZeros bounds the leading-zero prefix of an Exp-Golomb code so
// the decoded value fits in 32 bits.
const maxExpGolombZeros = 31

// Reader reads bits from a byte slice, most significant bit first.
// The zero value is an empty reader.
type Reader struct {
	data []byte
	pos  int // bit offset from the start of data
}

// NewReader returns a Reader positioned at bit 0 of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Position returns the current bit offset.
func (r *Reader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bits.
func (r *Reader) Remaining() int {
	return len(r.data)*8 - r.pos
}

// ByteAligned reports whether the cursor sits on a byte boundary.
func (r *Reader) ByteAligned() bool {
	return r.pos%8 == 0
}

// Seek moves the cursor to an absolute bit offset.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data)*8 {
		return ErrOutOfRange
	}
	r.pos = pos
	return nil
}

// Skip advances the cursor by n bits.
func (r *Reader) Skip(n int) error {
	if n < 0 || n > r.Remaining() {
		return ErrOutOfRange
	}
	r.pos += n
	return nil
}

// ReadBits reads n bits (n <= 32) as an unsigned big-endian value. On failure
// the cursor does not move.
func (r *Reader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 || n > r.Remaining() {
		return 0, ErrOutOfRange
	}
	var v uint32
	for i := 0; i < n; i++ {
		b := r.data[r.pos>>3] >> (7 - uint(r.pos&7)) & 1
		v = v<<1 | uint32(b)
		r.pos++
	}
	return v, nil
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() (uint32, error) {
	return r.ReadBits(1)
}

// ReadFlag reads a single bit as a boolean.
func (r *Reader) ReadFlag() (bool, error) {
	b, err := r.ReadBits(1)
	return b == 1, err
}

// ReadExpGolomb reads one Exp-Golomb code. Unsigned codes map k to k;
// signed codes map odd k to (k+1)/2 and even k to -k/2. On failure the
// cursor does not move.
func (r *Reader) ReadExpGolomb(signed bool) (int64, error) {
	start := r.pos
	zeros := 0
	for {
		b, err := r.ReadBits(1)
		if err != nil {
			r.pos = start
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > maxExpGolombZeros {
			r.pos = start
			return 0, ErrOutOfRange
		}
	}
	suffix, err := r.ReadBits(zeros)
	if err != nil {
		r.pos = start
		return 0, err
	}
	k := int64(1)<<zeros - 1 + int64(suffix)
	if !signed {
		return k, nil
	}
	if k%2 == 1 {
		return (k + 1) / 2, nil
	}
	return -k / 2, nil
}

// ReadUE reads an unsigned Exp-Golomb code, ue(v).
func (r *Reader) ReadUE() (uint32, error) {
	v, err := r.ReadExpGolomb(false)
	return uint32(v), err
}

// ReadSE reads a signed Exp-Golomb code, se(v).
func (r *Reader) ReadSE() (int32, error) {
	v, err := r.ReadExpGolomb(true)
	return int32(v), err
}
