package bits

// Writer accumulates bits MSB-first. It is the inverse of Reader and is used
// to synthesize parameter sets.
type Writer struct {
	buf  []byte
	nbit int
}

// WriteBits appends the low n bits of v, most significant first.
func (w *Writer) WriteBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> uint(w.nbit%8)
		}
		w.nbit++
	}
}

// WriteFlag appends a single bit.
func (w *Writer) WriteFlag(b bool) {
	if b {
		w.WriteBits(1, 1)
		return
	}
	w.WriteBits(0, 1)
}

// WriteUE appends v as an unsigned Exp-Golomb code.
func (w *Writer) WriteUE(v uint32) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.WriteBits(0, n)
	w.WriteBits(uint32(x>>uint(n)), 1)
	w.WriteBits(uint32(x), n)
}

// WriteSE appends v as a signed Exp-Golomb code.
func (w *Writer) WriteSE(v int32) {
	if v > 0 {
		w.WriteUE(uint32(2*v - 1))
		return
	}
	w.WriteUE(uint32(-2 * v))
}

// WriteTrailingBits appends rbsp_trailing_bits: a stop bit and zero padding
// to the next byte boundary.
func (w *Writer) WriteTrailingBits() {
	w.WriteBits(1, 1)
	for w.nbit%8 != 0 {
		w.WriteBits(0, 1)
	}
}

// Len returns the number of bits written.
func (w *Writer) Len() int {
	return w.nbit
}

// Bytes returns the written bytes; a partial final byte is zero-padded.
func (w *Writer) Bytes() []byte {
	return w.buf
}
