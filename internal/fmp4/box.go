// Package fmp4 serializes the ISO-BMFF boxes of a fragmented MP4 video
// stream: the initialization segment (ftyp + moov) and per-fragment
// moof + mdat pairs. All functions are pure: identical inputs produce
// byte-identical output.
package fmp4

import (
	"fmt"
	"io"

	"github.com/abema/go-mp4"
	"github.com/orcaman/writerseeker"
)

// boxWriter writes nested boxes into memory. mp4.Writer seeks back to patch
// each box size when the box is closed. The first error sticks; later calls
// are no-ops and finish reports it.
type boxWriter struct {
	buf writerseeker.WriterSeeker
	w   *mp4.Writer
	err error
}

func newBoxWriter() *boxWriter {
	bw := &boxWriter{}
	bw.w = mp4.NewWriter(&bw.buf)
	return bw
}

// start opens box and writes its fields. It returns the box offset.
func (bw *boxWriter) start(box mp4.IImmutableBox) int {
	if bw.err != nil {
		return 0
	}
	bi, err := bw.w.StartBox(&mp4.BoxInfo{Type: box.GetType()})
	if err != nil {
		bw.err = err
		return 0
	}
	if _, err := mp4.Marshal(bw.w, box, mp4.Context{}); err != nil {
		bw.err = fmt.Errorf("fmp4: %s: %w", box.GetType(), err)
		return 0
	}
	return int(bi.Offset)
}

func (bw *boxWriter) end() {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.EndBox()
}

// leaf writes a box without children.
func (bw *boxWriter) leaf(box mp4.IImmutableBox) int {
	off := bw.start(box)
	bw.end()
	return off
}

// rewrite replaces the leaf box at off. box must encode to the same size.
func (bw *boxWriter) rewrite(off int, box mp4.IImmutableBox) {
	if bw.err != nil {
		return
	}
	end, err := bw.w.Seek(0, io.SeekCurrent)
	if err != nil {
		bw.err = err
		return
	}
	if _, bw.err = bw.w.Seek(int64(off), io.SeekStart); bw.err != nil {
		return
	}
	bw.leaf(box)
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Seek(end, io.SeekStart)
}

// len returns the number of bytes written so far.
func (bw *boxWriter) len() int {
	return bw.buf.BytesReader().Len()
}

func (bw *boxWriter) finish() ([]byte, error) {
	if bw.err != nil {
		return nil, bw.err
	}
	return io.ReadAll(bw.buf.Reader())
}

// fullBox returns a FullBox header with the given version and 24-bit flags.
func fullBox(version uint8, flags uint32) mp4.FullBox {
	return mp4.FullBox{
		Version: version,
		Flags:   [3]byte{byte(flags >> 16), byte(flags >> 8), byte(flags)},
	}
}

// unityMatrix is the identity transformation matrix used by mvhd and tkhd.
var unityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
