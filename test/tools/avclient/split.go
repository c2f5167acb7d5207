package main

import (
	"errors"

	"github.com/zsiec/avcmux/internal/h264"
	"github.com/zsiec/avcmux/internal/nalu"
)

// splitAccessUnits cuts an Annex B elementary stream into access units. A
// unit starts at an AUD or parameter set that follows a slice, or at a
// slice whose first_mb_in_slice is zero.
func splitAccessUnits(data []byte) ([][]byte, error) {
	units, err := nalu.Parse(data, nalu.AnnexB)
	if err != nil {
		return nil, err
	}

	var (
		out      [][]byte
		cur      []nalu.Unit
		hasSlice bool
	)
	flush := func() {
		if hasSlice {
			out = append(out, nalu.AppendAnnexB(nil, cur))
		}
		cur, hasSlice = nil, false
	}
	for _, u := range units {
		switch {
		case u.Type == h264.NALTypeAUD, h264.IsSPS(u.Type), h264.IsPPS(u.Type):
			if hasSlice {
				flush()
			}
		case h264.IsSlice(u.Type):
			// ue(v) zero is a single '1' bit.
			if p := u.Payload(); hasSlice && len(p) > 0 && p[0]&0x80 != 0 {
				flush()
			}
			hasSlice = true
		}
		cur = append(cur, u)
	}
	flush()

	if len(out) == 0 {
		return nil, errors.New("no access units found")
	}
	return out, nil
}
