package fmp4

import "github.com/abema/go-mp4"

// tfhd and trun flag bits (ISO/IEC 14496-12 8.8.7, 8.8.8).
const (
	tfhdDefaultBaseIsMoof = 0x020000

	trunDataOffset      = 0x000001
	trunSampleDuration  = 0x000100
	trunSampleSize      = 0x000200
	trunSampleFlags     = 0x000400
	trunSampleCTSOffset = 0x000800
	trunFlags           = trunDataOffset | trunSampleDuration | trunSampleSize | trunSampleFlags | trunSampleCTSOffset
	mdatHeaderSize      = 8
)

// Moof serializes a movie fragment holding track.Samples. seq is the
// mfhd sequence number and baseDecodeTime the tfdt of the first sample, in
// track timescale units. The trun data offset points at the first payload
// byte of the mdat that immediately follows the moof.
func Moof(seq uint32, baseDecodeTime uint64, track *Track) ([]byte, error) {
	trun := &mp4.Trun{
		FullBox:     fullBox(0, trunFlags),
		SampleCount: uint32(len(track.Samples)),
		Entries:     make([]mp4.TrunEntry, len(track.Samples)),
	}
	for i, s := range track.Samples {
		trun.Entries[i] = mp4.TrunEntry{
			SampleDuration:                s.Duration,
			SampleSize:                    s.Size,
			SampleFlags:                   s.Flags.Encode(),
			SampleCompositionTimeOffsetV0: s.CompositionOffset,
		}
	}

	bw := newBoxWriter()
	bw.start(&mp4.Moof{})
	bw.leaf(&mp4.Mfhd{SequenceNumber: seq})
	bw.start(&mp4.Traf{})
	bw.leaf(&mp4.Tfhd{
		FullBox: fullBox(0, tfhdDefaultBaseIsMoof),
		TrackID: track.ID,
	})
	bw.leaf(&mp4.Tfdt{
		FullBox:               fullBox(1, 0),
		BaseMediaDecodeTimeV1: baseDecodeTime,
	})
	trunAt := bw.leaf(trun)
	bw.end() // traf
	bw.end() // moof

	// The offset is only known once the moof is closed.
	trun.DataOffset = int32(bw.len() + mdatHeaderSize)
	bw.rewrite(trunAt, trun)
	return bw.finish()
}

// Mdat wraps payload in a media data box.
func Mdat(payload []byte) ([]byte, error) {
	bw := newBoxWriter()
	bw.leaf(&mp4.Mdat{Data: payload})
	return bw.finish()
}

// AppendFragment appends moof followed by mdat to dst.
func AppendFragment(dst []byte, seq uint32, baseDecodeTime uint64, track *Track, payload []byte) ([]byte, error) {
	moof, err := Moof(seq, baseDecodeTime, track)
	if err != nil {
		return dst, err
	}
	mdat, err := Mdat(payload)
	if err != nil {
		return dst, err
	}
	dst = append(dst, moof...)
	return append(dst, mdat...), nil
}
