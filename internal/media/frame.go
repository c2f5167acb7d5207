// Package media defines the access-unit type that flows from ingest through
// the pipeline to viewers.
package media

// VideoBufferSize is the channel depth between producers and consumers of
// access units, about two seconds of 30 fps video.
const VideoBufferSize = 60

// AccessUnit is one H.264 picture. Between demux and the pipeline Data holds
// the bytes as received, in any framing. After the pipeline Data holds the
// NAL units with 4-byte big-endian length prefixes, and keyframes carry
// their SPS and PPS in-band ahead of the slices.
type AccessUnit struct {
	PTS int64 // microseconds
	DTS int64 // microseconds

	Data       []byte
	IsKeyframe bool

	// SPS and PPS are the parameter sets in effect for this unit, without
	// framing. Nil until the stream has provided both.
	SPS []byte
	PPS []byte

	// GroupID increments at every keyframe.
	GroupID uint32

	// Discontinuity marks the first unit after data loss upstream.
	Discontinuity bool
}
