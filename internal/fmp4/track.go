package fmp4

// Track describes the single video track of a stream.
type Track struct {
	ID        uint32
	Codec     string
	SPS       [][]byte
	PPS       [][]byte
	FrameRate float64
	Width     int
	Height    int
	SarWidth  uint32
	SarHeight uint32
	Timescale uint32
	Duration  uint32
	Samples   []Sample
}

// Sample is one access unit inside a fragment.
type Sample struct {
	Size              uint32
	Duration          uint32
	CompositionOffset uint32
	Flags             SampleFlags
}

// SampleFlags mirrors the ISO-BMFF sample_flags bit field.
type SampleFlags struct {
	IsLeading           uint8
	DependsOn           uint8
	IsDependedOn        uint8
	HasRedundancy       uint8
	PaddingValue        uint8
	IsNonSync           bool
	DegradationPriority uint16
}

// KeyframeFlags returns the flags of a sync sample that depends on no other
// sample.
func KeyframeFlags() SampleFlags {
	return SampleFlags{DependsOn: 2}
}

// DeltaFlags returns the flags of a non-sync sample that depends on earlier
// samples.
func DeltaFlags() SampleFlags {
	return SampleFlags{DependsOn: 1, IsNonSync: true}
}

// Encode packs the flags into their 32-bit wire form.
func (f SampleFlags) Encode() uint32 {
	var nonSync uint32
	if f.IsNonSync {
		nonSync = 1
	}
	b0 := uint32(f.IsLeading&0x03)<<2 | uint32(f.DependsOn&0x03)
	b1 := uint32(f.IsDependedOn&0x03)<<6 |
		uint32(f.HasRedundancy&0x03)<<4 |
		uint32(f.PaddingValue&0x07)<<1 |
		nonSync
	return b0<<24 | b1<<16 | uint32(f.DegradationPriority)
}
