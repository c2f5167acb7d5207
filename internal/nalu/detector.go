package nalu

// Detector remembers the framing of one input source. The first definite
// classification is cached and never revisited; buffers that classify as
// unknown leave the cache empty so a later buffer can still settle it.
type Detector struct {
	framing Framing
}

// NewDetector returns a Detector. A non-zero lengthSize pins the source to
// length-prefixed framing with that field width and skips detection.
func NewDetector(lengthSize int) *Detector {
	d := &Detector{}
	if lengthSize > 0 {
		d.framing = Framing{Kind: KindLengthPrefixed, LengthSize: lengthSize}
	}
	return d
}

// Known reports whether the framing has been settled.
func (d *Detector) Known() bool {
	return d.framing.Known()
}

// Framing returns the cached framing, classifying buf first if nothing is
// cached yet.
func (d *Detector) Framing(buf []byte) Framing {
	if d.framing.Known() {
		return d.framing
	}
	f := Detect(buf)
	if f.Known() {
		d.framing = f
	}
	return f
}

// Parse splits buf using the cached framing.
func (d *Detector) Parse(buf []byte) ([]Unit, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	return Parse(buf, d.Framing(buf))
}

// ToAnnexB re-frames buf as Annex B with 4-byte start codes.
func (d *Detector) ToAnnexB(buf []byte) ([]byte, error) {
	units, err := d.Parse(buf)
	if err != nil {
		return nil, err
	}
	return Frame(units, AnnexB)
}
