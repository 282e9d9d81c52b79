package models

// Mask is a binary brain/background membership aligned with a Volume
// (true = brain).
type Mask []bool

// Count returns the number of brain voxels.
func (m Mask) Count() int {
	n := 0
	for _, in := range m {
		if in {
			n++
		}
	}
	return n
}

// Fraction returns brain voxel count / total voxel count.
func (m Mask) Fraction() float64 {
	if len(m) == 0 {
		return 0
	}
	return float64(m.Count()) / float64(len(m))
}

// ToVolume encodes the mask as a 0/1 volume sharing ref's geometry.
func (m Mask) ToVolume(ref *Volume) *Volume {
	data := make([]float64, len(m))
	for i, in := range m {
		if in {
			data[i] = 1
		}
	}
	return ref.Derive(data)
}

// MaskFromVolume thresholds a 0/1 volume back into a Mask.
func MaskFromVolume(v *Volume) Mask {
	m := make(Mask, len(v.Data))
	for i, val := range v.Data {
		m[i] = val > 0.5
	}
	return m
}
