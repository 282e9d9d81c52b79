package models

// Tissue identifies one of the three brain tissue classes. The numeric order
// matches ascending T1 intensity: CSF is darkest, white matter brightest.
type Tissue int

const (
	CSF Tissue = iota
	GrayMatter
	WhiteMatter
)

// Tissues lists every class in intensity order.
var Tissues = [...]Tissue{CSF, GrayMatter, WhiteMatter}

// String returns the short key used in filenames and reports.
func (t Tissue) String() string {
	switch t {
	case CSF:
		return "csf"
	case GrayMatter:
		return "gm"
	case WhiteMatter:
		return "wm"
	default:
		return "unknown"
	}
}

// Label returns a human readable name.
func (t Tissue) Label() string {
	switch t {
	case CSF:
		return "CSF"
	case GrayMatter:
		return "Gray matter"
	case WhiteMatter:
		return "White matter"
	default:
		return "Unknown"
	}
}

// TissueMaps holds one hard-assignment {0,1} map per tissue class.
type TissueMaps [3]*Volume

// Of returns the map for a tissue.
func (m TissueMaps) Of(t Tissue) *Volume {
	return m[t]
}

// VolumeEstimate is the physical volume of each tissue in milliliters.
type VolumeEstimate [3]float64

// Of returns the estimate for a tissue.
func (e VolumeEstimate) Of(t Tissue) float64 {
	return e[t]
}

// Total sums all three tissue volumes.
func (e VolumeEstimate) Total() float64 {
	return e[CSF] + e[GrayMatter] + e[WhiteMatter]
}
