package models

import "fmt"

// Fixed artifact filenames written under a run's output directory. QA tools
// reload these directly, so they must not change.
const (
	ArtifactBrainMask = "brain_mask.nii.gz"
	ArtifactBrain     = "brain.nii.gz"
	ArtifactCorrected = "corrected.nii.gz"
	ArtifactBiasField = "bias_field.nii.gz"
)

// TissueArtifact returns the probability map filename for a tissue, e.g. gm_prob.nii.gz.
func TissueArtifact(t Tissue) string {
	return t.String() + "_prob.nii.gz"
}

// DiagnosticArtifact returns the diagnostic figure filename for a subject.
func DiagnosticArtifact(subject int) string {
	return fmt.Sprintf("sub-%d_diagnostic.png", subject)
}

// AllArtifacts lists every artifact a complete run produces for subject.
func AllArtifacts(subject int) []string {
	return []string{
		ArtifactBrainMask,
		ArtifactBrain,
		ArtifactCorrected,
		ArtifactBiasField,
		TissueArtifact(GrayMatter),
		TissueArtifact(WhiteMatter),
		TissueArtifact(CSF),
		DiagnosticArtifact(subject),
	}
}
