package pipeline

import (
	"fmt"

	"brainprep/pkg/config"
	"brainprep/pkg/errs"
)

// Kind is the type of value flowing between stages.
type Kind int

const (
	KindSubject Kind = iota
	KindVolume
	KindBrain
	KindCorrected
	KindSegmentation
	KindFigure
)

func (k Kind) String() string {
	switch k {
	case KindSubject:
		return "subject"
	case KindVolume:
		return "volume"
	case KindBrain:
		return "brain"
	case KindCorrected:
		return "corrected"
	case KindSegmentation:
		return "segmentation"
	case KindFigure:
		return "figure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stage is one step of the pipeline with its declared input and output.
type Stage struct {
	Name   string
	Input  Kind
	Output Kind

	exec func(*run) error
}

// allStages is the complete pipeline in execution order.
var allStages = []Stage{
	{Name: config.StageLoad, Input: KindSubject, Output: KindVolume, exec: (*run).load},
	{Name: config.StageExtract, Input: KindVolume, Output: KindBrain, exec: (*run).extract},
	{Name: config.StageCorrect, Input: KindBrain, Output: KindCorrected, exec: (*run).correct},
	{Name: config.StageSegment, Input: KindCorrected, Output: KindSegmentation, exec: (*run).segment},
	{Name: config.StageRender, Input: KindSegmentation, Output: KindFigure, exec: (*run).render},
}

// Select returns the stages named in names, which must be a prefix of the
// full pipeline.
func Select(names []string) ([]Stage, error) {
	n, err := config.StagePrefix(names)
	if err != nil {
		return nil, err
	}
	stages := append([]Stage(nil), allStages[:n]...)
	if err := Validate(stages); err != nil {
		return nil, err
	}
	return stages, nil
}

// Validate checks that stages start from a subject index and that every
// stage consumes what its predecessor produces.
func Validate(stages []Stage) error {
	if len(stages) == 0 {
		return errs.Wrap(errs.ErrConfiguration, "pipeline", "no stages", nil)
	}
	if stages[0].Input != KindSubject {
		return errs.Wrap(errs.ErrConfiguration, "pipeline",
			fmt.Sprintf("first stage %s consumes %s, want %s", stages[0].Name, stages[0].Input, KindSubject), nil)
	}
	for i := 1; i < len(stages); i++ {
		prev, cur := stages[i-1], stages[i]
		if cur.Input != prev.Output {
			return errs.Wrap(errs.ErrConfiguration, "pipeline",
				fmt.Sprintf("stage %s consumes %s but %s produces %s", cur.Name, cur.Input, prev.Name, prev.Output), nil)
		}
	}
	return nil
}
