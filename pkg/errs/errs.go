// Package errs defines the failure taxonomy shared by every pipeline stage.
// Errors are tagged with a sentinel marker so callers can classify them with
// errors.Is regardless of how many layers wrapped them.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks a required input file that is absent after recovery.
	ErrNotFound = errors.New("not found")
	// ErrRange marks a subject index outside the known dataset.
	ErrRange = errors.New("index out of range")
	// ErrEmptyInput marks a classifier input with nothing to classify.
	ErrEmptyInput = errors.New("empty input")
	// ErrUpstream marks a failure inside a delegated image-processing primitive.
	ErrUpstream = errors.New("upstream library error")
	// ErrConfiguration marks an invalid configuration value or stage list.
	ErrConfiguration = errors.New("configuration error")
	// ErrOutputBusy marks an output directory locked by another run.
	ErrOutputBusy = errors.New("output directory busy")
)

// Wrap builds an error message that includes stage context while tagging it
// with marker. The underlying error stays reachable through errors.Is/As.
func Wrap(marker error, stage, operation string, err error) error {
	detail := buildDetail(stage, operation)
	if marker == nil {
		marker = ErrUpstream
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// StageError reports which stage failed for which subject.
type StageError struct {
	Stage   string
	Subject int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for subject %d: %v", e.Stage, e.Subject, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind returns a short classification label for err, used in reports and the
// run ledger.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRange):
		return "range"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrOutputBusy):
		return "output_busy"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}

func buildDetail(stage, operation string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
