// Package failure defines the error taxonomy shared by the pipeline stages.
// Every error surfaced by a run carries one of the sentinels below so callers
// can classify it with errors.Is regardless of how deeply it was wrapped.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExtraction        = errors.New("extraction failure")
	ErrValidation        = errors.New("validation failure")
	ErrLockHeld          = errors.New("run lock held")
	ErrStoreBusy         = errors.New("store busy")
	ErrHistoryCorrupt    = errors.New("history corrupt")
	ErrModelArtifact     = errors.New("model artifact failure")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Wrap tags err with marker and a stage/operation detail string. A nil err
// yields an error carrying only the marker and detail.
func Wrap(marker error, stage, message string, err error) error {
	detail := buildDetail(stage, message)
	if marker == nil {
		if err == nil {
			return errors.New(detail)
		}
		return fmt.Errorf("%s: %w", detail, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns a short machine-readable name for the sentinel err carries,
// or "internal" when it carries none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExtraction):
		return "extraction"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLockHeld):
		return "concurrency"
	case errors.Is(err, ErrStoreBusy):
		return "store_busy"
	case errors.Is(err, ErrHistoryCorrupt):
		return "history_corrupt"
	case errors.Is(err, ErrModelArtifact):
		return "model_artifact"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	default:
		return "internal"
	}
}

// StageError records which pipeline stage produced an error.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage name recorded in err's chain, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func buildDetail(stage, message string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "unspecified"
	}
	return strings.Join(parts, ": ")
}
