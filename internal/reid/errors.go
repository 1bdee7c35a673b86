package reid

import (
	"errors"
	"fmt"
	"strings"
)

// Error markers. Stage code wraps one of these with Wrap so callers can
// classify failures with errors.Is.
var (
	ErrInput             = errors.New("input error")
	ErrDetection         = errors.New("detection error")
	ErrEmptyTrack        = errors.New("feature error: empty track")
	ErrDimensionMismatch = errors.New("feature error: dimension mismatch")
	ErrEmptySide         = errors.New("matching error: empty side")
	ErrCancelled         = errors.New("run cancelled")
	ErrRunInProgress     = errors.New("run already in progress")
	ErrRunNotFound       = errors.New("run not found")
	ErrConfiguration     = errors.New("configuration error")
)

// Wrap builds an error that carries stage context and is tagged with
// marker. A nil marker defaults to ErrInput.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrInput
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether err must abort a run. An empty matching side is
// a degenerate but valid outcome.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrEmptySide)
}

// StageError records the stage a run failed in together with the cause.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "reid failure"
	}
	return strings.Join(parts, ": ")
}
