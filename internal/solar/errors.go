package solar

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShape marks vector length, row count, or choice list mismatches.
	ErrShape = errors.New("shape mismatch")

	// ErrSourceUnavailable marks a collaborator that failed to produce data.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrDegenerateDay marks a day that had samples but no valid reading.
	ErrDegenerateDay = errors.New("degenerate day")

	ErrNoSources         = errors.New("no sources registered")
	ErrUnknownSource     = errors.New("unknown source")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// ShapeError reports a dimension problem detected by Op.
type ShapeError struct {
	Op     string
	Detail string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrShape, e.Detail)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

func shapeErrorf(op, format string, args ...any) error {
	return &ShapeError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// NewShapeError builds a ShapeError for callers outside this package.
func NewShapeError(op, format string, args ...any) error {
	return shapeErrorf(op, format, args...)
}

// SourceError wraps a collaborator failure with the source it came from.
type SourceError struct {
	Source SourceTag
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %q: %s: %v", e.Source, ErrSourceUnavailable, e.Err)
}

func (e *SourceError) Unwrap() []error { return []error{ErrSourceUnavailable, e.Err} }

// DegenerateDayError is returned under the "error" degenerate-day policy.
type DegenerateDayError struct {
	Day time.Time
}

func (e *DegenerateDayError) Error() string {
	return fmt.Sprintf("%s: %s has no valid readings", ErrDegenerateDay, e.Day.Format("2006-01-02"))
}

func (e *DegenerateDayError) Unwrap() error { return ErrDegenerateDay }
