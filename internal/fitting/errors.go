package fitting

import (
	"errors"
	"fmt"

	"github.com/popdyn/lvfit/internal/dataset"
)

// Failure kinds distinguish why a fit could not produce a full result.
var (
	// ErrStartingValues: no defined finite-difference sample exists, so no
	// initial guess can be derived. The fit for that series is aborted.
	ErrStartingValues = errors.New("starting values undefined")

	// ErrIntegration: the ODE solver could not produce a trajectory at the
	// converged parameters. Distinct from a successful-but-poor fit.
	ErrIntegration = errors.New("trajectory integration failed")

	// ErrDegenerateFit: the residual scale is zero or NaN, so the Gaussian
	// likelihood is undefined.
	ErrDegenerateFit = errors.New("degenerate fit: sigma is not positive")
)

// FailureKind classifies a per-group fit failure for batch reporting.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureStartingValues FailureKind = "starting_values"
	FailureIntegration    FailureKind = "integration"
	FailureDegenerateFit  FailureKind = "degenerate_fit"
	FailureInvalidSeries  FailureKind = "invalid_series"
	FailureOther          FailureKind = "other"
)

// KindOf maps an error from the fitting pipeline to its FailureKind.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrStartingValues):
		return FailureStartingValues
	case errors.Is(err, ErrIntegration):
		return FailureIntegration
	case errors.Is(err, ErrDegenerateFit):
		return FailureDegenerateFit
	case errors.Is(err, dataset.ErrLenMismatch),
		errors.Is(err, dataset.ErrEmpty),
		errors.Is(err, dataset.ErrUnsortedTimes),
		errors.Is(err, dataset.ErrNegativeValue):
		return FailureInvalidSeries
	default:
		return FailureOther
	}
}

// Error carries component and operation context for fitting failures so
// batch reports can say where a fit broke down.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = e.Component + ": " + e.Op
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}

	if prefix != "" {
		return prefix + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new fitting error with the given message.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// Wrap wraps an existing error with additional context. If err is nil,
// Wrap returns nil.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: message, Err: err}
}

// Wrapf wraps an existing error with additional formatted context.
// If err is nil, Wrapf returns nil.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: fmt.Sprintf(format, args...), Err: err}
}
