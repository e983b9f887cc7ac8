package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies engine errors.
type ErrorCode string

const (
	ErrValidation            ErrorCode = "VALIDATION_ERROR"
	ErrResourceUnsatisfiable ErrorCode = "RESOURCE_UNSATISFIABLE"
	ErrLocalization          ErrorCode = "LOCALIZATION_ERROR"
	ErrBackendSubmission     ErrorCode = "BACKEND_SUBMISSION_ERROR"
	ErrTaskExecution         ErrorCode = "TASK_EXECUTION_FAILURE"
	ErrCanceled              ErrorCode = "CANCELED"
	ErrCache                 ErrorCode = "CACHE_ERROR"
	ErrEvaluation            ErrorCode = "EVALUATION_ERROR"
)

// Frame identifies one call site on the path from the top-level workflow to
// the failing task.
type Frame struct {
	Kind string `json:"kind"` // call, scatter, if, workflow
	Name string `json:"name"`
	Pos  string `json:"pos,omitempty"`
}

func (f Frame) String() string {
	if f.Pos == "" {
		return fmt.Sprintf("%s %s", f.Kind, f.Name)
	}
	return fmt.Sprintf("%s %s (%s)", f.Kind, f.Name, f.Pos)
}

// EngineError is a classified error. Frames are ordered innermost first.
type EngineError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
	Frames    []Frame   `json:"frames,omitempty"`
	Err       error     `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	for _, f := range e.Frames {
		b.WriteString("\n  at ")
		b.WriteString(f.String())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewError creates an EngineError.
func NewError(code ErrorCode, err error, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewValidationError creates a VALIDATION_ERROR.
func NewValidationError(format string, args ...any) *EngineError {
	return NewError(ErrValidation, nil, format, args...)
}

// NewCanceledError creates a CANCELED error wrapping cause, if any.
func NewCanceledError(cause error) *EngineError {
	return NewError(ErrCanceled, cause, "run canceled")
}

// WithFrame adds a call-site frame to err. Errors that are not EngineErrors
// are wrapped as TASK_EXECUTION_FAILURE.
func WithFrame(err error, f Frame) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if !errors.As(err, &ee) {
		ee = &EngineError{Code: ErrTaskExecution, Message: "execution failed", Err: err}
	} else {
		cp := *ee
		cp.Frames = append([]Frame(nil), ee.Frames...)
		ee = &cp
	}
	ee.Frames = append(ee.Frames, f)
	return ee
}

// CodeOf returns the code of the first EngineError in err's chain, or an
// empty code.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// FramesOf returns the call-site frames attached to err.
func FramesOf(err error) []Frame {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Frames
	}
	return nil
}

// IsRetryable reports whether err is a transient EngineError.
func IsRetryable(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Retryable
}

// IsCanceled reports whether err represents cancellation.
func IsCanceled(err error) bool {
	return CodeOf(err) == ErrCanceled || errors.Is(err, context.Canceled)
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
