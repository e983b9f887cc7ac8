package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	err := NewError(ErrLocalization, errors.New("404 Not Found"), "stage %s", "s3://b/k")
	want := "LOCALIZATION_ERROR: stage s3://b/k: 404 Not Found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWithFrame(t *testing.T) {
	base := NewError(ErrTaskExecution, nil, "exit code 3")
	err := WithFrame(base, Frame{Kind: "call", Name: "align", Pos: "main.wdl:12:3"})
	err = WithFrame(err, Frame{Kind: "scatter", Name: "sample[2]"})
	err = WithFrame(err, Frame{Kind: "workflow", Name: "main"})

	frames := FramesOf(err)
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	if frames[0].Name != "align" || frames[2].Name != "main" {
		t.Errorf("frames = %v, want innermost first", frames)
	}
	if len(base.Frames) != 0 {
		t.Errorf("WithFrame modified the original error")
	}
	if !strings.Contains(err.Error(), "at call align (main.wdl:12:3)") {
		t.Errorf("Error() = %q, missing call frame", err.Error())
	}
}

func TestWithFrame_PlainError(t *testing.T) {
	err := WithFrame(errors.New("boom"), Frame{Kind: "call", Name: "x"})
	if CodeOf(err) != ErrTaskExecution {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), ErrTaskExecution)
	}
	if WithFrame(nil, Frame{}) != nil {
		t.Error("WithFrame(nil) should be nil")
	}
}

func TestClassification(t *testing.T) {
	transient := &EngineError{Code: ErrLocalization, Message: "timeout", Retryable: true}
	wrapped := fmt.Errorf("stage inputs: %w", transient)

	if !IsRetryable(wrapped) {
		t.Error("IsRetryable(wrapped transient) = false")
	}
	if IsRetryable(NewValidationError("bad")) {
		t.Error("IsRetryable(validation) = true")
	}
	if !IsCanceled(NewCanceledError(nil)) {
		t.Error("IsCanceled(canceled) = false")
	}
	if !IsCanceled(fmt.Errorf("poll: %w", context.Canceled)) {
		t.Error("IsCanceled(context.Canceled) = false")
	}
	if CodeOf(errors.New("x")) != "" {
		t.Error("CodeOf(plain) should be empty")
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{Entity: "node", ID: "align", From: "COMPLETE", To: "RUNNING"}
	want := "invalid node state transition: COMPLETE → RUNNING (entity align)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
