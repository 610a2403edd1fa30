package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeBusy, "session %d running", 3)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy error to match sentinel")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("busy error matched timeout sentinel")
	}

	wrapped := fmt.Errorf("start: %w", err)
	if !errors.Is(wrapped, ErrBusy) {
		t.Fatalf("expected wrapped busy error to match")
	}
	if CodeOf(wrapped) != CodeBusy {
		t.Fatalf("unexpected code: %q", CodeOf(wrapped))
	}
	if MessageOf(wrapped) != "session 3 running" {
		t.Fatalf("unexpected message: %q", MessageOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dlopen failed")
	err := Wrap(CodeBinding, cause, "load %s", "libzkfp.so")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if err.Error() != "binding_error: load libzkfp.so: dlopen failed" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain error should have no code")
	}
}
