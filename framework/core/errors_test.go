package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestFrameworkError_Error(t *testing.T) {
	err := NewError(ErrNotFound, "payment missing")
	if err.Error() != "[NOT_FOUND] payment missing" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	wrapped := Wrap(errors.New("connection reset"), ErrStorage, "persist status")
	if wrapped.Error() != "[STORAGE_ERROR] persist status: connection reset" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
}

func TestFrameworkError_IsByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(errors.New("boom"), ErrStorage, "write"))

	if !HasCode(err, ErrStorage) {
		t.Fatal("expected STORAGE_ERROR in chain")
	}
	if HasCode(err, ErrNotFound) {
		t.Fatal("NOT_FOUND must not match")
	}
	if CodeOf(err) != ErrStorage {
		t.Errorf("CodeOf = %q", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain error has no code")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, ErrStorage, "x") != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
}
