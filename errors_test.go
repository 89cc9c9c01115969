package metadex

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(KindSchema, "entities table missing")
	expected := "[SCHEMA] entities table missing"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(KindSchema, "could not create table", cause)
	expected := "[SCHEMA] could not create table: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(KindLookup, "no entity", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(KindLookup, "first")
	err2 := New(KindLookup, "second")
	err3 := New(KindShape, "different kind")

	if !errors.Is(err1, err2) {
		t.Error("errors with the same kind should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different kinds should not match via Is")
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("propdb: %w", Errorf(KindAmbiguousMatch, "2 entries match"))
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Error("wrapped error should match its kind sentinel")
	}
	if errors.Is(err, ErrNotBound) {
		t.Error("wrapped error should not match a different sentinel")
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf(KindMissingParameter, "no value for column %q", "wafer")
	expected := `[MISSING_PARAMETER] no value for column "wafer"`
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindCollision, "duplicate key")
	if KindOf(err) != KindCollision {
		t.Errorf("got %q, want %q", KindOf(err), KindCollision)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindCollision {
		t.Errorf("wrapped: got %q, want %q", KindOf(wrapped), KindCollision)
	}
	if KindOf(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty kind")
	}
}

func TestSentinelKinds(t *testing.T) {
	tests := []struct {
		sentinel *Error
		kind     Kind
	}{
		{ErrSchema, KindSchema},
		{ErrInterval, KindInterval},
		{ErrLookup, KindLookup},
		{ErrMissingParameter, KindMissingParameter},
		{ErrShape, KindShape},
		{ErrCollision, KindCollision},
		{ErrAmbiguousMatch, KindAmbiguousMatch},
		{ErrNotBound, KindNotBound},
	}
	for _, tt := range tests {
		if tt.sentinel.Kind != tt.kind {
			t.Errorf("sentinel %q has kind %q", tt.kind, tt.sentinel.Kind)
		}
	}
}
