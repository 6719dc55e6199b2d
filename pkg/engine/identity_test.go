package engine

import (
	"errors"
	"testing"
)

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		kind IdentifierKind
		want string
	}{
		{"7b8a4d52-3c1e-4c4f-9f0a-2d1b5e6f7a80", IdentifierUUID, "7b8a4d52-3c1e-4c4f-9f0a-2d1b5e6f7a80"},
		{"7B8A4D52-3C1E-4C4F-9F0A-2D1B5E6F7A80", IdentifierUUID, "7b8a4d52-3c1e-4c4f-9f0a-2d1b5e6f7a80"},
		{"42", IdentifierID, "42"},
		{"server_consolidation", IdentifierName, "server_consolidation"},
		{"0", IdentifierName, "0"},
		{"not-a-uuid", IdentifierName, "not-a-uuid"},
	}

	for _, tt := range tests {
		got, err := ParseIdentifier(tt.in)
		if err != nil {
			t.Fatalf("ParseIdentifier(%q): unexpected error: %v", tt.in, err)
		}
		if got.Kind != tt.kind {
			t.Errorf("ParseIdentifier(%q): expected kind %s, got %s", tt.in, tt.kind, got.Kind)
		}
		if got.Value != tt.want {
			t.Errorf("ParseIdentifier(%q): expected value %q, got %q", tt.in, tt.want, got.Value)
		}
	}
}

func TestParseIdentifier_Empty(t *testing.T) {
	_, err := ParseIdentifier("  ")
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestParseRecordIdentifier_RejectsNames(t *testing.T) {
	_, err := ParseRecordIdentifier("not-a-uuid")
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}

	id, err := ParseRecordIdentifier("12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Kind != IdentifierID || id.ID != 12 {
		t.Errorf("expected id 12, got %+v", id)
	}
}

func TestEngineError_Is(t *testing.T) {
	err := NotFound("action", "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected NotFound to match ErrNotFound")
	}
	if errors.Is(err, ErrInvalidIdentity) {
		t.Error("NotFound must not match ErrInvalidIdentity")
	}
	if !IsPermanent(err) || IsRetryable(err) {
		t.Error("NotFound must be permanent")
	}

	over := Overloaded("budget full", nil)
	if !IsRetryable(over) {
		t.Error("Overloaded must be retryable")
	}
	if CodeOf(over) != ErrCodeOverloaded {
		t.Errorf("expected %s, got %s", ErrCodeOverloaded, CodeOf(over))
	}
	if CodeOf(errors.New("boom")) != ErrCodeInternal {
		t.Error("plain errors should map to the internal code")
	}
}
