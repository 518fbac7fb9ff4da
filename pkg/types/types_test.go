package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSessionKeyValidate(t *testing.T) {
	t.Parallel()

	if err := (SessionKey{SessionID: "s1"}).Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if err := (SessionKey{Namespace: "ns", UserID: "u"}).Validate(); err == nil {
		t.Fatal("expected error for missing session id")
	}
	if err := (SessionKey{SessionID: "   "}).Validate(); err == nil {
		t.Fatal("expected error for blank session id")
	}
}

func TestSessionKeyString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key  SessionKey
		want string
	}{
		{SessionKey{Namespace: "ns", UserID: "u", SessionID: "s"}, "ns/u/s"},
		{SessionKey{SessionID: "s"}, "s"},
		{SessionKey{Namespace: "ns", SessionID: "s"}, "ns/s"},
	}
	for _, tc := range cases {
		if got := tc.key.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestMemoryRecordValidate(t *testing.T) {
	t.Parallel()

	when := time.Now()
	cases := []struct {
		name    string
		rec     MemoryRecord
		wantErr bool
	}{
		{"semantic ok", MemoryRecord{ID: "m1", Text: "likes go", MemoryType: MemoryTypeSemantic}, false},
		{"message ok", MemoryRecord{ID: "m2", Text: "hi", MemoryType: MemoryTypeMessage}, false},
		{"episodic with date", MemoryRecord{ID: "m3", Text: "moved", MemoryType: MemoryTypeEpisodic, EventDate: &when}, false},
		{"episodic missing date", MemoryRecord{ID: "m4", Text: "moved", MemoryType: MemoryTypeEpisodic}, true},
		{"missing id", MemoryRecord{Text: "x", MemoryType: MemoryTypeSemantic}, true},
		{"empty text", MemoryRecord{ID: "m5", Text: "  ", MemoryType: MemoryTypeSemantic}, true},
		{"unknown type", MemoryRecord{ID: "m6", Text: "x", MemoryType: "procedural"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rec.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	if IsRetryable(&ValidationError{Field: "x", Reason: "bad"}) {
		t.Fatal("validation errors must not be retryable")
	}
	if !IsRetryable(Transient("embed", errors.New("timeout"))) {
		t.Fatal("transient errors must be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("unclassified errors must not be retryable")
	}
	// A validation error wrapped as transient stays terminal.
	wrapped := Transient("op", &ValidationError{Field: "x", Reason: "bad"})
	if IsRetryable(wrapped) {
		t.Fatal("wrapped validation error must stay terminal")
	}
	if IsRetryable(fmt.Errorf("context: %w", ErrNotFound)) {
		t.Fatal("not-found must not be retryable")
	}
}

func TestTransientNilIsNil(t *testing.T) {
	t.Parallel()

	if Transient("op", nil) != nil {
		t.Fatal("Transient(nil) must be nil")
	}
}

func TestUnionStrings(t *testing.T) {
	t.Parallel()

	got := UnionStrings([]string{"a", "b"}, []string{"b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
