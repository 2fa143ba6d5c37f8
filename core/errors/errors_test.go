package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, CategoryIOFailure, "checkpoint_write_failed", "check directory permissions", true)
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryIOFailure {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "checkpoint_write_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "check directory permissions" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !RetryableOf(err) {
		t.Fatal("expected retryable true")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if RetryableOf(err) {
		t.Fatal("unexpected retryable true")
	}
	if IsFatal(err) {
		t.Fatal("plain errors are not fatal")
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternalFailure, "internal_failure", "retry later", false); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
	if got := Unavailable(nil, "ocr_timeout"); got != nil {
		t.Fatalf("expected nil unavailable error, got=%v", got)
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	base := stderrors.New("cause")
	cases := []struct {
		name      string
		err       error
		category  Category
		retryable bool
		fatal     bool
	}{
		{name: "unavailable", err: Unavailable(base, "ocr_timeout"), category: CategoryPortUnavailable, retryable: true},
		{name: "failure", err: Failure(base, "relay_rejected"), category: CategoryPortFailure},
		{name: "invalid_state", err: InvalidState(base, "bad_transition"), category: CategoryInvalidState, fatal: true},
		{name: "corrupt", err: CheckpointCorrupt(base, "checkpoint_unparseable"), category: CategoryCheckpointCorrupt, fatal: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if CategoryOf(wrapped) != tc.category {
				t.Fatalf("expected %s, got %s", tc.category, CategoryOf(wrapped))
			}
			if RetryableOf(wrapped) != tc.retryable {
				t.Fatalf("unexpected retryable=%v", RetryableOf(wrapped))
			}
			if IsFatal(wrapped) != tc.fatal {
				t.Fatalf("unexpected fatal=%v", IsFatal(wrapped))
			}
			if HintOf(wrapped) == "" {
				t.Fatal("expected hint")
			}
		})
	}
}

func TestClassifiedErrorNilCauseDefaults(t *testing.T) {
	err := &classifiedError{
		category:  CategoryPortUnavailable,
		code:      "notify_timeout",
		hint:      "retry request",
		retryable: true,
	}
	if err.Error() != "unknown error" {
		t.Fatalf("unexpected nil-cause error text: %s", err.Error())
	}
	if err.Unwrap() != nil {
		t.Fatalf("expected unwrap nil for nil cause")
	}
	if err.Category() != CategoryPortUnavailable || err.Code() != "notify_timeout" || err.Hint() != "retry request" || !err.Retryable() {
		t.Fatalf("unexpected accessors: %#v", err)
	}
}
