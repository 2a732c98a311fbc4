package utils

import (
	"errors"
	"testing"
	"time"
)

func TestFailureWindowBuckets(t *testing.T) {
	cases := map[time.Duration]string{
		-time.Second:     "none",
		0:                "now",
		30 * time.Minute: "<1 hour",
		90 * time.Minute: "1-2 hours",
		3 * time.Hour:    "2-4 hours",
		6 * time.Hour:    "4-12 hours",
		20 * time.Hour:   "12-24 hours",
		48 * time.Hour:   ">24 hours",
	}
	for d, want := range cases {
		if got := FailureWindow(d); got != want {
			t.Fatalf("FailureWindow(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestSecondsAndMillis(t *testing.T) {
	if Seconds(0) != 0 || Seconds(-3) != 0 {
		t.Fatalf("expected zero for non-positive seconds")
	}
	if Seconds(5) != 5*time.Second {
		t.Fatalf("unexpected seconds conversion")
	}
	if Millis(1500) != 1500*time.Millisecond {
		t.Fatalf("unexpected millis conversion")
	}
}

func TestValidationErrors(t *testing.T) {
	var v ValidationErrors
	if v.Err() != nil {
		t.Fatalf("expected nil error when empty")
	}
	v.Addf("group %s: %s", "crm", "missing endpoints")
	v.Addf("duplicate id %q", "crm")
	err := NewAppError("registry.load", "invalid registry", v.Err())
	if OpOf(err) != "registry.load" {
		t.Fatalf("unexpected op: %q", OpOf(err))
	}
	var ve ValidationErrors
	if !errors.As(err, &ve) || len(ve) != 2 {
		t.Fatalf("expected wrapped validation errors, got %v", err)
	}
}
