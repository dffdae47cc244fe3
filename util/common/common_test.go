package common

import "testing"

func TestNewErrorJoinsArgsLikeSprint(t *testing.T) {
	err := NewError("bridge: ", "write failed")
	if err.Error() != "bridge: write failed" {
		t.Errorf("got %q", err.Error())
	}
}

func TestNewErrorfFormatsArgs(t *testing.T) {
	err := NewErrorf("bridge: %s failed with %d", "convert", 42)
	want := "bridge: convert failed with 42"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestNewErrorfWrapsWithPercentW(t *testing.T) {
	inner := NewError("inner failure")
	wrapped := NewErrorf("outer: %w", inner)
	if wrapped.Error() != "outer: inner failure" {
		t.Errorf("got %q", wrapped.Error())
	}
}
