// Package common provides the small error-construction helpers used across
// every component boundary instead of ad-hoc fmt.Errorf calls.
package common

import "fmt"

// NewError builds an error from its arguments joined the way fmt.Sprint joins them.
func NewError(args ...any) error {
	return fmt.Errorf("%s", fmt.Sprint(args...))
}

// NewErrorf builds an error from a format string, mirroring fmt.Errorf without
// requiring callers to remember %w for plain messages.
func NewErrorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
