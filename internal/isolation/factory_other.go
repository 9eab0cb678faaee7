//go:build !unix

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator.
func NewIsolator() Isolator {
	slog.Warn("isolation: process groups unavailable, using fallback (timeout only)")
	return NewFallbackIsolator()
}
