// Package rblog provides the default disabled logger every rbstore
// component falls back to when a caller does not supply its own
// *slog.Logger. Components never log to stdout unless asked to.
package rblog

import (
	"io"
	"log/slog"
)

// Discard returns a *slog.Logger that drops everything it's given.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns log if non-nil, otherwise Discard().
func OrDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return Discard()
	}
	return log
}
