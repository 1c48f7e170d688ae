package testutil

import (
	"io"
	"log/slog"
)

// Logger returns a logger that discards everything. Tests asserting on
// behavior rather than log output use it to keep the run silent.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
