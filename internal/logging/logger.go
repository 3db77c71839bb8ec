package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// connAttr and requestAttr name the structured fields WithConn and
// WithRequest attach to connection- and request-scoped loggers, so
// every logger derived through them carries the same two keys.
const (
	connAttr    = "conn"
	requestAttr = "req"
)

// NewLogger creates a slog.Logger configured with the given level,
// format, and output. Supported formats: "json" (default) and "text".
// Supported levels: "debug", "info" (default), "warn", "error". If
// filePath is non-empty, logs go to stdout and the file (MultiWriter).
// Returns the logger and an io.Closer to call on shutdown to close the
// file; if filePath is empty the Closer is a no-op.
//
// At debug level the handler also records source file/line, since that
// is when a log line is most often chased straight back into the
// connection/session code that emitted it.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// Falls back to stdout only rather than failing logger construction.
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithConn derives a connection-scoped logger, tagging every record it
// emits with the connection's id.
func WithConn(logger *slog.Logger, connID uint64) *slog.Logger {
	return logger.With(connAttr, connID)
}

// WithRequest derives a request-scoped logger from a connection-scoped
// one, additionally tagging every record with the request id.
func WithRequest(logger *slog.Logger, requestID uint16) *slog.Logger {
	return logger.With(requestAttr, requestID)
}
