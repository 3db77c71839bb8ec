package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewSessionLogger to write simultaneously to the
// engine's global handler and a request's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check Enabled() on each handler individually before dispatching, so
	// DEBUG records aren't sent to the primary handler when it only
	// accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors against the request's own log file must not block the
	// global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger creates a logger that writes both to the base
// (global) logger and to a file dedicated to one request. The file is
// created at:
//
//	{sessionLogDir}/{connID}/{requestID}.log
//
// Returns the enriched logger, an io.Closer to close the request's log
// file, and the path of the file created (sessionLogDir joined with
// connID and the file name). The Closer MUST be
// called (defer) when the request finishes.
//
// If sessionLogDir is empty, returns the base logger unmodified (no-op).
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, connID, requestID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, connID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating request log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, requestID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening request log file %s: %w", logPath, err)
	}

	// The request's own log file always uses JSON at DEBUG level, for
	// maximum capture regardless of the base logger's level.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan-out: dispatch to both the base logger's handler and the file's.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveSessionLog deletes the log file of a request that finished
// successfully. No-op if sessionLogDir is empty or the file doesn't
// exist.
func RemoveSessionLog(sessionLogDir, connID, requestID string) {
	if sessionLogDir == "" {
		return
	}
	logPath := filepath.Join(sessionLogDir, connID, requestID+".log")
	os.Remove(logPath)
}
