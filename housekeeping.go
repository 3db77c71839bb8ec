package fcgi

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fcgicore/engine/internal/connmux"
	"github.com/robfig/cron/v3"
)

// HousekeepingOptions configures the engine's background reaper.
type HousekeepingOptions struct {
	// Schedule is a standard five-field cron expression. Empty
	// disables housekeeping entirely.
	Schedule string

	// SpillDir is swept for ".spill" files older than IdleTTL; this is
	// a defensive sweep only, since a session's own spill files are
	// deleted on drain or abort in normal operation. Empty disables
	// the sweep.
	SpillDir string

	// IdleTTL is how old an orphaned spill file must be before the
	// reaper deletes it.
	IdleTTL time.Duration
}

// startHousekeeping schedules the reaper job per opts and returns a
// func that stops it. A zero Schedule is a no-op and returns nil.
func startHousekeeping(e *Engine, opts HousekeepingOptions) func() {
	if opts.Schedule == "" {
		return nil
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}

	c := cron.New()
	_, err := c.AddFunc(opts.Schedule, func() {
		reapClosedSessionPipes(e)
		reapOrphanedSpillFiles(opts.SpillDir, opts.IdleTTL, e.logger)
	})
	if err != nil {
		e.logger.Error("invalid housekeeping schedule", "schedule", opts.Schedule, "error", err)
		return nil
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

// reapClosedSessionPipes scans every live connection's session table
// for sessions that reached StateClosed without their stdin/data pipe
// ever being drained by the application (a leaked reader), and
// releases those pipes' chunks. In normal operation Finish already
// removes a session from its connection's table as it closes, so this
// finds nothing; it exists for the case a session lingers in the table
// past Closed.
func reapClosedSessionPipes(e *Engine) {
	e.mu.Lock()
	conns := make([]*connmux.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		for _, sess := range c.Sessions() {
			sess.ReleasePipes()
		}
	}
}

// reapOrphanedSpillFiles removes spill files under dir whose
// modification time is older than ttl. A session's own spill files
// are already deleted when its pipe is drained or aborted, so in
// normal operation this finds nothing; it exists for the case where a
// session ended between chunk creation and cleanup (for instance, a
// process restart).
func reapOrphanedSpillFiles(dir string, ttl time.Duration, logger *slog.Logger) {
	if dir == "" {
		return
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".spill") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("spill sweep failed", "dir", dir, "error", err)
		return
	}
	if removed > 0 {
		logger.Info("reaped orphaned spill files", "dir", dir, "count", removed)
	}
}
