package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	fcgi "github.com/fcgicore/engine"
	"github.com/fcgicore/engine/internal/config"
	"github.com/fcgicore/engine/internal/logging"
	"github.com/fcgicore/engine/internal/pipe"
)

func main() {
	configPath := flag.String("config", "/etc/fcgiengine/engine.yaml", "path to engine config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog.Close()

	engine, err := fcgi.New(fcgi.Options{
		Logger: logger,
		Handlers: map[fcgi.Role]fcgi.Handler{
			fcgi.RoleResponder: fcgi.HandlerFunc(echoResponder),
		},
		MaxConnections:           cfg.Limits.MaxConnections,
		MaxSessions:              cfg.Limits.MaxSessions,
		MaxSessionsPerConnection: cfg.Limits.MaxSessionsPerConnection,
		AdvertiseMaxConns:        cfg.Limits.MaxConnections,
		AdvertiseMaxReqs:         cfg.Limits.MaxSessions,
		Pipe: pipe.Config{
			MemChunkSize:     cfg.Pipe.MemChunkSizeRaw,
			MaxFileSize:      cfg.Pipe.MaxFileSizeRaw,
			SpillDir:         cfg.Pipe.SpillDir,
			SpillCompression: cfg.Pipe.SpillCompression,
		},
		MemoryBudget:     cfg.Pipe.MemoryThresholdRaw,
		StdinBytesPerSec: cfg.Throttle.StdinBytesPerSec,
		SessionLogDir:    cfg.Logging.SessionLogDir,
		Housekeeping: fcgi.HousekeepingOptions{
			Schedule: cfg.Housekeeping.Cron,
			SpillDir: cfg.Pipe.SpillDir,
			IdleTTL:  cfg.Housekeeping.IdleSessionTTL,
		},
		Diagnostics: fcgi.DiagnosticsOptions{
			Interval: cfg.Diagnostics.Interval,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Shutdown()

	ln, err := net.Listen(cfg.Listen.Network, cfg.Listen.Address)
	if err != nil {
		logger.Error("listening", "network", cfg.Listen.Network, "address", cfg.Listen.Address, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := engine.Serve(ctx, ln); err != nil {
		logger.Error("engine error", "error", err)
		os.Exit(1)
	}
}

// echoResponder is a reference Responder handler: it reports the
// request's CGI parameters back to the client. Applications embedding
// this engine register their own Handler in place of this one.
func echoResponder(ctx context.Context, req *fcgi.Request, w fcgi.ResponseWriter) (int, error) {
	w.SetField("Content-Type", "text/plain")
	for name, value := range req.Params() {
		fmt.Fprintf(w, "%s=%s\n", name, value)
	}
	return 0, nil
}
