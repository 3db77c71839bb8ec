package fcgi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fcgicore/engine/internal/connmux"
	"github.com/fcgicore/engine/internal/logging"
	"github.com/fcgicore/engine/internal/pipe"
	"github.com/fcgicore/engine/internal/record"
	"github.com/fcgicore/engine/internal/session"
)

// Options configures an Engine.
type Options struct {
	Logger *slog.Logger

	// Handlers maps each supported role to the Handler that serves it.
	// A role with no entry is rejected at admission with UNKNOWN_ROLE.
	Handlers map[Role]Handler

	// MaxConnections caps concurrently accepted connections. 0 means
	// unlimited.
	MaxConnections int

	// MaxSessions caps concurrently live sessions across every
	// connection. 0 means unlimited.
	MaxSessions int

	// MaxSessionsPerConnection caps concurrently live sessions on a
	// single connection. 0 means unlimited.
	MaxSessionsPerConnection int

	// AdvertiseMaxConns and AdvertiseMaxReqs are the values the engine
	// reports in answer to GET_VALUES. 0 omits the corresponding
	// variable from the reply.
	AdvertiseMaxConns int
	AdvertiseMaxReqs  int

	// Pipe configures the elastic stdin/data pipe chunk sizing and
	// spill directory shared by every session.
	Pipe pipe.Config

	// MemoryBudget is the process-wide memory ceiling (in bytes) above
	// which new pipe chunks spill to disk instead of memory.
	MemoryBudget int64

	// StdinBytesPerSec caps, per connection, the rate STDIN/DATA bytes
	// are forwarded into a session's pipe. 0 disables throttling.
	StdinBytesPerSec int64

	// SessionLogDir, if non-empty, makes each request log to its own
	// file under SessionLogDir/<conn-id>/<request-id>.log in addition to
	// the engine's own logger. The file is removed when the request
	// completes without error.
	SessionLogDir string

	Housekeeping HousekeepingOptions
	Diagnostics  DiagnosticsOptions
}

func (o *Options) validate() error {
	if o.MaxConnections < 0 {
		return fmt.Errorf("fcgi: MaxConnections must not be negative")
	}
	if o.MaxSessions < 0 {
		return fmt.Errorf("fcgi: MaxSessions must not be negative")
	}
	if o.MaxSessionsPerConnection < 0 {
		return fmt.Errorf("fcgi: MaxSessionsPerConnection must not be negative")
	}
	if o.Pipe.MemChunkSize <= 0 {
		return fmt.Errorf("fcgi: Pipe.MemChunkSize must be positive")
	}
	if o.Pipe.MaxFileSize <= 0 {
		return fmt.Errorf("fcgi: Pipe.MaxFileSize must be positive")
	}
	if o.MemoryBudget <= 0 {
		return fmt.Errorf("fcgi: MemoryBudget must be positive")
	}
	return nil
}

// Engine accepts FastCGI connections and dispatches requests to the
// Handlers registered in Options. One Engine instance owns one shared
// memory budget and one global session limit; it may drive any number
// of concurrent listeners via Serve.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	account *pipe.MemoryAccount

	connIDSeq atomic.Uint64
	liveConns atomic.Int64
	liveSess  atomic.Int64

	mu    sync.Mutex
	conns map[uint64]*connmux.Connection

	stopHousekeeping func()
	stopDiagnostics  func()
}

// New validates opts and constructs an Engine. It does not start
// accepting connections; call Serve for that.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		opts:    opts,
		logger:  logger,
		account: pipe.NewMemoryAccount(opts.MemoryBudget),
		conns:   make(map[uint64]*connmux.Connection),
	}

	e.stopHousekeeping = startHousekeeping(e, opts.Housekeeping)
	e.stopDiagnostics = startDiagnostics(e, opts.Diagnostics)

	return e, nil
}

// Serve accepts connections from ln until ctx is cancelled or ln stops
// producing connections. It blocks; run it on its own goroutine to
// serve multiple listeners concurrently. Serve waits for every
// in-flight connection to finish before it returns; cancelling ctx
// closes those connections rather than letting them drain.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	e.logger.Info("engine listening", "address", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				consecutiveErrors++
				e.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0

		if e.opts.MaxConnections > 0 && e.liveConns.Load() >= int64(e.opts.MaxConnections) {
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.serveConn(ctx, conn)
		}()
	}
}

func (e *Engine) serveConn(ctx context.Context, netConn net.Conn) {
	e.liveConns.Add(1)
	defer e.liveConns.Add(-1)

	id := e.connIDSeq.Add(1)
	connLogger := logging.WithConn(e.logger, id)

	c := connmux.New(connmux.Options{
		ID:                       id,
		Conn:                     netConn,
		Logger:                   connLogger,
		MaxSessionsPerConnection: e.opts.MaxSessionsPerConnection,
		MaxConns:                 e.opts.AdvertiseMaxConns,
		MaxReqs:                  e.opts.AdvertiseMaxReqs,
		SupportsRole:             e.supportsRole,
		NewPipe:                  e.newPipe,
		Dispatch:                 e.dispatch,
		StdinBytesPerSec:         e.opts.StdinBytesPerSec,
		AdmitSession:             e.admitSession,
	})

	e.mu.Lock()
	e.conns[id] = c
	e.mu.Unlock()

	if err := c.Serve(ctx); err != nil {
		var tf *connmux.TransportFault
		if errors.As(err, &tf) {
			connLogger.Error("connection closed on transport fault", "error", err)
		} else {
			connLogger.Warn("connection closed", "error", err)
		}
	}

	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
}

func (e *Engine) supportsRole(r record.Role) bool {
	_, ok := e.opts.Handlers[r]
	return ok
}

func (e *Engine) newPipe() *pipe.Pipe {
	return pipe.New(e.opts.Pipe, e.account)
}

func (e *Engine) admitSession() (func(), bool) {
	if e.opts.MaxSessions <= 0 {
		e.liveSess.Add(1)
		return func() { e.liveSess.Add(-1) }, true
	}
	if e.liveSess.Add(1) > int64(e.opts.MaxSessions) {
		e.liveSess.Add(-1)
		return nil, false
	}
	return func() { e.liveSess.Add(-1) }, true
}

// dispatch runs the Handler registered for sess.Role and always
// completes the session, whatever the handler does. It is called by
// connmux on its own per-session goroutine.
func (e *Engine) dispatch(ctx context.Context, sess *session.Session) {
	h := e.opts.Handlers[sess.Role]
	if h == nil {
		// supportsRole gated admission on this, so it should be
		// unreachable; finish defensively rather than leak the session.
		sess.Finish(session.OutcomeError, fmt.Errorf("fcgi: no handler registered for role %v", sess.Role))
		return
	}

	connID := fmt.Sprintf("%d", sess.ConnID)
	requestID := fmt.Sprintf("%d", sess.ID)

	sessLogger, closeSessLog, _, logErr := logging.NewSessionLogger(sess.Logger(), e.opts.SessionLogDir, connID, requestID)
	if logErr != nil {
		e.logger.Warn("opening request log file", "conn", sess.ConnID, "request_id", sess.ID, "error", logErr)
	} else {
		sess.SetLogger(sessLogger)
		defer closeSessLog.Close()
	}

	req := &Request{sess: sess}
	w := &responseWriter{sess: sess}

	exitCode, err := h.Serve(ctx, req, w)
	switch {
	case errors.Is(err, ErrOverloaded):
		sess.Finish(session.OutcomeOverload, err)
	case err != nil:
		sess.Finish(session.OutcomeError, err)
	default:
		sess.Exit(exitCode)
		sess.Finish(session.OutcomeNormal, nil)
	}

	if logErr == nil && err == nil {
		logging.RemoveSessionLog(e.opts.SessionLogDir, connID, requestID)
	}
}

// LiveConnections reports the current number of accepted connections
// still being served.
func (e *Engine) LiveConnections() int64 { return e.liveConns.Load() }

// LiveSessions reports the current number of sessions admitted but not
// yet finished, across every connection.
func (e *Engine) LiveSessions() int64 { return e.liveSess.Load() }

// MemoryUsage reports the pipe subsystem's current shared memory
// usage, in bytes, across every live session's chunks.
func (e *Engine) MemoryUsage() int64 { return e.account.Current() }

// Shutdown stops the housekeeping and diagnostics background loops.
// Connections already being served by Serve are not affected; cancel
// the ctx passed to Serve to close them.
func (e *Engine) Shutdown() {
	if e.stopHousekeeping != nil {
		e.stopHousekeeping()
	}
	if e.stopDiagnostics != nil {
		e.stopDiagnostics()
	}
}
