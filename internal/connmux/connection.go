// Package connmux implements the per-connection record dispatcher: a
// read loop that demultiplexes an inbound FastCGI byte stream into
// concurrent sessions by request id, admission control, management
// record handling, and connection lifecycle/shutdown policy.
package connmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fcgicore/engine/internal/logging"
	"github.com/fcgicore/engine/internal/pipe"
	"github.com/fcgicore/engine/internal/record"
	"github.com/fcgicore/engine/internal/session"
)

// SessionAborted is the reason a session's pipes are aborted with when
// the peer sends ABORT_REQUEST or the engine cancels it for some other
// reason (connection shutdown, for instance).
type SessionAborted struct {
	Reason string
}

func (e *SessionAborted) Error() string {
	return fmt.Sprintf("connmux: session aborted: %s", e.Reason)
}

var (
	appStatusOverloaded  = -3
	appStatusUnknownRole = -3
)

// Options configures a Connection.
type Options struct {
	ID                       uint64
	Conn                     net.Conn
	Logger                   *slog.Logger
	MaxSessionsPerConnection int // 0 means unlimited
	MaxConns                 int // advertised FCGI_MAX_CONNS; 0 omits it
	MaxReqs                  int // advertised FCGI_MAX_REQS; 0 omits it

	// SupportsRole reports whether the engine has a handler registered
	// for the role a BEGIN_REQUEST names.
	SupportsRole func(record.Role) bool

	// NewPipe creates a pipe configured with the engine's shared memory
	// accounting, for sessions that need stdin/data streams.
	NewPipe func() *pipe.Pipe

	// Dispatch runs the application handler for a session once its
	// parameters have been fully received (state Running). It is
	// called on its own goroutine by the connection; Dispatch itself
	// must call Session.Finish when the handler returns.
	Dispatch func(ctx context.Context, s *session.Session)

	// StdinBytesPerSec caps the rate the connection forwards STDIN/DATA
	// bytes into a session's pipe. 0 disables throttling.
	StdinBytesPerSec int64

	// AdmitSession enforces an engine-wide concurrent session limit
	// independent of this connection's own cap. It returns ok=false to
	// reject admission (the connection replies OVERLOADED) or ok=true
	// plus a release func the connection calls exactly once when the
	// session is removed. Nil means no global limit.
	AdmitSession func() (release func(), ok bool)
}

// Connection demultiplexes one accepted byte connection into sessions.
type Connection struct {
	id     uint64
	conn   net.Conn
	reader *record.Reader
	writer *record.Writer
	logger *slog.Logger

	maxSessionsPerConn int
	limits             GetValuesLimits
	supportsRole       func(record.Role) bool
	newPipe            func() *pipe.Pipe
	dispatch           func(ctx context.Context, s *session.Session)
	stdinLimiter       *rate.Limiter
	admitSession       func() (func(), bool)

	mu           sync.Mutex
	sessions     map[uint16]*session.Session
	releases     map[uint16]func()
	keepGoing    bool
	shuttingDown bool // true once this connection closed itself deliberately
}

// New creates a Connection ready to Serve.
func New(opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:                 opts.ID,
		conn:               opts.Conn,
		reader:             record.NewReader(opts.Conn),
		writer:             record.NewWriter(opts.Conn),
		logger:             logger,
		maxSessionsPerConn: opts.MaxSessionsPerConnection,
		limits:             GetValuesLimits{MaxConns: opts.MaxConns, MaxReqs: opts.MaxReqs},
		supportsRole:       opts.SupportsRole,
		newPipe:            opts.NewPipe,
		dispatch:           opts.Dispatch,
		stdinLimiter:       newRateLimiter(opts.StdinBytesPerSec),
		admitSession:       opts.AdmitSession,
		sessions:           make(map[uint16]*session.Session),
		releases:           make(map[uint16]func()),
		keepGoing:          true,
	}
}

// Serve runs the connection's read loop until the peer closes cleanly,
// a transport fault occurs, or ctx is cancelled. It always closes the
// underlying connection before returning.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.conn.Close()

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		rec, err := c.reader.ReadRecord()
		if err != nil {
			return c.handleReadError(err)
		}

		if err := c.handleRecord(ctx, rec); err != nil {
			return c.fault(err)
		}

		if c.shouldClose() {
			return nil
		}
	}
}

func (c *Connection) handleReadError(err error) error {
	c.mu.Lock()
	liveSessions := len(c.sessions)
	shuttingDown := c.shuttingDown
	c.mu.Unlock()

	if shuttingDown {
		return nil
	}
	if errors.Is(err, io.EOF) && liveSessions == 0 {
		return nil
	}
	return c.fault(err)
}

// fault aborts every live session with a TransportFault, marks the
// connection as no longer accepting further work, and returns the
// fault for the caller to propagate.
func (c *Connection) fault(err error) error {
	tf := &TransportFault{Err: err}
	c.logger.Error("connection transport fault", "conn", c.id, "error", err)

	c.mu.Lock()
	c.keepGoing = false
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Abort(tf)
	}
	return tf
}

func (c *Connection) shouldClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.keepGoing && len(c.sessions) == 0
}

func (c *Connection) sessionFor(id uint16) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// Sessions returns a snapshot of the sessions currently tracked by this
// connection, for housekeeping sweeps over the engine's connection
// table. The returned slice is not kept in sync with further activity.
func (c *Connection) Sessions() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess)
	}
	return out
}

func (c *Connection) removeSession(id uint16) {
	c.mu.Lock()
	delete(c.sessions, id)
	release := c.releases[id]
	delete(c.releases, id)
	done := !c.keepGoing && len(c.sessions) == 0
	if done {
		c.shuttingDown = true
	}
	c.mu.Unlock()

	if release != nil {
		release()
	}
	if done {
		// Unblocks a read loop parked in ReadRecord() with no session
		// left to produce further traffic and no keep-conn request
		// pending; handleReadError treats the resulting error as a
		// deliberate shutdown, not a transport fault.
		c.conn.Close()
	}
}

func (c *Connection) handleRecord(ctx context.Context, rec record.Record) error {
	switch rec.Header.Type {
	case record.TypeBeginRequest:
		return c.handleBeginRequest(ctx, rec)
	case record.TypeParams:
		return c.handleParams(ctx, rec)
	case record.TypeStdin:
		return c.handleStdin(ctx, rec)
	case record.TypeData:
		return c.handleData(ctx, rec)
	case record.TypeAbortRequest:
		return c.handleAbortRequest(rec)
	case record.TypeGetValues:
		return c.handleGetValues(rec)
	case record.TypeEndRequest, record.TypeStdout, record.TypeStderr, record.TypeGetValuesResult:
		return c.handleStructuralProblem(rec)
	default:
		return c.writer.WriteUnknownType(rec.Header.RequestID, rec.Header.Type)
	}
}

func (c *Connection) handleBeginRequest(ctx context.Context, rec record.Record) error {
	id := rec.Header.RequestID
	body, err := record.DecodeBeginRequest(rec.Content)
	if err != nil {
		c.logger.Warn("malformed BEGIN_REQUEST", "conn", c.id, "request_id", id, "error", err)
		return nil
	}

	select {
	case <-ctx.Done():
		return c.writer.WriteEndRequest(id, uint32(int32(appStatusOverloaded)), record.StatusOverloaded)
	default:
	}

	c.mu.Lock()
	if !c.keepGoing {
		// An earlier request already told us not to expect more work on
		// this connection; a further BEGIN_REQUEST is a misbehaving peer,
		// not grounds to reopen admission.
		c.mu.Unlock()
		return c.writer.WriteEndRequest(id, uint32(int32(appStatusOverloaded)), record.StatusOverloaded)
	}
	if body.Flags&record.FlagKeepConn == 0 {
		c.keepGoing = false
	}
	_, exists := c.sessions[id]
	count := len(c.sessions)
	c.mu.Unlock()

	if c.maxSessionsPerConn > 0 && count >= c.maxSessionsPerConn {
		proto := record.StatusOverloaded
		if c.maxSessionsPerConn == 1 {
			proto = record.StatusCantMpxConn
		}
		return c.writer.WriteEndRequest(id, uint32(int32(appStatusOverloaded)), proto)
	}

	if c.supportsRole == nil || !c.supportsRole(body.Role) {
		return c.writer.WriteEndRequest(id, uint32(int32(appStatusUnknownRole)), record.StatusUnknownRole)
	}

	if exists {
		c.logger.Warn("duplicate BEGIN_REQUEST", "conn", c.id, "request_id", id)
		c.mu.Lock()
		c.keepGoing = false
		c.mu.Unlock()
		return nil
	}

	var release func()
	if c.admitSession != nil {
		var ok bool
		release, ok = c.admitSession()
		if !ok {
			return c.writer.WriteEndRequest(id, uint32(int32(appStatusOverloaded)), record.StatusOverloaded)
		}
	}

	sess := session.New(session.Config{
		ID:         id,
		Role:       body.Role,
		KeepConn:   body.Flags&record.FlagKeepConn != 0,
		ConnID:     c.id,
		Writer:     c.writer,
		RemoveSelf: func() { c.removeSession(id) },
		Logger:     logging.WithRequest(c.logger, id),
		NewPipe:    c.newPipe,
	})
	if err := sess.BeginParams(); err != nil {
		c.logger.Warn("rejecting BEGIN_REQUEST", "conn", c.id, "request_id", id, "error", err)
		if release != nil {
			release()
		}
		return nil
	}

	c.mu.Lock()
	c.sessions[id] = sess
	if release != nil {
		c.releases[id] = release
	}
	c.mu.Unlock()
	return nil
}

func (c *Connection) handleParams(ctx context.Context, rec record.Record) error {
	sess := c.sessionFor(rec.Header.RequestID)
	if sess == nil {
		return nil
	}
	ended, err := sess.ReceiveParams(rec.Content)
	if err != nil {
		c.logger.Warn("protocol misuse", "conn", c.id, "request_id", rec.Header.RequestID, "error", err)
		return nil
	}
	if ended && c.dispatch != nil {
		go c.dispatch(ctx, sess)
	}
	return nil
}

// stdinForwarder adapts a session's stdin/data write into an io.Writer
// so it can be wrapped by the throttled writer.
type stdinForwarder struct {
	write func([]byte) error
}

func (f stdinForwarder) Write(p []byte) (int, error) {
	if err := f.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Connection) handleStdin(ctx context.Context, rec record.Record) error {
	return c.forwardStream(ctx, rec, func(s *session.Session) func([]byte) error { return s.WriteStdin })
}

func (c *Connection) handleData(ctx context.Context, rec record.Record) error {
	return c.forwardStream(ctx, rec, func(s *session.Session) func([]byte) error { return s.WriteData })
}

func (c *Connection) forwardStream(ctx context.Context, rec record.Record, writeFn func(*session.Session) func([]byte) error) error {
	sess := c.sessionFor(rec.Header.RequestID)
	if sess == nil {
		return nil
	}
	write := writeFn(sess)
	if len(rec.Content) == 0 {
		return write(nil)
	}
	w := throttle(ctx, stdinForwarder{write: write}, c.stdinLimiter)
	_, err := w.Write(rec.Content)
	return err
}

func (c *Connection) handleAbortRequest(rec record.Record) error {
	sess := c.sessionFor(rec.Header.RequestID)
	if sess == nil {
		return nil
	}
	sess.Abort(&SessionAborted{Reason: "ABORT_REQUEST received"})
	return nil
}

func (c *Connection) handleStructuralProblem(rec record.Record) error {
	id := rec.Header.RequestID
	if id == 0 {
		return nil
	}
	sess := c.sessionFor(id)
	if sess == nil {
		return nil
	}
	c.logger.Warn("record type invalid from peer", "conn", c.id, "request_id", id, "type", rec.Header.Type)
	sess.Abort(&SessionAborted{Reason: fmt.Sprintf("unexpected %s from peer", rec.Header.Type)})
	return nil
}
