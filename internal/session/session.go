// Package session implements the per-request state machine: parameter
// accumulation, role-specific input pipes, CGI response header
// buffering, standard output/error framing, and exit semantics.
package session

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fcgicore/engine/internal/pipe"
	"github.com/fcgicore/engine/internal/record"
)

// State is one of the session's observable lifecycle states.
type State int

const (
	StateFresh State = iota
	StateReceivingParams
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateReceivingParams:
		return "receiving_params"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome classifies how the application finished handling a session,
// determining the (app_status, protocol_status) pair written to
// END_REQUEST.
type Outcome int

const (
	OutcomeNormal Outcome = iota
	OutcomeCancelled
	OutcomeOverload
	OutcomeError
)

const defaultStatusCode = 200

// Session is one request's worth of state. It holds only a callback
// into the owning connection (RemoveSelf) rather than a back-pointer,
// to avoid a reference cycle between session and connection.
type Session struct {
	ID       uint16
	Role     record.Role
	KeepConn bool
	ConnID   uint64

	writer     *record.Writer
	removeSelf func()
	logger     *slog.Logger

	mu    sync.Mutex
	state State

	paramBuf bytes.Buffer
	params   map[string]string

	stdin *pipe.Pipe
	data  *pipe.Pipe

	statusCode   int
	headerSent   bool
	fields       []field
	bufSize      int
	firstWritten bool
	outBuf       *bufio.Writer

	exitCode int32
	exitSet  bool

	finished bool
}

// Config carries the pieces a connection multiplexer must supply when
// creating a Session.
type Config struct {
	ID         uint16
	Role       record.Role
	KeepConn   bool
	ConnID     uint64
	Writer     *record.Writer
	RemoveSelf func()
	Logger     *slog.Logger

	// NewPipe creates a pipe for a stream-input role (stdin/data),
	// configured with the engine's shared memory accounting.
	NewPipe func() *pipe.Pipe
}

// New creates a Fresh session. Stdin/data pipes are allocated
// immediately for the roles that use them, so writes into them never
// race the session's own state transitions.
func New(cfg Config) *Session {
	s := &Session{
		ID:         cfg.ID,
		Role:       cfg.Role,
		KeepConn:   cfg.KeepConn,
		ConnID:     cfg.ConnID,
		writer:     cfg.Writer,
		removeSelf: cfg.RemoveSelf,
		logger:     cfg.Logger,
		state:      StateFresh,
		statusCode: defaultStatusCode,
		bufSize:    4096,
	}
	switch cfg.Role {
	case record.RoleResponder:
		s.stdin = cfg.NewPipe()
	case record.RoleFilter:
		s.stdin = cfg.NewPipe()
		s.data = cfg.NewPipe()
	case record.RoleAuthorizer:
		// No input streams.
	}
	s.outBuf = bufio.NewWriterSize(&stdoutSink{s: s}, s.bufSize)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetLogger replaces the logger used for this session's own
// diagnostics (e.g. to fan out into a per-request log file). Must be
// called before the session is handed to a Handler.
func (s *Session) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Logger returns the session's current logger.
func (s *Session) Logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// ReleasePipes aborts this session's stdin/data pipes, releasing their
// chunks, if the session has already reached StateClosed. It is a
// no-op otherwise: a live session's pipes are the application's to
// drain. This exists as a backstop for a handler that leaked a reader
// and never drained a pipe that Finish already closed out on the wire.
func (s *Session) ReleasePipes() {
	s.mu.Lock()
	closed := s.state == StateClosed
	stdin, data := s.stdin, s.data
	s.mu.Unlock()
	if !closed {
		return
	}
	reason := localStateErrorf("session closed, pipe reaped by housekeeping")
	if stdin != nil {
		stdin.Abort(reason)
	}
	if data != nil {
		data.Abort(reason)
	}
}

// BeginParams transitions Fresh → ReceivingParams. Returns
// *ProtocolMisuse if called twice.
func (s *Session) BeginParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFresh {
		return &ProtocolMisuse{Msg: fmt.Sprintf("unexpected PARAMS in state %s", s.state)}
	}
	s.state = StateReceivingParams
	return nil
}

// ReceiveParams accumulates one PARAMS record's content. A non-empty
// content extends the stream; an empty content ends it, decodes the
// accumulated name-value pairs, freezes the parameter map, and
// transitions ReceivingParams → Running.
func (s *Session) ReceiveParams(content []byte) (ended bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReceivingParams {
		return false, &ProtocolMisuse{Msg: fmt.Sprintf("PARAMS received in state %s", s.state)}
	}

	if len(content) > 0 {
		s.paramBuf.Write(content)
		return false, nil
	}

	pairs, err := record.DecodeNameValuePairs(s.paramBuf.Bytes())
	if err != nil {
		return false, fmt.Errorf("session: decoding params: %w", err)
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		params[p.Name] = p.Value
	}
	s.params = params
	s.paramBuf.Reset()
	s.state = StateRunning
	return true, nil
}

// Params returns the frozen parameter snapshot. Valid only once the
// session has reached Running.
func (s *Session) Params() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// WriteStdin forwards STDIN record content into the session's stdin
// pipe; an empty content closes it. No-op for roles without stdin.
func (s *Session) WriteStdin(content []byte) error {
	return writeStream(s.stdin, content)
}

// WriteData forwards DATA record content into the session's data
// pipe (Filter role only); an empty content closes it.
func (s *Session) WriteData(content []byte) error {
	return writeStream(s.data, content)
}

func writeStream(p *pipe.Pipe, content []byte) error {
	if p == nil {
		return nil
	}
	if len(content) == 0 {
		return p.Close()
	}
	_, err := p.Write(content)
	return err
}

// StdinReader returns the session's stdin reader, or nil if the role
// has none.
func (s *Session) StdinReader() io.Reader {
	if s.stdin == nil {
		return nil
	}
	return s.stdin.Reader()
}

// DataReader returns the session's data reader, or nil unless Filter.
func (s *Session) DataReader() io.Reader {
	if s.data == nil {
		return nil
	}
	return s.data.Reader()
}

// Abort transitions the session toward cancellation: its input pipes
// are aborted with reason so blocked reads wake with it.
func (s *Session) Abort(reason error) {
	s.mu.Lock()
	stdin, data := s.stdin, s.data
	s.mu.Unlock()

	if stdin != nil {
		stdin.Abort(reason)
	}
	if data != nil {
		data.Abort(reason)
	}
}

// Exit records an explicit application exit code for normal
// completion. code must be ≥ 0.
func (s *Session) Exit(code int) error {
	if code < 0 {
		return localStateErrorf("exit code must be >= 0, got %d", code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = int32(code)
	s.exitSet = true
	return nil
}

// SetBufferSize sets the output buffer size. Honored only before the
// first write.
func (s *Session) SetBufferSize(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstWritten {
		return localStateErrorf("buffer size cannot change after the first write")
	}
	if n <= 0 {
		return localStateErrorf("buffer size must be positive, got %d", n)
	}
	s.bufSize = n
	s.outBuf = bufio.NewWriterSize(&stdoutSink{s: s}, n)
	return nil
}

// SetStatus sets the response status code. 100 ≤ code < 600.
// Fails once the header has been sent.
func (s *Session) SetStatus(code int) error {
	if code < 100 || code >= 600 {
		return localStateErrorf("status code out of range: %d", code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent {
		return localStateErrorf("status cannot be set after the header has been sent")
	}
	// An explicit code other than 200 keeps the Authorizer 401
	// auto-promotion in setFieldLocked from applying; an explicit 200
	// is indistinguishable from the default and is still promoted.
	s.statusCode = code
	return nil
}

// SetField replaces every existing entry for name and sets it to
// value. AddField appends an additional entry. Both reject the
// reserved "Status" name and fail once the header has been sent.
func (s *Session) SetField(name, value string) error {
	return s.setFieldLocked(name, value, true)
}

func (s *Session) AddField(name, value string) error {
	return s.setFieldLocked(name, value, false)
}

func (s *Session) setFieldLocked(name, value string, replace bool) error {
	name = normalizeFieldName(name)
	if isReservedFieldName(name) {
		return localStateErrorf("field name %q is reserved", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent {
		return localStateErrorf("fields cannot be set after the header has been sent")
	}
	if replace {
		kept := s.fields[:0]
		for _, f := range s.fields {
			if !strings.EqualFold(f.name, name) {
				kept = append(kept, f)
			}
		}
		s.fields = append(kept, field{name: name, value: value})
	} else {
		s.fields = append(s.fields, field{name: name, value: value})
	}
	if s.Role == record.RoleAuthorizer && s.statusCode == defaultStatusCode {
		s.statusCode = 401
	}
	return nil
}

// SetVariable and AddVariable are the Authorizer-only equivalents of
// SetField/AddField using the reserved Variable- prefix; they never
// trigger the 401 auto-promotion.
func (s *Session) SetVariable(name, value string) error {
	return s.setVariableLocked(name, value, true)
}

func (s *Session) AddVariable(name, value string) error {
	return s.setVariableLocked(name, value, false)
}

func (s *Session) setVariableLocked(name, value string, replace bool) error {
	if s.Role != record.RoleAuthorizer {
		return localStateErrorf("variables are only valid for the Authorizer role")
	}
	full := variablePrefix + normalizeFieldName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerSent {
		return localStateErrorf("fields cannot be set after the header has been sent")
	}
	if replace {
		kept := s.fields[:0]
		for _, f := range s.fields {
			if !strings.EqualFold(f.name, full) {
				kept = append(kept, f)
			}
		}
		s.fields = append(kept, field{name: full, value: value})
	} else {
		s.fields = append(s.fields, field{name: full, value: value})
	}
	return nil
}

// Write appends to the response body through the output buffer. The
// CGI header block goes out with the first bytes the buffer passes on
// (when it fills, or on Flush or Finish).
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.firstWritten = true
	s.mu.Unlock()
	return s.outBuf.Write(p)
}

// Flush forces emission of the current output buffer and, if not yet
// sent, the response header.
func (s *Session) Flush() error {
	s.mu.Lock()
	s.firstWritten = true
	s.mu.Unlock()
	if err := s.outBuf.Flush(); err != nil {
		return err
	}
	return s.ensureHeaderSent(nil)
}

// WriteErr writes directly to STDERR, unbuffered: the error stream is
// a side channel rather than part of the buffered response body.
func (s *Session) WriteErr(p []byte) (int, error) {
	if err := s.writer.WriteChunked(record.TypeStderr, s.ID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// stdoutSink is the bufio.Writer's underlying sink: it ensures the CGI
// header has been emitted, then forwards to STDOUT records.
type stdoutSink struct {
	s *Session
}

func (sink *stdoutSink) Write(p []byte) (int, error) {
	if err := sink.s.ensureHeaderSent(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ensureHeaderSent emits the CGI header block exactly once, with body
// following it in the same STDOUT records. Once the header has been
// sent, body is written on its own.
func (s *Session) ensureHeaderSent(body []byte) error {
	s.mu.Lock()
	if s.headerSent {
		s.mu.Unlock()
		return s.writer.WriteChunked(record.TypeStdout, s.ID, body)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Status: %d %s\r\n", s.statusCode, reasonPhrase(s.statusCode))
	for _, f := range s.fields {
		fmt.Fprintf(&buf, "%s: %s\r\n", f.name, f.value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	s.headerSent = true
	s.statusCode = -1
	s.mu.Unlock()

	return s.writer.WriteChunked(record.TypeStdout, s.ID, buf.Bytes())
}

// Finish closes out the session per its Outcome, emitting the header
// if it was never sent, the STDOUT/STDERR terminators, and exactly one
// END_REQUEST, then removes the session from its connection's index.
// Finish is idempotent: calling it more than once is a no-op after the
// first call. There is no transport-fault outcome: every call attempts
// the header, the terminators and the END_REQUEST, and if one of those
// writes fails Finish returns that error without writing the rest and
// without removing the session from its connection's index.
func (s *Session) Finish(outcome Outcome, appErr error) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.state = StateClosing
	s.mu.Unlock()

	var appStatus int32
	var protoStatus record.ProtocolStatus

	switch outcome {
	case OutcomeNormal:
		s.mu.Lock()
		if s.exitSet {
			appStatus = s.exitCode
		}
		s.mu.Unlock()
		protoStatus = record.StatusRequestComplete
	case OutcomeCancelled:
		appStatus = -1
		protoStatus = record.StatusRequestComplete
	case OutcomeOverload:
		appStatus = -2
		protoStatus = record.StatusOverloaded
	case OutcomeError:
		s.mu.Lock()
		sent := s.headerSent
		s.mu.Unlock()
		if !sent {
			s.emitInternalServerError()
		}
		s.WriteErr([]byte(fmt.Sprintf("request %d: %v\n", s.ID, appErr)))
		if s.logger != nil {
			s.logger.Error("application error", "request_id", s.ID, "error", appErr)
		}
		appStatus = -2
		protoStatus = record.StatusRequestComplete
	}

	if err := s.outBuf.Flush(); err != nil {
		return err
	}
	// The header goes out before close even if the application never
	// wrote a body byte: it is due immediately before the first body
	// byte or at close, whichever comes first.
	if err := s.ensureHeaderSent(nil); err != nil {
		return err
	}
	if err := s.writer.WriteRecord(record.TypeStdout, s.ID, nil); err != nil {
		return err
	}
	if err := s.writer.WriteRecord(record.TypeStderr, s.ID, nil); err != nil {
		return err
	}
	if err := s.writer.WriteEndRequest(s.ID, uint32(appStatus), protoStatus); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if s.removeSelf != nil {
		s.removeSelf()
	}
	return nil
}

// emitInternalServerError sends a 501 response with a plain-text body
// when the application errors out before ever sending its own header.
func (s *Session) emitInternalServerError() {
	s.mu.Lock()
	s.statusCode = 501
	s.fields = append(s.fields, field{name: "Content-Type", value: "text/plain; charset=utf-8"})
	s.mu.Unlock()
	s.ensureHeaderSent([]byte("Internal Server Error"))
}
