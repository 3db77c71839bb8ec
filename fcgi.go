// Package fcgi implements a FastCGI application-side engine: it accepts
// connections from a web server, demultiplexes the wire protocol into
// per-request sessions, and dispatches each session to a Handler
// registered for its role.
package fcgi

import (
	"context"
	"io"

	"github.com/fcgicore/engine/internal/record"
	"github.com/fcgicore/engine/internal/session"
)

// Role identifies which of the three FastCGI roles a request was
// opened for.
type Role = record.Role

const (
	RoleResponder  = record.RoleResponder
	RoleAuthorizer = record.RoleAuthorizer
	RoleFilter     = record.RoleFilter
)

// Request is the immutable view a Handler gets of one FastCGI request:
// its role, its decoded PARAMS, and whichever input streams the role
// provides.
type Request struct {
	sess *session.Session
}

// Role reports which role this request was opened for.
func (r *Request) Role() Role {
	return r.sess.Role
}

// Param returns the value of a decoded PARAMS entry, or "" if absent.
func (r *Request) Param(name string) string {
	return r.sess.Params()[name]
}

// Params returns the full decoded PARAMS map. The caller must not
// mutate it.
func (r *Request) Params() map[string]string {
	return r.sess.Params()
}

// Stdin returns the request's STDIN stream, valid for Responder and
// Filter roles. For Authorizer it returns io.EOF on every read.
func (r *Request) Stdin() io.Reader {
	if rd := r.sess.StdinReader(); rd != nil {
		return rd
	}
	return io.MultiReader()
}

// Data returns the Filter role's second input stream (FCGI_DATA). For
// Responder and Authorizer it returns io.EOF on every read.
func (r *Request) Data() io.Reader {
	if rd := r.sess.DataReader(); rd != nil {
		return rd
	}
	return io.MultiReader()
}

// ResponseWriter is how a Handler produces the CGI response: standard
// output, standard error, the response header fields, and (for
// Authorizer) the variables passed back to the web server.
type ResponseWriter interface {
	io.Writer

	// SetStatus sets the numeric CGI status; code must satisfy
	// 100 <= code < 600. Returns a LocalStateError if the header was
	// already sent.
	SetStatus(code int) error

	// SetField and AddField set a response header field. The name
	// "Status" is reserved and rejected.
	SetField(name, value string) error
	AddField(name, value string) error

	// SetVariable and AddVariable set an Authorizer variable, echoed
	// back to the web server with a reserved prefix. Valid only for
	// the Authorizer role.
	SetVariable(name, value string) error
	AddVariable(name, value string) error

	// SetBufferSize resizes the output buffer. Returns a
	// LocalStateError once the first Write or Flush has happened.
	SetBufferSize(n int) error

	// Stderr returns the writer for this request's FCGI_STDERR stream.
	Stderr() io.Writer

	// Flush forces the response header (if not yet sent) and the
	// current output buffer to be written as records.
	Flush() error
}

type responseWriter struct {
	sess *session.Session
}

func (w *responseWriter) Write(p []byte) (int, error)          { return w.sess.Write(p) }
func (w *responseWriter) SetStatus(code int) error              { return w.sess.SetStatus(code) }
func (w *responseWriter) SetField(name, value string) error     { return w.sess.SetField(name, value) }
func (w *responseWriter) AddField(name, value string) error     { return w.sess.AddField(name, value) }
func (w *responseWriter) SetVariable(name, value string) error  { return w.sess.SetVariable(name, value) }
func (w *responseWriter) AddVariable(name, value string) error  { return w.sess.AddVariable(name, value) }
func (w *responseWriter) SetBufferSize(n int) error              { return w.sess.SetBufferSize(n) }
func (w *responseWriter) Stderr() io.Writer                      { return stderrWriter{sess: w.sess} }
func (w *responseWriter) Flush() error                           { return w.sess.Flush() }

type stderrWriter struct {
	sess *session.Session
}

func (w stderrWriter) Write(p []byte) (int, error) { return w.sess.WriteErr(p) }

// ErrOverloaded is returned by a Handler to signal that the engine
// should complete the request with the ApplicationOverload outcome
// (appStatus -2, protocol status OVERLOADED) instead of treating the
// return as a normal or failed completion.
var ErrOverloaded = overloadError{}

type overloadError struct{}

func (overloadError) Error() string { return "fcgi: application overloaded" }

// Handler serves one FastCGI request. It returns the application exit
// code (reported as END_REQUEST's appStatus on normal completion, for
// every role) and an error. Returning ErrOverloaded maps to the
// ApplicationOverload outcome; any other non-nil error maps to
// ApplicationError; nil maps to normal completion.
type Handler interface {
	Serve(ctx context.Context, req *Request, w ResponseWriter) (exitCode int, err error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req *Request, w ResponseWriter) (int, error)

func (f HandlerFunc) Serve(ctx context.Context, req *Request, w ResponseWriter) (int, error) {
	return f(ctx, req, w)
}
