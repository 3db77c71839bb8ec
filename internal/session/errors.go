package session

import "fmt"

// LocalStateError is raised back to the caller of a role-adapter method
// that was misused: writing to a closed output, setting a reserved
// field name, setting status after the header was already sent.
// Scope: the single application call; the connection and session are
// otherwise undisturbed.
type LocalStateError struct {
	Msg string
}

func (e *LocalStateError) Error() string {
	return fmt.Sprintf("fcgi: %s", e.Msg)
}

func localStateErrorf(format string, args ...any) *LocalStateError {
	return &LocalStateError{Msg: fmt.Sprintf(format, args...)}
}

// ProtocolMisuse covers duplicate BEGIN_REQUEST, PARAMS received after
// its terminating empty record, and similar peer misbehavior that
// should be logged but never crash the connection.
type ProtocolMisuse struct {
	Msg string
}

func (e *ProtocolMisuse) Error() string {
	return fmt.Sprintf("fcgi: protocol misuse: %s", e.Msg)
}
