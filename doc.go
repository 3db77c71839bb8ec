// Package fcgi, plus its internal subpackages, implements a FastCGI
// application-side engine: record codec (internal/record), elastic
// stdin/data pipe (internal/pipe), per-request state machine
// (internal/session), per-connection demultiplexer (internal/connmux),
// and this package's Engine orchestrator and role adapter tying them
// together behind a Handler interface an application registers per
// role.
package fcgi
