package pipe

// chunk is the unit of a pipe's buffer: either a memory block or a
// spill file.
//
// write appends as much of p as fits and returns how much it took. It
// never blocks for space: if the chunk is full it returns (0, nil) and
// the caller (the pipe) allocates a new chunk and retries.
//
// read blocks until at least one byte is available, the chunk is
// closed for writing and fully drained (io.EOF), or the chunk has been
// aborted (*AbortedError).
type chunk interface {
	write(p []byte) (n int, err error)
	read(p []byte) (n int, err error)
	closeForWrite()
	abort(reason error)
	release()
}
