package pipe

import (
	"io"
	"math"
	"sync"
)

// memoryChunk is an in-process ring of bytes, compacted (not wrapped)
// when free space opens at the front. Each chunk has its own lock plus
// a condition variable; blocking reads re-check their predicate after
// Wait returns.
type memoryChunk struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	readPos  int
	writePos int
	closed   bool
	abortErr error
	account  *MemoryAccount
	released bool
}

func newMemoryChunk(capacity int, account *MemoryAccount) *memoryChunk {
	c := &memoryChunk{
		buf:     make([]byte, capacity),
		account: account,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// compact slides unread bytes to the start of buf when a write does not
// fit in the tail but there is free space at the front. Caller holds mu.
func (c *memoryChunk) compact() {
	if c.readPos == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.readPos:c.writePos])
	c.writePos = n
	c.readPos = 0
}

func (c *memoryChunk) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abortErr != nil {
		// The consumer no longer cares; discard silently.
		return len(p), nil
	}

	free := len(c.buf) - c.writePos
	if free < len(p) && c.readPos > 0 {
		c.compact()
		free = len(c.buf) - c.writePos
	}
	if free == 0 {
		return 0, nil
	}

	n := copy(c.buf[c.writePos:], p[:min(len(p), free)])
	c.writePos += n
	c.account.Add(int64(n))
	c.cond.Broadcast()
	return n, nil
}

func (c *memoryChunk) read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.readPos == c.writePos && !c.closed && c.abortErr == nil {
		c.cond.Wait()
	}

	if c.abortErr != nil {
		return 0, &AbortedError{Reason: c.abortErr}
	}
	if c.readPos == c.writePos {
		return 0, io.EOF
	}

	n := copy(p, c.buf[c.readPos:c.writePos])
	c.readPos += n
	c.account.Add(-int64(n))
	return n, nil
}

func (c *memoryChunk) closeForWrite() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *memoryChunk) abort(reason error) {
	c.mu.Lock()
	c.abortErr = reason
	c.cond.Broadcast()
	c.mu.Unlock()
}

// release credits the memory account with whatever bytes were never
// drained when an abandoned chunk is torn down.
func (c *memoryChunk) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if undrained := c.writePos - c.readPos; undrained > 0 {
		c.account.Add(-int64(undrained))
	}
}

// available reports the number of unread bytes, clamped to a 32-bit
// range. A prior expression here used max(written-read, INT_MAX),
// which can never be smaller than INT_MAX; min is the correct clamp
// and is what's implemented.
func (c *memoryChunk) available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return min(int64(c.writePos-c.readPos), int64(math.MaxInt32))
}
