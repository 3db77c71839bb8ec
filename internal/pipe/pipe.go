// Package pipe implements an elastic FIFO byte stream decoupling a
// connection's record reader from the application: memory chunks that
// spill to sharded temporary files once a process-global memory budget
// is exceeded, delivered to the consumer in submission order through a
// single sequence reader.
package pipe

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Config configures a Pipe's chunk sizing and spill behavior.
type Config struct {
	MemChunkSize     int64
	MaxFileSize      int64
	SpillDir         string
	SpillCompression bool
}

// Pipe is a one-producer/one-consumer byte stream. Write is called by
// the connection reader as it forwards STDIN/DATA record content;
// Read is called by the application (or, for Responder/Filter role
// adapters, by whatever the handler passes its input reader to).
type Pipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cfg     Config
	account *MemoryAccount
	id      uint64

	chunks     []chunk
	writeChunk chunk // the chunk currently accepting writes, nil if none open

	complete bool // Close() called: no further writes will arrive
	abortErr error

	nextChunkSeq uint64
}

var pipeIDSeq atomic.Uint64

// New creates a Pipe sharing account for its memory accounting. id is
// used only to namespace spill filenames.
func New(cfg Config, account *MemoryAccount) *Pipe {
	p := &Pipe{
		cfg:     cfg,
		account: account,
		id:      pipeIDSeq.Add(1),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write forwards p into the pipe's current (or a freshly allocated)
// chunk. It may block briefly while allocating a spill file but never
// blocks waiting for a reader: write always succeeds into some chunk,
// falling back to disk rather than applying backpressure to the
// connection reader.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.complete {
		p.mu.Unlock()
		return 0, fmt.Errorf("pipe: write after close")
	}
	if p.abortErr != nil {
		p.mu.Unlock()
		return len(b), nil
	}
	p.mu.Unlock()

	total := 0
	for len(b) > 0 {
		c, err := p.chunkForWrite()
		if err != nil {
			return total, err
		}
		n, err := c.write(b)
		if err != nil {
			return total, err
		}
		if n == 0 {
			// Chunk is full; close it for writing and allocate a new one
			// on the next iteration.
			c.closeForWrite()
			p.mu.Lock()
			if p.writeChunk == c {
				p.writeChunk = nil
			}
			p.mu.Unlock()
			continue
		}
		total += n
		b = b[n:]
	}
	return total, nil
}

// chunkForWrite returns the chunk writes should go to, allocating one
// if none is currently open.
func (p *Pipe) chunkForWrite() (chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writeChunk != nil {
		return p.writeChunk, nil
	}
	c, err := p.allocChunkLocked()
	if err != nil {
		return nil, err
	}
	p.writeChunk = c
	return c, nil
}

// allocChunkLocked creates and appends a new chunk, choosing Memory or
// File by comparing the shared memory account against its threshold.
// Caller holds mu.
func (p *Pipe) allocChunkLocked() (chunk, error) {
	seq := p.nextChunkSeq
	p.nextChunkSeq++

	var c chunk
	if p.account.BelowThreshold() {
		c = newMemoryChunk(int(p.cfg.MemChunkSize), p.account)
	} else {
		path, err := spillPath(p.cfg.SpillDir, p.id, seq)
		if err != nil {
			return nil, err
		}
		fc, err := newFileChunk(path, p.cfg.MaxFileSize, p.cfg.SpillCompression)
		if err != nil {
			return nil, err
		}
		c = fc
	}
	p.chunks = append(p.chunks, c)
	p.cond.Broadcast()
	return c, nil
}

// sequenceReader presents the pipe's chunks to one consumer in
// submission order.
type sequenceReader struct {
	p   *Pipe
	idx int
}

// Reader returns the pipe's sequence reader. Only one should be active
// per pipe; this matches the one-producer/one-consumer contract.
func (p *Pipe) Reader() io.Reader {
	return &sequenceReader{p: p}
}

func (r *sequenceReader) Read(b []byte) (int, error) {
	for {
		c, err := r.p.chunkAt(r.idx)
		if err != nil {
			return 0, err
		}
		if c == nil {
			// No chunk yet; wait for one or for completion.
			if done, abortErr := r.p.waitForChunkOrDone(r.idx); done {
				if abortErr != nil {
					return 0, &AbortedError{Reason: abortErr}
				}
				return 0, io.EOF
			}
			continue
		}
		n, err := c.read(b)
		if err == io.EOF {
			c.release()
			r.idx++
			continue
		}
		return n, err
	}
}

// chunkAt returns the chunk at index idx if present, or (nil, nil) if
// the pipe hasn't produced it yet, or propagates an abort.
func (p *Pipe) chunkAt(idx int) (chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abortErr != nil {
		return nil, &AbortedError{Reason: p.abortErr}
	}
	if idx < len(p.chunks) {
		return p.chunks[idx], nil
	}
	return nil, nil
}

// waitForChunkOrDone blocks until chunk idx exists, the pipe is marked
// complete with no more chunks coming, or the pipe is aborted. It
// returns done=true when the caller should stop retrying (either
// because the pipe truly has nothing more, or because it was aborted,
// in which case abortErr is non-nil).
func (p *Pipe) waitForChunkOrDone(idx int) (done bool, abortErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx >= len(p.chunks) && !p.complete && p.abortErr == nil {
		p.cond.Wait()
	}
	if p.abortErr != nil {
		return true, p.abortErr
	}
	if idx >= len(p.chunks) && p.complete {
		return true, nil
	}
	return false, nil
}

// Close marks the pipe complete: no further writes will arrive. The
// terminating empty stream record that triggers this also closes the
// current chunk for writing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	open := p.writeChunk
	p.writeChunk = nil
	p.complete = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if open != nil {
		open.closeForWrite()
	}
	return nil
}

// Abort sets the pipe's error state: every subsequent read raises
// reason, and in-flight writes are silently discarded. Every chunk is
// released, crediting undrained memory back to the account and
// deleting spill files.
func (p *Pipe) Abort(reason error) {
	p.mu.Lock()
	p.abortErr = reason
	chunks := append([]chunk(nil), p.chunks...)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range chunks {
		c.abort(reason)
		c.release()
	}
}

// MemoryUsage reports the shared account's current value, exposed for
// diagnostics and tests.
func (p *Pipe) MemoryUsage() int64 {
	return p.account.Current()
}
