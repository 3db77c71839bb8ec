package pipe

import (
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// fileChunk is a spill chunk backed by a temporary file: append-only
// for writes, seek-on-read. Files live in sharded directories and are
// deleted unconditionally on cleanup.
type fileChunk struct {
	mu       sync.Mutex
	cond     *sync.Cond
	f        *os.File
	path     string
	writePos int64
	readPos  int64
	maxSize  int64
	closed   bool
	abortErr error
	released bool

	compressed bool
	enc        *zstd.Encoder
	encClosed  bool
	decoded    bool
	decodedBuf []byte
}

func newFileChunk(path string, maxSize int64, compressed bool) (*fileChunk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	c := &fileChunk{
		f:          f,
		path:       path,
		maxSize:    maxSize,
		compressed: compressed,
	}
	c.cond = sync.NewCond(&c.mu)
	if compressed {
		enc, err := newSpillEncoder(f)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
		c.enc = enc
	}
	return c, nil
}

func (c *fileChunk) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abortErr != nil {
		return len(p), nil
	}

	free := c.maxSize - c.writePos
	if free <= 0 {
		return 0, nil
	}
	n := int(min(int64(len(p)), free))

	if c.compressed {
		if _, err := c.enc.Write(p[:n]); err != nil {
			return 0, err
		}
	} else {
		if _, err := c.f.WriteAt(p[:n], c.writePos); err != nil {
			return 0, err
		}
	}
	c.writePos += int64(n)
	c.cond.Broadcast()
	return n, nil
}

func (c *fileChunk) read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.compressed {
		for !c.closed && c.abortErr == nil {
			c.cond.Wait()
		}
	} else {
		for c.readPos == c.writePos && !c.closed && c.abortErr == nil {
			c.cond.Wait()
		}
	}

	if c.abortErr != nil {
		return 0, &AbortedError{Reason: c.abortErr}
	}

	if c.compressed {
		if !c.decoded {
			buf, err := decodeSpillFile(c.path)
			if err != nil {
				return 0, err
			}
			c.decodedBuf = buf
			c.decoded = true
		}
		if c.readPos >= int64(len(c.decodedBuf)) {
			return 0, io.EOF
		}
		n := copy(p, c.decodedBuf[c.readPos:])
		c.readPos += int64(n)
		return n, nil
	}

	if c.readPos == c.writePos {
		return 0, io.EOF
	}
	n, err := c.f.ReadAt(p, c.readPos)
	if n > 0 {
		c.readPos += int64(n)
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (c *fileChunk) closeForWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.compressed && !c.encClosed {
		c.enc.Close()
		c.encClosed = true
	}
	c.cond.Broadcast()
}

func (c *fileChunk) abort(reason error) {
	c.mu.Lock()
	c.abortErr = reason
	c.cond.Broadcast()
	c.mu.Unlock()
}

// release closes and deletes the backing temporary file unconditionally,
// regardless of how the owning session ended.
func (c *fileChunk) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.compressed && !c.encClosed {
		c.enc.Close()
		c.encClosed = true
	}
	c.f.Close()
	os.Remove(c.path)
}
