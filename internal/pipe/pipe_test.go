package pipe

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		MemChunkSize: 64,
		MaxFileSize:  256,
		SpillDir:     dir,
	}
}

func TestPipeFIFO(t *testing.T) {
	p := New(testConfig(t), NewMemoryAccount(1<<20))

	go func() {
		p.Write([]byte("hello "))
		p.Write([]byte("world"))
		p.Close()
	}()

	r := p.Reader()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
}

func TestPipeAbort(t *testing.T) {
	p := New(testConfig(t), NewMemoryAccount(1<<20))
	reason := errors.New("session aborted")

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := p.Reader().Read(buf)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Abort(reason)

	select {
	case err := <-done:
		var ae *AbortedError
		if !errors.As(err, &ae) {
			t.Fatalf("expected *AbortedError, got %v", err)
		}
		if !errors.Is(err, reason) {
			t.Fatalf("expected unwrap to %v, got %v", reason, err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read should have unblocked after Abort")
	}

	n, err := p.Write([]byte("ignored"))
	if err != nil {
		t.Fatalf("expected writes after abort to be silently discarded, got %v", err)
	}
	if n != len("ignored") {
		t.Fatalf("expected discarded write to report %d bytes, got %d", len("ignored"), n)
	}
}

func TestPipeSpillsToFileBeyondThreshold(t *testing.T) {
	account := NewMemoryAccount(32)
	cfg := testConfig(t)
	cfg.MemChunkSize = 16
	cfg.MaxFileSize = 1024
	p := New(cfg, account)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		p.Write(payload)
		p.Close()
	}()

	got, err := io.ReadAll(p.Reader())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}

	entries, _ := os.ReadDir(cfg.SpillDir)
	hasShardedFiles := false
	for _, e := range entries {
		if e.IsDir() {
			hasShardedFiles = true
		}
	}
	if !hasShardedFiles {
		t.Fatal("expected at least one shard directory to have been created for spill")
	}
}

func TestPipeMemoryAccountingReturnsToZero(t *testing.T) {
	account := NewMemoryAccount(1 << 20)
	p := New(testConfig(t), account)

	go func() {
		p.Write([]byte("some bytes to account for"))
		p.Close()
	}()

	io.ReadAll(p.Reader())

	if got := account.Current(); got != 0 {
		t.Fatalf("expected memory account to return to zero after full drain, got %d", got)
	}
}

func TestPipeWriteAfterCloseFails(t *testing.T) {
	p := New(testConfig(t), NewMemoryAccount(1<<20))
	p.Close()
	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing after Close")
	}
}

func TestMemoryChunkCompaction(t *testing.T) {
	account := NewMemoryAccount(1 << 20)
	c := newMemoryChunk(8, account)

	n, err := c.write([]byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 2)
	if _, err := c.read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	// Chunk has 6 of 8 bytes free at tail after a partial read only
	// frees space at front; writing 6 more bytes should force
	// compaction rather than reporting the chunk full.
	n, err = c.write([]byte("efghij"))
	if err != nil {
		t.Fatalf("write after partial read: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected compaction to make room for 6 bytes, wrote %d", n)
	}
}

func TestMemoryChunkAvailableUsesMin(t *testing.T) {
	account := NewMemoryAccount(1 << 20)
	c := newMemoryChunk(8, account)
	c.write([]byte("abcd"))
	if got := c.available(); got != 4 {
		t.Fatalf("expected available() == 4 (min semantics), got %d", got)
	}
}
