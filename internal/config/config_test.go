package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	spillDir := filepath.Join(t.TempDir(), "spill")
	path := writeConfig(t, `
listen:
  address: /run/fcgi/engine.sock
pipe:
  spill_dir: `+spillDir+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Network != "unix" {
		t.Errorf("expected default network unix, got %q", cfg.Listen.Network)
	}
	if cfg.Pipe.MemChunkSizeRaw != 64*1024 {
		t.Errorf("expected default mem_chunk_size 64kb, got %d", cfg.Pipe.MemChunkSizeRaw)
	}
	if cfg.Pipe.MaxFileSizeRaw != 256*1024*1024 {
		t.Errorf("expected default max_file_size 256mb, got %d", cfg.Pipe.MaxFileSizeRaw)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadRejectsMissingSpillDir(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: /run/fcgi/engine.sock
pipe:
  spill_dir: ""
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for missing spill_dir")
	}
}

func TestLoadRejectsNegativeLimits(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: /run/fcgi/engine.sock
pipe:
  spill_dir: /tmp/fcgi-spill
limits:
  max_connections: -1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for negative max_connections")
	}
}

func TestLoadParsesByteSizesAndDurations(t *testing.T) {
	spillDir := filepath.Join(t.TempDir(), "spill")
	path := writeConfig(t, `
listen:
  network: tcp
  address: 127.0.0.1:9000
pipe:
  mem_chunk_size: 128kb
  max_file_size: 1gb
  memory_threshold: 2gb
  spill_dir: `+spillDir+`
  spill_compression: true
housekeeping:
  cron: "*/1 * * * *"
  idle_session_ttl: 2h
diagnostics:
  interval: 30s
throttle:
  stdin_bytes_per_sec: 1048576
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pipe.MemChunkSizeRaw != 128*1024 {
		t.Errorf("expected mem_chunk_size 128kb, got %d", cfg.Pipe.MemChunkSizeRaw)
	}
	if cfg.Pipe.MaxFileSizeRaw != 1024*1024*1024 {
		t.Errorf("expected max_file_size 1gb, got %d", cfg.Pipe.MaxFileSizeRaw)
	}
	if cfg.Pipe.MemoryThresholdRaw != 2*1024*1024*1024 {
		t.Errorf("expected memory_threshold 2gb, got %d", cfg.Pipe.MemoryThresholdRaw)
	}
	if !cfg.Pipe.SpillCompression {
		t.Error("expected spill_compression true")
	}
	if cfg.Housekeeping.IdleSessionTTL != 2*time.Hour {
		t.Errorf("expected idle_session_ttl 2h, got %v", cfg.Housekeeping.IdleSessionTTL)
	}
	if cfg.Diagnostics.Interval != 30*time.Second {
		t.Errorf("expected diagnostics interval 30s, got %v", cfg.Diagnostics.Interval)
	}
	if cfg.Throttle.StdinBytesPerSec != 1048576 {
		t.Errorf("expected stdin_bytes_per_sec 1048576, got %d", cfg.Throttle.StdinBytesPerSec)
	}
}

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"512":  512,
		"1kb":  1024,
		"4mb":  4 * 1024 * 1024,
		"2gb":  2 * 1024 * 1024 * 1024,
	}
	for input, want := range cases {
		got, err := ParseByteSize(input)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", input, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseByteSize("nonsense"); err == nil {
		t.Fatal("expected an error for an unparseable size string")
	}
}
