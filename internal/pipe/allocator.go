package pipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// shardFanout is the number of sub-directories spill files are fanned
// out across, so that a busy engine never puts an unbounded number of
// files in one directory.
const shardFanout = 256

// MemoryAccount is the process-global signed counter tracking bytes
// currently resident in Memory chunks across every pipe the engine
// owns. It is advisory: the threshold check below is lock-free and a
// brief overshoot is acceptable.
type MemoryAccount struct {
	current   atomic.Int64
	threshold int64
}

// NewMemoryAccount creates a counter that reports BelowThreshold while
// current usage is under threshold bytes.
func NewMemoryAccount(threshold int64) *MemoryAccount {
	return &MemoryAccount{threshold: threshold}
}

// Add adjusts the counter by delta, which may be negative.
func (a *MemoryAccount) Add(delta int64) {
	a.current.Add(delta)
}

// Current returns the current counter value.
func (a *MemoryAccount) Current() int64 {
	return a.current.Load()
}

// BelowThreshold reports whether a fresh chunk should be a Memory chunk
// (true) or spill to a File chunk (false).
func (a *MemoryAccount) BelowThreshold() bool {
	return a.current.Load() < a.threshold
}

// spillPath returns the sharded path for a spill file backing chunk
// chunkSeq of pipe pipeID, creating its shard directory if needed.
func spillPath(baseDir string, pipeID, chunkSeq uint64) (string, error) {
	shard := fmt.Sprintf("%02x", (pipeID^chunkSeq)%shardFanout)
	dir := filepath.Join(baseDir, shard)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pipe: creating spill shard dir: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("pipe-%d-chunk-%d.spill", pipeID, chunkSeq)), nil
}
