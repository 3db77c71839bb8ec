package pipe

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Spill compression wraps a File chunk's backing file with zstd,
// entirely at rest: the wire protocol never sees compressed bytes,
// only the chunk's write/read contract changes its on-disk
// representation. Disabled by default since it adds CPU cost to the
// reader's forwarding path.
//
// zstd is a streaming codec, not a random-access one, so a compressed
// chunk cannot honor true seek-on-read while it is still being
// written: reads of a compressed chunk block until the chunk is closed
// for writing, then the whole chunk is decoded once into memory. This
// is acceptable because spill chunks are bounded by max_file_size and
// compression is an opt-in, off-by-default knob.

func newSpillEncoder(f *os.File) (*zstd.Encoder, error) {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("pipe: creating zstd encoder: %w", err)
	}
	return enc, nil
}

// decodeSpillFile reads and fully decompresses path, returning the
// plaintext bytes. Called once per compressed chunk, after the chunk
// has been closed for writing.
func decodeSpillFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipe: reopening spill file for decode: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("pipe: creating zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("pipe: decoding spill file: %w", err)
	}
	return data, nil
}
