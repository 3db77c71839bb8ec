package connmux

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxThrottleBurst bounds a single rate-limiter reservation so a large
// forwarded write doesn't ask for an enormous, unschedulable burst.
const maxThrottleBurst = 256 * 1024

// throttledWriter is an io.Writer with token-bucket rate limiting,
// capping how fast a connection's STDIN/DATA forwarding can push bytes
// into a session's pipe. It is a backpressure knob layered on top of
// the pipe's own memory/spill backpressure, not a substitute for it.
//
// The limiter is shared across every STDIN/DATA record on a
// connection, not recreated per record: a fresh rate.Limiter per call
// would reset its bucket to full burst on every record and never
// enforce an aggregate rate across the stream.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newRateLimiter builds the single limiter a connection reuses across
// every STDIN/DATA record it forwards. A non-positive rate disables
// throttling and returns nil.
func newRateLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// throttle wraps w with limiter, reused across calls. A nil limiter
// disables throttling and returns w unchanged.
func throttle(ctx context.Context, w io.Writer, limiter *rate.Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &throttledWriter{w: w, limiter: limiter, ctx: ctx}
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > tw.limiter.Burst() {
			n = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, n); err != nil {
			return total, err
		}
		written, err := tw.w.Write(p[:n])
		total += written
		if err != nil {
			return total, err
		}
		p = p[written:]
	}
	return total, nil
}
