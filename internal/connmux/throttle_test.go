package connmux

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestNewRateLimiterDisabledForNonPositive(t *testing.T) {
	if l := newRateLimiter(0); l != nil {
		t.Fatalf("expected nil limiter for rate 0, got %v", l)
	}
	if l := newRateLimiter(-1); l != nil {
		t.Fatalf("expected nil limiter for negative rate, got %v", l)
	}
}

func TestThrottlePassesThroughWithNilLimiter(t *testing.T) {
	var buf bytes.Buffer
	w := throttle(context.Background(), &buf, nil)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected passthrough write, got %q", buf.String())
	}
}

func TestThrottleSharesLimiterAcrossWrites(t *testing.T) {
	var buf bytes.Buffer
	limiter := newRateLimiter(10)
	ctx := context.Background()

	// The limiter permits a burst up to the configured rate in one
	// write, consuming its tokens.
	w := throttle(ctx, &buf, limiter)
	if _, err := w.Write(make([]byte, 10)); err != nil {
		t.Fatalf("first write: %v", err)
	}

	// A second throttled writer built over the same limiter must see
	// the already-spent tokens rather than a fresh full bucket: a
	// short deadline should now fail where a brand-new limiter would
	// succeed immediately.
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	w2 := throttle(shortCtx, &buf, limiter)
	if _, err := w2.Write(make([]byte, 10)); err == nil {
		t.Fatal("expected second write over the exhausted shared limiter to block past its deadline")
	}
}

func TestThrottleCapsBurstAtMax(t *testing.T) {
	limiter := newRateLimiter(maxThrottleBurst * 4)
	if got := limiter.Burst(); got != maxThrottleBurst {
		t.Fatalf("expected burst capped at %d, got %d", maxThrottleBurst, got)
	}
}
