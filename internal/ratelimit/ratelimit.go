// Package ratelimit enforces the per-supplier request budget shared by the
// whole worker fleet. The counter lives in a database row, not in process
// memory, because many worker processes draw on one supplier budget.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"gemdex/internal/config"
)

// ErrWaitTimeout is returned when no token frees up within max_wait_ms.
// Callers surface it as a retryable failure so the queue redelivers.
var ErrWaitTimeout = errors.New("rate limiter: wait timeout")

// TokenStore is the shared atomic counter, implemented by the repository's
// rate_limit_windows row.
type TokenStore interface {
	TryAcquireToken(ctx context.Context, feedID, scope string, maxPerWindow int, window time.Duration) (bool, error)
}

// Limiter polls the shared window until it gets a token or times out.
type Limiter struct {
	store TokenStore
	scope string

	maxPerWindow int
	window       time.Duration
	maxWait      time.Duration
	poll         time.Duration
}

func New(store TokenStore, cfg config.RateLimitConfig) *Limiter {
	maxPerWindow := cfg.MaxRequestsPerWindow
	if maxPerWindow == 0 {
		maxPerWindow = 10
	}
	window := time.Duration(cfg.WindowMs) * time.Millisecond
	if window == 0 {
		window = time.Second
	}
	maxWait := time.Duration(cfg.MaxWaitMs) * time.Millisecond
	if maxWait == 0 {
		maxWait = 30 * time.Second
	}
	return &Limiter{
		store:        store,
		scope:        "global",
		maxPerWindow: maxPerWindow,
		window:       window,
		maxWait:      maxWait,
		poll:         50 * time.Millisecond,
	}
}

// Acquire blocks until a token is granted, the per-request cap elapses
// (ErrWaitTimeout), or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, feedID string) error {
	deadline := time.Now().Add(l.maxWait)
	for {
		ok, err := l.store.TryAcquireToken(ctx, feedID, l.scope, l.maxPerWindow, l.window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
