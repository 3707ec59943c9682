// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry rate-limits reconnect/reconcile attempts so a client
// that loses its transport does not hammer a relay with redials.
package retry

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds how often a caller may retry an operation, using a
// token-bucket: Limit attempts refill per second, up to Burst queued at
// once.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter allowing limit attempts per second, with burst
// headroom for an initial batch of reconnect attempts.
func New(limit rate.Limit, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// NewWithInterval is a convenience constructor for the common
// "at most once every d" shape (burst of 1).
func NewWithInterval(d time.Duration) *Limiter {
	return New(rate.Every(d), 1)
}

// Wait blocks until a retry attempt is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether an attempt may proceed right now, without
// blocking, consuming a token if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
