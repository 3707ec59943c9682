// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := New(rate.Every(time.Hour), 2)
	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow(), "burst exhausted, third attempt too soon")
}

func TestNewWithIntervalLimitsToOnceBeforeRefill(t *testing.T) {
	l := NewWithInterval(time.Hour)
	require.True(t, l.Allow())
	require.False(t, l.Allow())
}

func TestWaitUnblocksOnceTokenAvailable(t *testing.T) {
	l := NewWithInterval(10 * time.Millisecond)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
}

func TestWaitReturnsErrorWhenContextExpiresFirst(t *testing.T) {
	l := NewWithInterval(time.Hour)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx))
}
