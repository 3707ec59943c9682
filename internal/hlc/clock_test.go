// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	ts := Timestamp{Millis: 1_700_000_000_123, Counter: 42, NodeID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	require.Equal(t, ts, FromBytes(ts.Bytes()))
}

func TestLessMatchesBinaryOrder(t *testing.T) {
	a := Timestamp{Millis: 100, Counter: 0, NodeID: [8]byte{1}}
	b := Timestamp{Millis: 100, Counter: 1, NodeID: [8]byte{0}}
	c := Timestamp{Millis: 101, Counter: 0, NodeID: [8]byte{0}}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.False(t, c.Less(a))
}

func TestSendIsMonotonic(t *testing.T) {
	clock := NewClock(DefaultConfig(), [8]byte{1})
	now := time.Now()

	var prev Timestamp
	for i := 0; i < 100; i++ {
		ts, err := clock.Send(now)
		require.NoError(t, err)
		require.True(t, prev.Less(ts) || i == 0)
		prev = ts
	}
}

func TestSendAdvancesCounterWithinSameMillisecond(t *testing.T) {
	clock := NewClock(DefaultConfig(), [8]byte{1})
	now := time.UnixMilli(1_700_000_000_000)

	a, err := clock.Send(now)
	require.NoError(t, err)
	b, err := clock.Send(now)
	require.NoError(t, err)

	require.Equal(t, a.Millis, b.Millis)
	require.Equal(t, a.Counter+1, b.Counter)
}

func TestSendDriftError(t *testing.T) {
	clock := NewClock(Config{MaxDriftMs: 1000, MaxCounter: MaxCounter, MaxMillis: MaxMillis}, [8]byte{1})
	clock.Load(Timestamp{Millis: 1_700_000_100_000, NodeID: [8]byte{1}})

	_, err := clock.Send(time.UnixMilli(1_700_000_000_000))
	require.Error(t, err)
	var driftErr *DriftError
	require.ErrorAs(t, err, &driftErr)
}

func TestSendCounterOverflow(t *testing.T) {
	clock := NewClock(Config{MaxDriftMs: DefaultConfig().MaxDriftMs, MaxCounter: 1, MaxMillis: MaxMillis}, [8]byte{1})
	now := time.UnixMilli(1_700_000_000_000)

	_, err := clock.Send(now)
	require.NoError(t, err)
	_, err = clock.Send(now)
	require.NoError(t, err)

	_, err = clock.Send(now)
	var overflowErr *CounterOverflowError
	require.ErrorAs(t, err, &overflowErr)
}

func TestReceiveAdvancesPastIncomingTimestamp(t *testing.T) {
	clock := NewClock(DefaultConfig(), [8]byte{1})
	now := time.UnixMilli(1_700_000_000_000)

	incoming := Timestamp{Millis: 1_700_000_000_000, Counter: 5, NodeID: [8]byte{2}}
	got, err := clock.Receive(incoming, now)
	require.NoError(t, err)
	require.Equal(t, incoming.Millis, got.Millis)
	require.Greater(t, got.Counter, incoming.Counter)
}

func TestReceiveThenSendStaysMonotonic(t *testing.T) {
	clock := NewClock(DefaultConfig(), [8]byte{1})
	now := time.UnixMilli(1_700_000_000_000)

	incoming := Timestamp{Millis: 1_700_000_000_000, Counter: 5, NodeID: [8]byte{2}}
	received, err := clock.Receive(incoming, now)
	require.NoError(t, err)

	sent, err := clock.Send(now)
	require.NoError(t, err)
	require.True(t, received.Less(sent))
}
