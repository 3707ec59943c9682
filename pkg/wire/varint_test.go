// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 127, 128, 16384, 1 << 20, (1 << 53) - 1}
	for _, n := range values {
		buf := NewBuffer(nil)
		EncodeVarint(buf, n)
		require.LessOrEqual(t, buf.Len(), MaxVarintBytes)
		got, err := DecodeVarint(buf)
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.Equal(t, 0, buf.Len())
	}
}

func TestVarintOverflow(t *testing.T) {
	buf := NewBuffer(make([]byte, 9))
	for i := range buf.data {
		buf.data[i] = 0x80
	}
	buf.data[8] = 0x00
	_, err := DecodeVarint(buf)
	require.ErrorIs(t, err, ErrVarintOverflow)
}

func TestStringRoundTrip(t *testing.T) {
	buf := NewBuffer(nil)
	EncodeString(buf, "hello, evolu")
	s, err := DecodeString(buf)
	require.NoError(t, err)
	require.Equal(t, "hello, evolu", s)
}

func TestFlagsRoundTrip(t *testing.T) {
	buf := NewBuffer(nil)
	bits := []bool{true, false, true, true, false}
	require.NoError(t, EncodeFlags(buf, bits))
	got, err := DecodeFlags(buf, len(bits))
	require.NoError(t, err)
	require.Equal(t, bits, got)
}

func TestEncodeFlagsRejectsTooManyBits(t *testing.T) {
	buf := NewBuffer(nil)
	require.Error(t, EncodeFlags(buf, make([]bool, 9)))
}
