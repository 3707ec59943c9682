// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXORLawForDisjointRanges(t *testing.T) {
	a := Of([]byte("ts-a"))
	b := Of([]byte("ts-b"))
	c := Of([]byte("ts-c"))

	whole := XOR(XOR(a, b), c)
	partial := XOR(XOR(a, b), Zero)
	require.Equal(t, XOR(partial, c), whole)
}

func TestXORIsOwnInverse(t *testing.T) {
	a := Of([]byte("x"))
	b := Of([]byte("y"))
	combined := XOR(a, b)
	require.Equal(t, a, XOR(combined, b))
}

func TestZeroFingerprintIsIdentity(t *testing.T) {
	a := Of([]byte("hello"))
	require.Equal(t, a, XOR(a, Zero))
	require.True(t, Zero.IsZero())
	require.False(t, a.IsZero())
}

func TestHalvesRoundTrip(t *testing.T) {
	fp := Of([]byte("round trip me"))
	h1, h2 := fp.Halves()
	require.Equal(t, fp, FromHalves(h1, h2))
}
