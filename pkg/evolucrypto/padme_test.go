// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evolucrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPadmeLengthNeverShrinks(t *testing.T) {
	for l := 0; l < 5000; l++ {
		require.GreaterOrEqual(t, PadmeLength(l), l)
	}
}

func TestPadmeLengthIsStable(t *testing.T) {
	for l := 0; l < 5000; l++ {
		padded := PadmeLength(l)
		require.Equal(t, padded, PadmeLength(padded), "padding a padded length must be a fixed point, l=%d", l)
	}
}

func TestPadToGrowsSlice(t *testing.T) {
	plain := make([]byte, 100)
	padded := PadTo(plain)
	require.GreaterOrEqual(t, len(padded), len(plain))
	require.Equal(t, plain, padded[:len(plain)])
}
