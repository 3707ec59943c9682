// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evolucrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlip21IsDeterministic(t *testing.T) {
	seed := []byte("some 32-byte owner secret.......")
	a := Slip21Path(seed, "Evolu", "OwnerIdBytes")
	b := Slip21Path(seed, "Evolu", "OwnerIdBytes")
	require.Equal(t, a, b)
}

func TestSlip21DifferentLabelsDifferentKeys(t *testing.T) {
	seed := []byte("some 32-byte owner secret.......")
	id := Slip21Path(seed, "Evolu", "OwnerIdBytes")
	enc := Slip21Path(seed, "Evolu", "OwnerEncryptionKey")
	wk := Slip21Path(seed, "Evolu", "OwnerWriteKey")
	require.NotEqual(t, id, enc)
	require.NotEqual(t, enc, wk)
	require.NotEqual(t, id, wk)
}

func TestSlip21DifferentSeedsDifferentKeys(t *testing.T) {
	a := Slip21Path([]byte("seed-a.........................."), "Evolu", "OwnerIdBytes")
	b := Slip21Path([]byte("seed-b.........................."), "Evolu", "OwnerIdBytes")
	require.NotEqual(t, a, b)
}

func TestSlip21KeyIsLeftHalf(t *testing.T) {
	node := Slip21Master([]byte("seed"))
	require.Len(t, node, 64)
	key := Slip21Key(node)
	require.Equal(t, node[:32], key[:])
}
