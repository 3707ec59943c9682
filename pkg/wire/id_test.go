// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	var id [16]byte
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	s := EncodeID(id)
	require.Len(t, s, idTextLen)

	back, err := DecodeID(s)
	require.NoError(t, err)

	// Low 2 bits of the final byte are not carried by the 21-char form;
	// mask them out on both sides before comparing.
	id[15] &^= 0x03
	require.Equal(t, id, back)
}

func TestIDEncodeDecodeIsStable(t *testing.T) {
	var id [16]byte
	s1 := EncodeID(id)
	back, err := DecodeID(s1)
	require.NoError(t, err)
	s2 := EncodeID(back)
	require.Equal(t, s1, s2)
}

func TestDecodeIDRejectsBadLength(t *testing.T) {
	_, err := DecodeID("tooshort")
	require.Error(t, err)
}

func TestDecodeIDRejectsBadCharacter(t *testing.T) {
	bad := "aaaaaaaaaaaaaaaaaaaa!"
	require.Len(t, bad, idTextLen)
	_, err := DecodeID(bad)
	require.Error(t, err)
}
