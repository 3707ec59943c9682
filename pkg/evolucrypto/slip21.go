// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evolucrypto

import (
	"crypto/hmac"
	"crypto/sha512"
)

// slip21Root is the fixed key used to seed the SLIP-21 tree, per the
// SLIP-21 specification: HMAC-SHA512 keyed with the ASCII string
// "Symmetric key seed".
var slip21Root = []byte("Symmetric key seed")

// Slip21Master derives the root node of a SLIP-21 tree from a seed (here,
// the 32-byte OwnerSecret).
func Slip21Master(seed []byte) []byte {
	mac := hmac.New(sha512.New, slip21Root)
	mac.Write(seed)
	return mac.Sum(nil)
}

// Slip21Derive walks one step of the SLIP-21 tree: the label is hashed
// with a fixed 0x00 prefix byte keyed by the parent node's right 32 bytes,
// per the SLIP-21 child-derivation rule. node must be a 64-byte SLIP-21
// node (as returned by Slip21Master or a prior Slip21Derive call).
func Slip21Derive(node []byte, label string) []byte {
	key := node[32:]
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte{0x00})
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// Slip21Path derives through a sequence of labels starting from seed,
// e.g. Slip21Path(secret, "Evolu", "OwnerIdBytes").
func Slip21Path(seed []byte, labels ...string) []byte {
	node := Slip21Master(seed)
	for _, label := range labels {
		node = Slip21Derive(node, label)
	}
	return node
}

// Slip21Key returns the left 32 bytes of a SLIP-21 node — the symmetric
// key at that point in the tree.
func Slip21Key(node []byte) [32]byte {
	var key [32]byte
	copy(key[:], node[:32])
	return key
}
