// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evolucrypto

import "math/bits"

// PadmeLength returns the padded length for a plaintext of length l under
// the PADMÉ scheme: l is rounded up to the nearest member of a small set
// of "nice" lengths, so that observing the padded size leaks only
// O(log log l) bits about the true size instead of O(log l).
func PadmeLength(l int) int {
	if l <= 1 {
		return l
	}
	e := bits.Len(uint(l)) - 1 // floor(log2(l)); e >= 1 since l >= 2 here
	s := bits.Len(uint(e))     // floor(log2(e)) + 1
	lastBits := e - s
	if lastBits < 0 {
		lastBits = 0
	}
	mask := (1 << uint(lastBits)) - 1
	return (l + mask) &^ mask
}

// PadTo appends zero bytes to plaintext so its length equals PadmeLength
// of the original length. It writes no length prefix: the real length
// survives the round trip only if the payload carries its own prefix, as
// the message codec's does.
func PadTo(plaintext []byte) []byte {
	target := PadmeLength(len(plaintext))
	if target <= len(plaintext) {
		return plaintext
	}
	padded := make([]byte, target)
	copy(padded, plaintext)
	return padded
}
