// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import "fmt"

// MaxVarintBytes bounds how many bytes a decoder will consume before
// concluding the input is malformed. 8 bytes carries 56 payload bits,
// comfortably more than the 53-bit domain varints are used for here.
const MaxVarintBytes = 8

// ErrVarintOverflow is returned by DecodeVarint when MaxVarintBytes bytes
// in a row all carry the continuation bit.
var ErrVarintOverflow = fmt.Errorf("wire: varint exceeds %d bytes", MaxVarintBytes)

// EncodeVarint appends n to buf using LEB128: 7 payload bits per byte,
// high bit set while more bytes follow. n must be in [0, 2^53).
func EncodeVarint(buf *Buffer, n uint64) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			buf.ExtendByte(b | 0x80)
		} else {
			buf.ExtendByte(b)
			return
		}
	}
}

// DecodeVarint reads a LEB128 varint from the front of buf.
func DecodeVarint(buf *Buffer) (uint64, error) {
	var result uint64
	for i := 0; i < MaxVarintBytes; i++ {
		b, err := buf.Shift()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << (7 * uint(i))
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, ErrVarintOverflow
}

// EncodeLength writes n as a varint — a thin, named wrapper used at call
// sites that are conceptually encoding a length prefix rather than a bare
// integer.
func EncodeLength(buf *Buffer, n int) {
	EncodeVarint(buf, uint64(n))
}

// DecodeLength reads a varint-encoded length prefix.
func DecodeLength(buf *Buffer) (int, error) {
	n, err := DecodeVarint(buf)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// EncodeString writes s as a varint length prefix followed by its UTF-8 bytes.
func EncodeString(buf *Buffer, s string) {
	EncodeLength(buf, len(s))
	buf.Extend([]byte(s))
}

// DecodeString reads a varint-length-prefixed UTF-8 string.
func DecodeString(buf *Buffer) (string, error) {
	n, err := DecodeLength(buf)
	if err != nil {
		return "", err
	}
	b, err := buf.ShiftN(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeBytes writes b as a varint length prefix followed by the raw bytes.
func EncodeBytes(buf *Buffer, b []byte) {
	EncodeLength(buf, len(b))
	buf.Extend(b)
}

// DecodeBytes reads a varint-length-prefixed byte string. The returned
// slice aliases buf's storage.
func DecodeBytes(buf *Buffer) ([]byte, error) {
	n, err := DecodeLength(buf)
	if err != nil {
		return nil, err
	}
	return buf.ShiftN(n)
}

// EncodeFlags packs up to 8 booleans into a single byte, bits[0] in the
// lowest bit.
func EncodeFlags(buf *Buffer, bits []bool) error {
	if len(bits) > 8 {
		return fmt.Errorf("wire: EncodeFlags takes at most 8 bits, got %d", len(bits))
	}
	var b byte
	for i, set := range bits {
		if set {
			b |= 1 << uint(i)
		}
	}
	buf.ExtendByte(b)
	return nil
}

// DecodeFlags reads a byte of packed booleans, returning n of its bits.
func DecodeFlags(buf *Buffer, n int) ([]bool, error) {
	if n > 8 {
		return nil, fmt.Errorf("wire: DecodeFlags takes at most 8 bits, got %d", n)
	}
	b, err := buf.Shift()
	if err != nil {
		return nil, err
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = b&(1<<uint(i)) != 0
	}
	return out, nil
}
