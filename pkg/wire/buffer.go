// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the binary buffer, varint, and typed SQLite
// value codecs that every other layer of the sync protocol builds on.
package wire

import "errors"

// ErrBufferEmpty is returned by Shift when the buffer has nothing left to read.
var ErrBufferEmpty = errors.New("wire: parse ended prematurely")

// ErrTruncateGrow is returned by Truncate when newLen exceeds the current length.
var ErrTruncateGrow = errors.New("wire: truncate length exceeds buffer length")

// Buffer is a growable byte buffer with exponential doubling on Extend.
// Unlike bytes.Buffer it exposes ShiftN, a zero-copy subslice view used
// heavily by the decoders in this package.
type Buffer struct {
	data []byte
}

// NewBuffer wraps an existing slice without copying it.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Extend appends b to the buffer, growing the backing array by doubling
// when capacity runs out.
func (buf *Buffer) Extend(b []byte) {
	if n := len(buf.data) + len(b); cap(buf.data) < n {
		newCap := cap(buf.data) * 2
		if newCap < n {
			newCap = n
		}
		grown := make([]byte, len(buf.data), newCap)
		copy(grown, buf.data)
		buf.data = grown
	}
	buf.data = append(buf.data, b...)
}

// ExtendByte appends a single byte.
func (buf *Buffer) ExtendByte(b byte) {
	buf.Extend([]byte{b})
}

// Shift removes and returns the first byte of the buffer.
func (buf *Buffer) Shift() (byte, error) {
	if len(buf.data) == 0 {
		return 0, ErrBufferEmpty
	}
	b := buf.data[0]
	buf.data = buf.data[1:]
	return b, nil
}

// ShiftN removes the first n bytes and returns them as a subslice view
// (no copy — callers that retain the result must not also retain buf).
func (buf *Buffer) ShiftN(n int) ([]byte, error) {
	if n < 0 || len(buf.data) < n {
		return nil, ErrBufferEmpty
	}
	out := buf.data[:n:n]
	buf.data = buf.data[n:]
	return out, nil
}

// Truncate shortens the buffer to newLen, which must be <= Len().
func (buf *Buffer) Truncate(newLen int) error {
	if newLen > len(buf.data) {
		return ErrTruncateGrow
	}
	buf.data = buf.data[:newLen]
	return nil
}

// Reset zeroes the length while retaining the underlying capacity.
func (buf *Buffer) Reset() {
	buf.data = buf.data[:0]
}

// Bytes returns the current view of the buffer. The returned slice aliases
// the buffer's storage.
func (buf *Buffer) Bytes() []byte {
	return buf.data
}

// Len reports the number of unread/unconsumed bytes.
func (buf *Buffer) Len() int {
	return len(buf.data)
}
