// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	buf := NewBuffer(nil)
	require.NoError(t, EncodeValue(buf, v))
	got, err := DecodeValue(buf)
	require.NoError(t, err)
	require.Equal(t, 0, buf.Len())
	return got
}

func TestValueRoundTripNull(t *testing.T) {
	require.Equal(t, Null{}, roundTrip(t, Null{}))
}

func TestValueRoundTripSmallInt(t *testing.T) {
	buf := NewBuffer(nil)
	require.NoError(t, EncodeValue(buf, Integer(7)))
	require.Equal(t, 1, buf.Len()) // inline, no separate payload byte
	require.Equal(t, Integer(7), roundTrip(t, Integer(7)))
}

func TestValueRoundTripLargeNonNegativeInt(t *testing.T) {
	require.Equal(t, Integer(123456789), roundTrip(t, Integer(123456789)))
}

func TestValueRoundTripNegativeInt(t *testing.T) {
	require.Equal(t, Integer(-42), roundTrip(t, Integer(-42)))
}

func TestValueRoundTripReal(t *testing.T) {
	require.Equal(t, Real(3.14159), roundTrip(t, Real(3.14159)))
}

func TestValueRoundTripBlob(t *testing.T) {
	require.Equal(t, Blob{1, 2, 3, 4}, roundTrip(t, Blob{1, 2, 3, 4}))
}

func TestValueRoundTripEmptyString(t *testing.T) {
	buf := NewBuffer(nil)
	require.NoError(t, EncodeValue(buf, Text("")))
	require.Equal(t, 1, buf.Len())
	require.Equal(t, Text(""), roundTrip(t, Text("")))
}

func TestValueRoundTripPlainString(t *testing.T) {
	require.Equal(t, Text("hello world"), roundTrip(t, Text("hello world")))
}

func TestValueRoundTripID(t *testing.T) {
	id := EncodeID([16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	buf := NewBuffer(nil)
	require.NoError(t, EncodeValue(buf, Text(id)))
	require.Equal(t, 17, buf.Len()) // tag + 16 raw bytes, cheaper than 1+21
	require.Equal(t, Text(id), roundTrip(t, Text(id)))
}

func TestValueRoundTripISODate(t *testing.T) {
	require.Equal(t, Text("2023-06-15T12:30:00.000Z"), roundTrip(t, Text("2023-06-15T12:30:00.000Z")))
	require.Equal(t, Text("1960-01-01T00:00:00.000Z"), roundTrip(t, Text("1960-01-01T00:00:00.000Z")))
}

func TestValueRoundTripBase64Url(t *testing.T) {
	require.Equal(t, Text("aGVsbG8"), roundTrip(t, Text("aGVsbG8")))
}

func TestValueRoundTripJSON(t *testing.T) {
	require.Equal(t, Text(`{"a":1}`), roundTrip(t, Text(`{"a":1}`)))
}

func TestValueRoundTripJSONLikeNumberNormalization(t *testing.T) {
	// Strings whose JSON round-trip does not preserve the exact original
	// text (e.g. "-0E0" normalizing under json.Marshal) must still
	// decode back to the original string, whichever path encodes them.
	require.Equal(t, Text("-0E0"), roundTrip(t, Text("-0E0")))
}
