// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Value is the closed tagged union every SQLite-representable column value
// belongs to: Null, Integer, Real, Text, or Blob. Concrete types are the
// Go representation; EncodeValue/DecodeValue choose the most compact wire
// discriminator for a given value without changing which union member it
// decodes back into.
type Value interface {
	isValue()
}

type (
	Null    struct{}
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
)

func (Null) isValue()    {}
func (Integer) isValue() {}
func (Real) isValue()    {}
func (Text) isValue()    {}
func (Blob) isValue()    {}

// Discriminator tags. 0..19 double as inline small-integer values.
const (
	tagSmallIntMax   = 19
	tagString        = 20
	tagNumber        = 21
	tagNull          = 22
	tagBytes         = 23
	tagNonNegInt     = 30
	tagEmptyString   = 31
	tagBase64Url     = 32
	tagID            = 33
	tagJSON          = 34
	tagDateIsoNonNeg = 35
	tagDateIsoNeg    = 36
)

const isoLayout = "2006-01-02T15:04:05.000Z"

// EncodeValue appends the wire encoding of v to buf, picking the smallest
// discriminator that round-trips v exactly.
func EncodeValue(buf *Buffer, v Value) error {
	switch val := v.(type) {
	case Null:
		buf.ExtendByte(tagNull)
		return nil

	case Integer:
		n := int64(val)
		if n >= 0 && n <= tagSmallIntMax {
			buf.ExtendByte(byte(n))
			return nil
		}
		if n >= 0 {
			buf.ExtendByte(tagNonNegInt)
			EncodeVarint(buf, uint64(n))
			return nil
		}
		buf.ExtendByte(tagNumber)
		return encodeMsgpack(buf, n)

	case Real:
		buf.ExtendByte(tagNumber)
		return encodeMsgpack(buf, float64(val))

	case Blob:
		buf.ExtendByte(tagBytes)
		EncodeBytes(buf, []byte(val))
		return nil

	case Text:
		return encodeText(buf, string(val))

	default:
		return fmt.Errorf("wire: unknown Value type %T", v)
	}
}

func encodeText(buf *Buffer, s string) error {
	switch {
	case s == "":
		buf.ExtendByte(tagEmptyString)
		return nil

	case isCanonicalID(s):
		id, err := DecodeID(s)
		if err != nil {
			return err
		}
		buf.ExtendByte(tagID)
		buf.Extend(id[:])
		return nil

	case isCanonicalISODate(s):
		t, _ := time.Parse(isoLayout, s)
		millis := t.UnixMilli()
		if millis >= 0 {
			buf.ExtendByte(tagDateIsoNonNeg)
			EncodeVarint(buf, uint64(millis))
		} else {
			buf.ExtendByte(tagDateIsoNeg)
			EncodeVarint(buf, uint64(-millis))
		}
		return nil

	case isCanonicalBase64Url(s):
		decoded, _ := base64.RawURLEncoding.DecodeString(s)
		buf.ExtendByte(tagBase64Url)
		EncodeBytes(buf, decoded)
		return nil

	case isCanonicalJSON(s):
		buf.ExtendByte(tagJSON)
		return encodeMsgpack(buf, s)

	default:
		buf.ExtendByte(tagString)
		EncodeString(buf, s)
		return nil
	}
}

func encodeMsgpack(buf *Buffer, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: msgpack encode: %w", err)
	}
	EncodeBytes(buf, b)
	return nil
}

// DecodeValue reads a single typed value from the front of buf.
func DecodeValue(buf *Buffer) (Value, error) {
	tag, err := buf.Shift()
	if err != nil {
		return nil, err
	}

	switch {
	case tag <= tagSmallIntMax:
		return Integer(tag), nil

	case tag == tagString:
		s, err := DecodeString(buf)
		if err != nil {
			return nil, err
		}
		return Text(s), nil

	case tag == tagNumber:
		b, err := DecodeBytes(buf)
		if err != nil {
			return nil, err
		}
		var n interface{}
		if err := msgpack.Unmarshal(b, &n); err != nil {
			return nil, fmt.Errorf("wire: msgpack decode: %w", err)
		}
		switch num := n.(type) {
		case int64:
			return Integer(num), nil
		case int8:
			return Integer(num), nil
		case int16:
			return Integer(num), nil
		case int32:
			return Integer(num), nil
		case uint64:
			return Integer(int64(num)), nil
		case float32:
			return Real(num), nil
		case float64:
			return Real(num), nil
		default:
			return nil, fmt.Errorf("wire: unexpected msgpack number type %T", n)
		}

	case tag == tagNull:
		return Null{}, nil

	case tag == tagBytes:
		b, err := DecodeBytes(buf)
		if err != nil {
			return nil, err
		}
		return Blob(b), nil

	case tag == tagNonNegInt:
		n, err := DecodeVarint(buf)
		if err != nil {
			return nil, err
		}
		return Integer(int64(n)), nil

	case tag == tagEmptyString:
		return Text(""), nil

	case tag == tagBase64Url:
		b, err := DecodeBytes(buf)
		if err != nil {
			return nil, err
		}
		return Text(base64.RawURLEncoding.EncodeToString(b)), nil

	case tag == tagID:
		b, err := buf.ShiftN(16)
		if err != nil {
			return nil, err
		}
		var id [16]byte
		copy(id[:], b)
		return Text(EncodeID(id)), nil

	case tag == tagJSON:
		b, err := DecodeBytes(buf)
		if err != nil {
			return nil, err
		}
		var s string
		if err := msgpack.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("wire: msgpack decode: %w", err)
		}
		return Text(s), nil

	case tag == tagDateIsoNonNeg || tag == tagDateIsoNeg:
		n, err := DecodeVarint(buf)
		if err != nil {
			return nil, err
		}
		millis := int64(n)
		if tag == tagDateIsoNeg {
			millis = -millis
		}
		t := time.UnixMilli(millis).UTC()
		return Text(t.Format(isoLayout)), nil

	default:
		return nil, fmt.Errorf("wire: unknown value discriminator %d", tag)
	}
}

func isCanonicalID(s string) bool {
	if len(s) != idTextLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if idAlphabetIndex[s[i]] < 0 {
			return false
		}
	}
	return true
}

func isCanonicalISODate(s string) bool {
	t, err := time.Parse(isoLayout, s)
	if err != nil {
		return false
	}
	return t.UTC().Format(isoLayout) == s
}

func isCanonicalBase64Url(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return base64.RawURLEncoding.EncodeToString(decoded) == s
}

func isCanonicalJSON(s string) bool {
	if !json.Valid([]byte(s)) {
		return false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return string(b) == s
}
