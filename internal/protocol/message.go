// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package protocol implements the wire message format the sync engine
// exchanges: a header, an optional columnar block of CRDT messages, and
// an optional columnar block of reconciliation ranges, all size-bounded
// by a Builder that refuses content once a round's budget is spent.
package protocol

import (
	"fmt"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/pkg/fingerprint"
	"github.com/evoluhq/evolu-go/pkg/wire"
)

// ProtocolVersion is the frozen wire version negotiated up front.
const ProtocolVersion = changeset.ProtocolVersion

// MessageType discriminates the three shapes a message can take.
type MessageType byte

const (
	MessageTypeRequest   MessageType = 0
	MessageTypeResponse  MessageType = 1
	MessageTypeBroadcast MessageType = 2
)

// SubscriptionFlag rides along a Request, telling the responder whether
// to add or remove this connection from an owner's subscriber set.
type SubscriptionFlag byte

const (
	SubscriptionNone        SubscriptionFlag = 0
	SubscriptionSubscribe   SubscriptionFlag = 1
	SubscriptionUnsubscribe SubscriptionFlag = 2
)

// ErrorCode is the Response-only outcome field.
type ErrorCode byte

const (
	ErrorNone      ErrorCode = 0
	ErrorWriteKey  ErrorCode = 1
	ErrorWrite     ErrorCode = 2
	ErrorQuota     ErrorCode = 3
	ErrorSync      ErrorCode = 4
)

// RangeType discriminates a reconciliation range's payload shape.
type RangeType byte

const (
	RangeSkip        RangeType = 0
	RangeFingerprint RangeType = 1
	RangeTimestamps  RangeType = 2
)

// Range is one entry of the ranges section: a type, its exclusive upper
// bound (or the infinite sentinel, which is always the last range's
// bound when any range is present), and a payload matching Type.
type Range struct {
	Type                 RangeType
	UpperBound           hlc.Timestamp
	IsInfiniteUpperBound bool
	Fingerprint          fingerprint.Fingerprint // valid when Type == RangeFingerprint
	Timestamps           []hlc.Timestamp         // valid when Type == RangeTimestamps
}

// Message is the full decoded form of one wire message.
type Message struct {
	Version uint64
	OwnerID owner.ID
	Type    MessageType

	// Request fields.
	HasWriteKey  bool
	WriteKey     owner.WriteKey
	Subscription SubscriptionFlag

	// Response fields.
	Error ErrorCode

	Messages []changeset.EncryptedCrdtMessage
	Ranges   []Range
}

// InvalidDataError wraps any failure to parse a wire message.
type InvalidDataError struct {
	Cause error
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("protocol: invalid data: %v", e.Cause)
}
func (e *InvalidDataError) Unwrap() error { return e.Cause }

// encodeTimestampBlock emits the RLE-friendly columnar encoding shared by
// the messages and ranges sections: count, millis deltas, RLE counters,
// RLE node ids.
func encodeTimestampBlock(buf *wire.Buffer, timestamps []hlc.Timestamp) {
	wire.EncodeVarint(buf, uint64(len(timestamps)))

	var prevMillis uint64
	for _, t := range timestamps {
		wire.EncodeVarint(buf, t.Millis-prevMillis)
		prevMillis = t.Millis
	}

	encodeCounterRuns(buf, timestamps)
	encodeNodeIDRuns(buf, timestamps)
}

func encodeCounterRuns(buf *wire.Buffer, timestamps []hlc.Timestamp) {
	i := 0
	for i < len(timestamps) {
		value := timestamps[i].Counter
		run := 1
		for i+run < len(timestamps) && timestamps[i+run].Counter == value {
			run++
		}
		wire.EncodeVarint(buf, uint64(value))
		wire.EncodeVarint(buf, uint64(run))
		i += run
	}
}

func encodeNodeIDRuns(buf *wire.Buffer, timestamps []hlc.Timestamp) {
	i := 0
	for i < len(timestamps) {
		value := timestamps[i].NodeID
		run := 1
		for i+run < len(timestamps) && timestamps[i+run].NodeID == value {
			run++
		}
		buf.Extend(value[:])
		wire.EncodeVarint(buf, uint64(run))
		i += run
	}
}

func decodeTimestampBlock(buf *wire.Buffer) ([]hlc.Timestamp, error) {
	n, err := wire.DecodeVarint(buf)
	if err != nil {
		return nil, fmt.Errorf("timestamp block count: %w", err)
	}
	count := int(n)

	millis := make([]uint64, count)
	var prev uint64
	for i := 0; i < count; i++ {
		delta, err := wire.DecodeVarint(buf)
		if err != nil {
			return nil, fmt.Errorf("timestamp block millis delta %d: %w", i, err)
		}
		prev += delta
		millis[i] = prev
	}

	counters, err := decodeCounterRuns(buf, count)
	if err != nil {
		return nil, err
	}
	nodeIDs, err := decodeNodeIDRuns(buf, count)
	if err != nil {
		return nil, err
	}

	out := make([]hlc.Timestamp, count)
	for i := 0; i < count; i++ {
		out[i] = hlc.Timestamp{Millis: millis[i], Counter: counters[i], NodeID: nodeIDs[i]}
	}
	return out, nil
}

func decodeCounterRuns(buf *wire.Buffer, count int) ([]uint16, error) {
	out := make([]uint16, 0, count)
	for len(out) < count {
		value, err := wire.DecodeVarint(buf)
		if err != nil {
			return nil, fmt.Errorf("counter run value: %w", err)
		}
		run, err := wire.DecodeVarint(buf)
		if err != nil {
			return nil, fmt.Errorf("counter run length: %w", err)
		}
		if value > hlc.MaxCounter {
			return nil, fmt.Errorf("counter %d exceeds u16 range", value)
		}
		for i := uint64(0); i < run && len(out) < count; i++ {
			out = append(out, uint16(value))
		}
	}
	if len(out) != count {
		return nil, fmt.Errorf("counter runs produced %d values, want %d", len(out), count)
	}
	return out, nil
}

func decodeNodeIDRuns(buf *wire.Buffer, count int) ([][8]byte, error) {
	out := make([][8]byte, 0, count)
	for len(out) < count {
		raw, err := buf.ShiftN(8)
		if err != nil {
			return nil, fmt.Errorf("node id run value: %w", err)
		}
		var id [8]byte
		copy(id[:], raw)

		run, err := wire.DecodeVarint(buf)
		if err != nil {
			return nil, fmt.Errorf("node id run length: %w", err)
		}
		for i := uint64(0); i < run && len(out) < count; i++ {
			out = append(out, id)
		}
	}
	if len(out) != count {
		return nil, fmt.Errorf("node id runs produced %d values, want %d", len(out), count)
	}
	return out, nil
}

func encodeMessages(buf *wire.Buffer, msgs []changeset.EncryptedCrdtMessage) {
	wire.EncodeVarint(buf, uint64(len(msgs)))

	ts := make([]hlc.Timestamp, len(msgs))
	for i, m := range msgs {
		ts[i] = m.Timestamp
	}
	encodeTimestampBlock(buf, ts)

	for _, m := range msgs {
		wire.EncodeBytes(buf, []byte(m.Change))
	}
}

func decodeMessages(buf *wire.Buffer) ([]changeset.EncryptedCrdtMessage, error) {
	n, err := wire.DecodeVarint(buf)
	if err != nil {
		return nil, fmt.Errorf("messages count: %w", err)
	}

	ts, err := decodeTimestampBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("messages timestamp block: %w", err)
	}
	if uint64(len(ts)) != n {
		return nil, fmt.Errorf("messages count %d does not match timestamp block length %d", n, len(ts))
	}

	msgs := make([]changeset.EncryptedCrdtMessage, n)
	for i := range msgs {
		change, err := wire.DecodeBytes(buf)
		if err != nil {
			return nil, fmt.Errorf("message %d change: %w", i, err)
		}
		msgs[i] = changeset.EncryptedCrdtMessage{Timestamp: ts[i], Change: changeset.EncryptedDbChange(change)}
	}
	return msgs, nil
}

func encodeRanges(buf *wire.Buffer, ranges []Range) error {
	wire.EncodeVarint(buf, uint64(len(ranges)))
	if len(ranges) == 0 {
		return nil
	}
	if !ranges[len(ranges)-1].IsInfiniteUpperBound {
		return fmt.Errorf("final range must carry the infinite upper bound")
	}

	bounds := make([]hlc.Timestamp, 0, len(ranges)-1)
	for i, r := range ranges {
		isLast := i == len(ranges)-1
		if r.IsInfiniteUpperBound && !isLast {
			return fmt.Errorf("range %d: infinite upper bound is only valid on the final range", i)
		}
		if !r.IsInfiniteUpperBound {
			bounds = append(bounds, r.UpperBound)
		}
	}
	encodeTimestampBlock(buf, bounds)

	for _, r := range ranges {
		buf.ExtendByte(byte(r.Type))
	}
	for i, r := range ranges {
		switch r.Type {
		case RangeSkip:
		case RangeFingerprint:
			buf.Extend(r.Fingerprint[:])
		case RangeTimestamps:
			encodeTimestampBlock(buf, r.Timestamps)
		default:
			return fmt.Errorf("range %d: unknown range type %d", i, r.Type)
		}
	}
	return nil
}

func decodeRanges(buf *wire.Buffer) ([]Range, error) {
	n, err := wire.DecodeVarint(buf)
	if err != nil {
		return nil, fmt.Errorf("ranges count: %w", err)
	}
	count := int(n)
	if count == 0 {
		return nil, nil
	}

	bounds, err := decodeTimestampBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("ranges upper-bound block: %w", err)
	}
	if len(bounds) != count-1 {
		return nil, fmt.Errorf("ranges upper-bound block has %d entries, want %d", len(bounds), count-1)
	}

	types := make([]RangeType, count)
	for i := 0; i < count; i++ {
		b, err := buf.Shift()
		if err != nil {
			return nil, fmt.Errorf("range %d type: %w", i, err)
		}
		types[i] = RangeType(b)
	}

	ranges := make([]Range, count)
	for i := 0; i < count; i++ {
		r := Range{Type: types[i]}
		if i < count-1 {
			r.UpperBound = bounds[i]
		} else {
			r.IsInfiniteUpperBound = true
		}
		ranges[i] = r
	}

	for i := range ranges {
		switch ranges[i].Type {
		case RangeSkip:
		case RangeFingerprint:
			raw, err := buf.ShiftN(fingerprint.Size)
			if err != nil {
				return nil, fmt.Errorf("range %d fingerprint: %w", i, err)
			}
			copy(ranges[i].Fingerprint[:], raw)
		case RangeTimestamps:
			ts, err := decodeTimestampBlock(buf)
			if err != nil {
				return nil, fmt.Errorf("range %d timestamps: %w", i, err)
			}
			ranges[i].Timestamps = ts
		default:
			return nil, fmt.Errorf("range %d: unknown range type %d", i, ranges[i].Type)
		}
	}
	return ranges, nil
}

// Encode serializes msg to its wire form.
func Encode(msg Message) ([]byte, error) {
	buf := wire.NewBuffer(nil)
	wire.EncodeVarint(buf, msg.Version)
	buf.Extend(msg.OwnerID[:])
	buf.ExtendByte(byte(msg.Type))

	switch msg.Type {
	case MessageTypeRequest:
		hasKey := msg.HasWriteKey
		if err := wire.EncodeFlags(buf, []bool{hasKey}); err != nil {
			return nil, err
		}
		if hasKey {
			buf.Extend(msg.WriteKey[:])
		}
		buf.ExtendByte(byte(msg.Subscription))
	case MessageTypeResponse:
		buf.ExtendByte(byte(msg.Error))
	case MessageTypeBroadcast:
		if len(msg.Ranges) != 0 {
			return nil, fmt.Errorf("protocol: broadcast message must not carry ranges")
		}
	default:
		return nil, fmt.Errorf("protocol: unknown message type %d", msg.Type)
	}

	encodeMessages(buf, msg.Messages)
	if err := encodeRanges(buf, msg.Ranges); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Message, error) {
	buf := wire.NewBuffer(data)

	version, err := wire.DecodeVarint(buf)
	if err != nil {
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("version: %w", err)}
	}

	ownerBytes, err := buf.ShiftN(16)
	if err != nil {
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("owner id: %w", err)}
	}
	var ownerID owner.ID
	copy(ownerID[:], ownerBytes)

	typeByte, err := buf.Shift()
	if err != nil {
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("message type: %w", err)}
	}

	msg := Message{Version: version, OwnerID: ownerID, Type: MessageType(typeByte)}

	switch msg.Type {
	case MessageTypeRequest:
		flags, err := wire.DecodeFlags(buf, 1)
		if err != nil {
			return Message{}, &InvalidDataError{Cause: fmt.Errorf("write key flag: %w", err)}
		}
		msg.HasWriteKey = flags[0]
		if msg.HasWriteKey {
			wk, err := buf.ShiftN(16)
			if err != nil {
				return Message{}, &InvalidDataError{Cause: fmt.Errorf("write key: %w", err)}
			}
			copy(msg.WriteKey[:], wk)
		}
		subByte, err := buf.Shift()
		if err != nil {
			return Message{}, &InvalidDataError{Cause: fmt.Errorf("subscription flag: %w", err)}
		}
		msg.Subscription = SubscriptionFlag(subByte)
	case MessageTypeResponse:
		errByte, err := buf.Shift()
		if err != nil {
			return Message{}, &InvalidDataError{Cause: fmt.Errorf("error code: %w", err)}
		}
		msg.Error = ErrorCode(errByte)
	case MessageTypeBroadcast:
	default:
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("unknown message type %d", msg.Type)}
	}

	msgs, err := decodeMessages(buf)
	if err != nil {
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("messages: %w", err)}
	}
	msg.Messages = msgs

	ranges, err := decodeRanges(buf)
	if err != nil {
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("ranges: %w", err)}
	}
	if msg.Type == MessageTypeBroadcast && len(ranges) != 0 {
		return Message{}, &InvalidDataError{Cause: fmt.Errorf("broadcast message must not carry ranges")}
	}
	msg.Ranges = ranges

	return msg, nil
}
