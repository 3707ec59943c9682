// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package protocol

import (
	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/pkg/wire"
)

// DefaultRangesMaxSize and the bounds callers may configure it within,
// per the specification's size-discipline section.
const (
	DefaultTotalMaxSize  = 1 << 20 // 1 MB
	MinTotalMaxSize      = 1 << 20
	MaxTotalMaxSize      = 100 << 20
	DefaultRangesMaxSize = 30 * 1024
	MinRangesMaxSize     = 3 * 1024
	MaxRangesMaxSize     = 100 * 1024
)

// Builder assembles a Message incrementally, refusing to add content that
// would exceed either size budget. Failing to add is an expected signal
// to continue the reconciliation in a following round, not an error.
type Builder struct {
	version      uint64
	ownerID      owner.ID
	msgType      MessageType
	hasWriteKey  bool
	writeKey     owner.WriteKey
	subscription SubscriptionFlag
	errorCode    ErrorCode

	messages []changeset.EncryptedCrdtMessage
	ranges   []Range
	sealed   bool // true once a range carrying the infinite upper bound was added

	totalMaxSize  int
	rangesMaxSize int
}

// NewRequestBuilder starts a Request message.
func NewRequestBuilder(ownerID owner.ID, hasWriteKey bool, writeKey owner.WriteKey, sub SubscriptionFlag, totalMaxSize, rangesMaxSize int) *Builder {
	return &Builder{
		version: ProtocolVersion, ownerID: ownerID, msgType: MessageTypeRequest,
		hasWriteKey: hasWriteKey, writeKey: writeKey, subscription: sub,
		totalMaxSize: totalMaxSize, rangesMaxSize: rangesMaxSize,
	}
}

// NewResponseBuilder starts a Response message.
func NewResponseBuilder(ownerID owner.ID, errorCode ErrorCode, totalMaxSize, rangesMaxSize int) *Builder {
	return &Builder{
		version: ProtocolVersion, ownerID: ownerID, msgType: MessageTypeResponse,
		errorCode: errorCode, totalMaxSize: totalMaxSize, rangesMaxSize: rangesMaxSize,
	}
}

// NewBroadcastBuilder starts a Broadcast message. It never accepts ranges.
func NewBroadcastBuilder(ownerID owner.ID, totalMaxSize int) *Builder {
	return &Builder{
		version: ProtocolVersion, ownerID: ownerID, msgType: MessageTypeBroadcast,
		totalMaxSize: totalMaxSize,
	}
}

func (b *Builder) snapshot() Message {
	return Message{
		Version: b.version, OwnerID: b.ownerID, Type: b.msgType,
		HasWriteKey: b.hasWriteKey, WriteKey: b.writeKey, Subscription: b.subscription,
		Error: b.errorCode, Messages: b.messages, Ranges: b.ranges,
	}
}

// sealedRanges appends a synthetic trailing infinite fingerprint range
// when none of the given ranges already ends on one — this is the "safe
// margin" the specification requires a builder reserve so that a
// finishing fingerprint range is always known to still fit.
func sealedRanges(ranges []Range) []Range {
	if len(ranges) > 0 && ranges[len(ranges)-1].IsInfiniteUpperBound {
		return ranges
	}
	return append(append([]Range{}, ranges...), Range{Type: RangeFingerprint, IsInfiniteUpperBound: true})
}

func (b *Builder) totalSize(messages []changeset.EncryptedCrdtMessage, ranges []Range) (int, error) {
	msg := b.snapshot()
	msg.Messages = messages
	msg.Ranges = sealedRanges(ranges)
	encoded, err := Encode(msg)
	if err != nil {
		return 0, err
	}
	return len(encoded), nil
}

func (b *Builder) rangesSize(ranges []Range) (int, error) {
	buf := wire.NewBuffer(nil)
	if err := encodeRanges(buf, sealedRanges(ranges)); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// CanAddMessage reports whether appending m would keep the message within
// its total size budget.
func (b *Builder) CanAddMessage(m changeset.EncryptedCrdtMessage) bool {
	trial := append(append([]changeset.EncryptedCrdtMessage{}, b.messages...), m)
	size, err := b.totalSize(trial, b.ranges)
	return err == nil && size <= b.totalMaxSize
}

// AddMessage appends m if CanAddMessage allows it, reporting success.
func (b *Builder) AddMessage(m changeset.EncryptedCrdtMessage) bool {
	if !b.CanAddMessage(m) {
		return false
	}
	b.messages = append(b.messages, m)
	return true
}

// CanAddRange reports whether appending r would keep both the ranges
// section and the whole message within budget, honoring the Broadcast
// and post-infinite-range invariants.
func (b *Builder) CanAddRange(r Range) bool {
	if b.msgType == MessageTypeBroadcast || b.sealed {
		return false
	}
	trial := append(append([]Range{}, b.ranges...), r)
	rangesSize, err := b.rangesSize(trial)
	if err != nil || rangesSize > b.rangesMaxSize {
		return false
	}
	totalSize, err := b.totalSize(b.messages, trial)
	return err == nil && totalSize <= b.totalMaxSize
}

// AddRange appends r if CanAddRange allows it, reporting success.
func (b *Builder) AddRange(r Range) bool {
	if !b.CanAddRange(r) {
		return false
	}
	b.ranges = append(b.ranges, r)
	if r.IsInfiniteUpperBound {
		b.sealed = true
	}
	return true
}

// Seal finalizes the ranges section: if any range is present and the
// last one does not already carry the infinite upper bound, it rewrites
// it to do so — enforcing the "final range MUST be InfiniteUpperBound"
// invariant for a builder that never got around to an explicit seal.
func (b *Builder) Seal() {
	if len(b.ranges) == 0 {
		return
	}
	b.ranges[len(b.ranges)-1].IsInfiniteUpperBound = true
	b.sealed = true
}

// Build finalizes and encodes the accumulated message.
func (b *Builder) Build() ([]byte, error) {
	b.Seal()
	return Encode(b.snapshot())
}

// HasContent reports whether anything has been added — an empty Response
// is still meaningful (it signals convergence) but an Initiator deciding
// whether to emit a follow-up Request uses this to detect "nothing new".
func (b *Builder) HasContent() bool {
	return len(b.messages) > 0 || len(b.ranges) > 0
}

// OnlyConfirmsSkip reports whether everything accumulated so far is a
// Skip range: no messages and no Fingerprint/Timestamps range, meaning
// both sides already agree on every range covered. An Initiator uses
// this to recognize convergence and stop the round trip instead of
// bouncing an all-Skip Request back indefinitely.
func (b *Builder) OnlyConfirmsSkip() bool {
	if len(b.messages) > 0 {
		return false
	}
	for _, r := range b.ranges {
		if r.Type != RangeSkip {
			return false
		}
	}
	return true
}
