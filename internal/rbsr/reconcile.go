// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rbsr implements range-based set reconciliation: given a peer's
// list of ranges over an owner's timestamp set, it compares them against
// local storage and emits the ranges and messages that bring both sides
// into agreement, one protocol round at a time.
package rbsr

import (
	"fmt"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/protocol"
	"github.com/evoluhq/evolu-go/internal/skipstore"
)

// TargetBuckets is the approximate number of sub-ranges split_range aims
// to produce.
const TargetBuckets = 16

// MinBucketableCount is the smallest ordinal span worth splitting into
// buckets; spans at or below it are sent as a single Timestamps range
// instead, since the per-bucket fingerprint overhead would dwarf the
// savings.
const MinBucketableCount = TargetBuckets * 2

// Reconciler runs the algorithm of §4.8 against one Store.
type Reconciler struct {
	store *skipstore.Store
}

// New wraps store with the reconciliation algorithm.
func New(store *skipstore.Store) *Reconciler {
	return &Reconciler{store: store}
}

// computeBalancedBuckets returns the relative ordinal boundaries (each in
// (0, count)) that split a span of count items into roughly
// TargetBuckets equal buckets.
func computeBalancedBuckets(count int) []int {
	buckets := TargetBuckets
	if buckets > count {
		buckets = count
	}
	if buckets <= 1 {
		return nil
	}
	boundaries := make([]int, 0, buckets-1)
	for i := 1; i < buckets; i++ {
		boundaries = append(boundaries, count*i/buckets)
	}
	return boundaries
}

func storeUpperBound(isInfinite bool, upper hlc.Timestamp) hlc.Timestamp {
	if isInfinite {
		return skipstore.InfiniteUpperBound
	}
	return upper
}

// InitialRanges describes the full local timestamp set for id as the
// opening ranges of a fresh sync round, the same splitting policy
// Reconcile applies to a mismatched incoming range: an empty store
// declares a single empty Timestamps range (there is nothing to tell the
// peer about yet), a small store lists every timestamp it holds in one
// Timestamps range, and a larger store is split into ~TargetBuckets
// Fingerprint sub-ranges so the very first round still bounds its size.
func (r *Reconciler) InitialRanges(id owner.ID, size int) ([]protocol.Range, error) {
	if size == 0 {
		return []protocol.Range{{Type: protocol.RangeTimestamps, IsInfiniteUpperBound: true}}, nil
	}

	if size <= MinBucketableCount {
		var ts []hlc.Timestamp
		err := r.store.Iterate(id, 0, size, func(_ int, t hlc.Timestamp) bool {
			ts = append(ts, t)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("rbsr: initial_ranges: iterate: %w", err)
		}
		return []protocol.Range{{Type: protocol.RangeTimestamps, Timestamps: ts, IsInfiniteUpperBound: true}}, nil
	}

	boundaries := computeBalancedBuckets(size)
	buckets, err := r.store.FingerprintRanges(id, 0, size, boundaries)
	if err != nil {
		return nil, fmt.Errorf("rbsr: initial_ranges: fingerprint_ranges: %w", err)
	}

	ranges := make([]protocol.Range, len(buckets))
	for i, bucket := range buckets {
		ranges[i] = protocol.Range{
			Type: protocol.RangeFingerprint, Fingerprint: bucket.Fingerprint,
			UpperBound:           bucket.UpperBound,
			IsInfiniteUpperBound: i == len(buckets)-1,
		}
	}
	return ranges, nil
}

// Reconcile executes the algorithm of §4.8 against owner's storage, given
// the peer's incoming ranges and size (owner's total timestamp count on
// this side). Output ranges and messages are appended to builder; the
// builder's own size discipline governs how much of the reconciliation
// result fits in this round.
func (r *Reconciler) Reconcile(id owner.ID, size int, incoming []protocol.Range, builder *protocol.Builder) error {
	prevIndex := 0
	var pendingSkip *protocol.Range

	flushSkip := func() {
		if pendingSkip == nil {
			return
		}
		builder.AddRange(*pendingSkip)
		pendingSkip = nil
	}

	for _, rng := range incoming {
		upperBound := storeUpperBound(rng.IsInfiniteUpperBound, rng.UpperBound)
		upper, err := r.store.FindLowerBound(id, prevIndex, size, upperBound)
		if err != nil {
			return fmt.Errorf("rbsr: find_lower_bound: %w", err)
		}

		halt := false
		switch rng.Type {
		case protocol.RangeSkip:
			pendingSkip = &protocol.Range{Type: protocol.RangeSkip, UpperBound: rng.UpperBound, IsInfiniteUpperBound: rng.IsInfiniteUpperBound}

		case protocol.RangeFingerprint:
			ours, err := r.store.Fingerprint(id, prevIndex, upper)
			if err != nil {
				return fmt.Errorf("rbsr: fingerprint: %w", err)
			}
			switch {
			case ours == rng.Fingerprint:
				pendingSkip = &protocol.Range{Type: protocol.RangeSkip, UpperBound: rng.UpperBound, IsInfiniteUpperBound: rng.IsInfiniteUpperBound}
			case upper-prevIndex > MinBucketableCount:
				flushSkip()
				if err := r.splitRange(id, prevIndex, upper, rng, builder); err != nil {
					return err
				}
			default:
				flushSkip()
				if err := r.emitRemainderTimestamps(id, prevIndex, upper, rng, builder); err != nil {
					return err
				}
			}

		case protocol.RangeTimestamps:
			flushSkip()
			want := make(map[hlc.Timestamp]struct{}, len(rng.Timestamps))
			for _, t := range rng.Timestamps {
				want[t] = struct{}{}
			}

			outOfBudget := false
			var readErr error
			var ours []hlc.Timestamp
			err := r.store.Iterate(id, prevIndex, upper, func(_ int, t hlc.Timestamp) bool {
				ours = append(ours, t)
				if _, ok := want[t]; ok {
					delete(want, t)
					return true
				}
				change, err := r.store.ReadDbChange(id, t)
				if err != nil {
					readErr = err
					return false
				}
				msg := changeset.EncryptedCrdtMessage{Timestamp: t, Change: change}
				if !builder.AddMessage(msg) {
					outOfBudget = true
					return false
				}
				return true
			})
			if err != nil {
				return fmt.Errorf("rbsr: iterate: %w", err)
			}
			if readErr != nil {
				return fmt.Errorf("rbsr: read_db_change: %w", readErr)
			}
			if outOfBudget {
				if err := r.emitRemainderFingerprint(id, upper, size, builder); err != nil {
					return err
				}
				halt = true
				break
			}
			if len(want) > 0 {
				// The peer holds timestamps we lack: list our own for this
				// range so the peer can send us what we are missing.
				builder.AddRange(protocol.Range{
					Type: protocol.RangeTimestamps, Timestamps: ours,
					UpperBound: rng.UpperBound, IsInfiniteUpperBound: rng.IsInfiniteUpperBound,
				})
			} else {
				pendingSkip = &protocol.Range{Type: protocol.RangeSkip, UpperBound: rng.UpperBound, IsInfiniteUpperBound: rng.IsInfiniteUpperBound}
			}
		}

		prevIndex = upper
		if halt {
			break
		}
	}

	// A trailing Skip is sent only to close output that already says
	// something; a round that only confirms agreement produces nothing.
	if builder.HasContent() && !builder.OnlyConfirmsSkip() {
		flushSkip()
	}
	return nil
}

// splitRange builds ~TargetBuckets fingerprint sub-ranges over [begin,
// end), reusing the original range's closing upper bound (or infinite
// flag) for the final sub-range.
func (r *Reconciler) splitRange(id owner.ID, begin, end int, original protocol.Range, builder *protocol.Builder) error {
	count := end - begin
	relative := computeBalancedBuckets(count)
	if len(relative) == 0 {
		return r.emitRemainderTimestamps(id, begin, end, original, builder)
	}

	boundaries := make([]int, len(relative))
	for i, rel := range relative {
		boundaries[i] = begin + rel
	}

	buckets, err := r.store.FingerprintRanges(id, begin, end, boundaries)
	if err != nil {
		return fmt.Errorf("rbsr: fingerprint_ranges: %w", err)
	}
	if len(buckets) == 0 {
		return nil
	}
	buckets[len(buckets)-1].UpperBound = original.UpperBound

	for i, bucket := range buckets {
		isLast := i == len(buckets)-1
		builder.AddRange(protocol.Range{
			Type: protocol.RangeFingerprint, Fingerprint: bucket.Fingerprint,
			UpperBound:           bucket.UpperBound,
			IsInfiniteUpperBound: isLast && original.IsInfiniteUpperBound,
		})
	}
	return nil
}

// emitRemainderTimestamps lists every timestamp in [begin, end) as a
// single Timestamps range — used when a span is too small to usefully
// split into fingerprint buckets.
func (r *Reconciler) emitRemainderTimestamps(id owner.ID, begin, end int, original protocol.Range, builder *protocol.Builder) error {
	var ts []hlc.Timestamp
	err := r.store.Iterate(id, begin, end, func(_ int, t hlc.Timestamp) bool {
		ts = append(ts, t)
		return true
	})
	if err != nil {
		return fmt.Errorf("rbsr: iterate for remainder: %w", err)
	}
	builder.AddRange(protocol.Range{
		Type: protocol.RangeTimestamps, Timestamps: ts,
		UpperBound: original.UpperBound, IsInfiniteUpperBound: original.IsInfiniteUpperBound,
	})
	return nil
}

// emitRemainderFingerprint emits a single fingerprint covering everything
// from upper to the end of the local set, signalling "ran out of budget,
// here's the rest as one bucket" and stopping the round.
func (r *Reconciler) emitRemainderFingerprint(id owner.ID, upper, size int, builder *protocol.Builder) error {
	fp, err := r.store.Fingerprint(id, upper, size)
	if err != nil {
		return fmt.Errorf("rbsr: remainder fingerprint: %w", err)
	}
	builder.AddRange(protocol.Range{Type: protocol.RangeFingerprint, Fingerprint: fp, IsInfiniteUpperBound: true})
	return nil
}
