// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skipstore

import (
	"fmt"
	"sync"

	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
)

// ownerRange tracks the facts write_messages needs to pick an insertion
// strategy: the owner's current min/max timestamp. It starts unseeded on
// every process restart and is lazily filled from storage on first use —
// the in-memory state alone can never be trusted, since an owner may
// already hold rows from a prior process.
type ownerRange struct {
	mu      sync.RWMutex
	seeded  bool
	hasRows bool
	minT    hlc.Timestamp
	maxT    hlc.Timestamp
}

// rangeCache is a lock-per-owner cache of ownerRange, grounded on
// internal/memorystore's Level tree: a read lock probes for an existing
// entry, and only a write lock is taken to create a missing one, with a
// second check after acquiring it to avoid a duplicate-create race.
type rangeCache struct {
	mu      sync.RWMutex
	byOwner map[owner.ID]*ownerRange
}

func newRangeCache() *rangeCache {
	return &rangeCache{byOwner: make(map[owner.ID]*ownerRange)}
}

func (c *rangeCache) findOrCreate(id owner.ID) *ownerRange {
	c.mu.RLock()
	r, ok := c.byOwner[id]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.byOwner[id]; ok {
		return r
	}
	r = &ownerRange{}
	c.byOwner[id] = r
	return r
}

// strategy classifies where an incoming timestamp falls relative to the
// owner's known range, matching the three insertion strategies of §4.6.
type strategy int

const (
	strategyInsert strategy = iota // default/full path: "otherwise"
	strategyAppend                 // t > max_t
	strategyPrepend                // t < min_t
)

func (s strategy) String() string {
	switch s {
	case strategyAppend:
		return "append"
	case strategyPrepend:
		return "prepend"
	default:
		return "insert"
	}
}

// ensureSeeded loads r's min/max timestamp from the owner's existing rows
// the first time r is touched, so classify reflects what storage actually
// holds rather than an empty-on-restart zero value. q should be the active
// write transaction, so the seed is consistent with any row count check
// already performed for the same write.
func (s *Store) ensureSeeded(q queryer, id owner.ID, r *ownerRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seeded {
		return nil
	}

	var n int
	if err := q.Get(&n, `SELECT COUNT(*) FROM timestamps WHERE owner_id = ?`, id[:]); err != nil {
		return fmt.Errorf("skipstore: ensure_seeded: count: %w", err)
	}
	if n == 0 {
		r.seeded = true
		return nil
	}

	var minRaw, maxRaw []byte
	if err := q.Get(&minRaw, `SELECT t FROM timestamps WHERE owner_id = ? ORDER BY t ASC LIMIT 1`, id[:]); err != nil {
		return fmt.Errorf("skipstore: ensure_seeded: min: %w", err)
	}
	if err := q.Get(&maxRaw, `SELECT t FROM timestamps WHERE owner_id = ? ORDER BY t DESC LIMIT 1`, id[:]); err != nil {
		return fmt.Errorf("skipstore: ensure_seeded: max: %w", err)
	}

	var minB, maxB [16]byte
	copy(minB[:], minRaw)
	copy(maxB[:], maxRaw)
	r.minT = hlc.FromBytes(minB)
	r.maxT = hlc.FromBytes(maxB)
	r.hasRows = true
	r.seeded = true
	return nil
}

func (r *ownerRange) classify(t hlc.Timestamp) strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasRows {
		return strategyAppend
	}
	if r.maxT.Less(t) {
		return strategyAppend
	}
	if t.Less(r.minT) {
		return strategyPrepend
	}
	return strategyInsert
}

// observe folds a newly-written timestamp into the cached range.
func (r *ownerRange) observe(t hlc.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRows {
		r.minT, r.maxT, r.hasRows = t, t, true
		return
	}
	if r.maxT.Less(t) {
		r.maxT = t
	}
	if t.Less(r.minT) {
		r.minT = t
	}
}
