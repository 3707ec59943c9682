// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hlc implements the hybrid logical clock timestamps that give
// every CRDT message a total, drift-bounded order.
package hlc

import (
	"crypto/rand"
	"fmt"
	"time"
)

const (
	// MaxMillis is the largest representable millisecond value (2^48 - 1).
	MaxMillis = (1 << 48) - 1
	// MaxCounter is the largest representable counter value (2^16 - 1).
	MaxCounter = (1 << 16) - 1
)

// Timestamp is a hybrid logical clock value: millis since Unix epoch
// (bounded to 48 bits), a logical counter (16 bits), and the 8-byte id of
// the device that produced it.
type Timestamp struct {
	Millis  uint64
	Counter uint16
	NodeID  [8]byte
}

// Less reports whether t sorts strictly before other under the
// specification's lexicographic (millis, counter, node id) ordering —
// identical to comparing their 16-byte binary encodings byte-for-byte.
func (t Timestamp) Less(other Timestamp) bool {
	if t.Millis != other.Millis {
		return t.Millis < other.Millis
	}
	if t.Counter != other.Counter {
		return t.Counter < other.Counter
	}
	for i := range t.NodeID {
		if t.NodeID[i] != other.NodeID[i] {
			return t.NodeID[i] < other.NodeID[i]
		}
	}
	return false
}

// Bytes encodes t into its 16-byte wire form: 6 bytes big-endian millis,
// 2 bytes big-endian counter, 8 bytes node id.
func (t Timestamp) Bytes() [16]byte {
	var b [16]byte
	b[0] = byte(t.Millis >> 40)
	b[1] = byte(t.Millis >> 32)
	b[2] = byte(t.Millis >> 24)
	b[3] = byte(t.Millis >> 16)
	b[4] = byte(t.Millis >> 8)
	b[5] = byte(t.Millis)
	b[6] = byte(t.Counter >> 8)
	b[7] = byte(t.Counter)
	copy(b[8:], t.NodeID[:])
	return b
}

// FromBytes decodes the 16-byte wire form produced by Bytes.
func FromBytes(b [16]byte) Timestamp {
	var t Timestamp
	t.Millis = uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 | uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	t.Counter = uint16(b[6])<<8 | uint16(b[7])
	copy(t.NodeID[:], b[8:])
	return t
}

// Config bounds clock behavior. Zero Config is invalid — use DefaultConfig.
type Config struct {
	MaxDriftMs uint64
	MaxCounter uint16
	MaxMillis  uint64
}

// DefaultConfig matches the specification's defaults: 5 minutes of
// tolerated clock drift, full 16-bit counter range, full 48-bit millis range.
func DefaultConfig() Config {
	return Config{
		MaxDriftMs: uint64(5 * time.Minute / time.Millisecond),
		MaxCounter: MaxCounter,
		MaxMillis:  MaxMillis,
	}
}

// DriftError is returned when a clock's next millis would run further
// ahead of wall-clock time than Config.MaxDriftMs permits.
type DriftError struct {
	NextMillis, WallMillis, MaxDriftMs uint64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("hlc: clock drift %dms exceeds max %dms", e.NextMillis-e.WallMillis, e.MaxDriftMs)
}

// CounterOverflowError is returned when the logical counter for a given
// millisecond would exceed Config.MaxCounter.
type CounterOverflowError struct {
	Millis uint64
}

func (e *CounterOverflowError) Error() string {
	return fmt.Sprintf("hlc: counter overflow at millis=%d", e.Millis)
}

// TimeOutOfRangeError is returned when the next millis would exceed
// Config.MaxMillis (or the 48-bit domain).
type TimeOutOfRangeError struct {
	Millis uint64
}

func (e *TimeOutOfRangeError) Error() string {
	return fmt.Sprintf("hlc: millis %d out of range", e.Millis)
}

// Clock tracks one device's HLC state. It is not safe for concurrent use;
// callers serialize access to it themselves.
type Clock struct {
	cfg   Config
	local Timestamp
}

// NewClock creates a clock at (0, 0, nodeID) — the create_initial
// operation of the specification.
func NewClock(cfg Config, nodeID [8]byte) *Clock {
	return &Clock{cfg: cfg, local: Timestamp{NodeID: nodeID}}
}

// NewClockRandom creates a clock with a freshly generated random node id.
func NewClockRandom(cfg Config) (*Clock, error) {
	var nodeID [8]byte
	if _, err := rand.Read(nodeID[:]); err != nil {
		return nil, fmt.Errorf("hlc: rand.Read: %w", err)
	}
	return NewClock(cfg, nodeID), nil
}

// Now returns the clock's current local timestamp without advancing it.
func (c *Clock) Now() Timestamp {
	return c.local
}

// Load overwrites the clock's local state, e.g. after reading it back
// from storage.
func (c *Clock) Load(t Timestamp) {
	c.local = t
}

func millisOf(wallNow time.Time) uint64 {
	ms := wallNow.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// Send advances the clock for an outgoing event and returns the new
// timestamp, or a TimestampError on drift, overflow, or out-of-range millis.
func (c *Clock) Send(wallNow time.Time) (Timestamp, error) {
	wallMillis := millisOf(wallNow)
	nextMillis := c.local.Millis
	if wallMillis > nextMillis {
		nextMillis = wallMillis
	}

	if nextMillis > wallMillis && nextMillis-wallMillis > c.cfg.MaxDriftMs {
		return Timestamp{}, &DriftError{NextMillis: nextMillis, WallMillis: wallMillis, MaxDriftMs: c.cfg.MaxDriftMs}
	}
	if nextMillis > c.cfg.MaxMillis {
		return Timestamp{}, &TimeOutOfRangeError{Millis: nextMillis}
	}

	counter := uint16(0)
	if nextMillis == c.local.Millis {
		if c.local.Counter >= c.cfg.MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: nextMillis}
		}
		counter = c.local.Counter + 1
	}

	next := Timestamp{Millis: nextMillis, Counter: counter, NodeID: c.local.NodeID}
	c.local = next
	return next, nil
}

// Receive merges an incoming timestamp from a peer into the clock and
// returns the resulting local timestamp, or a TimestampError on drift,
// overflow, or out-of-range millis.
func (c *Clock) Receive(incoming Timestamp, wallNow time.Time) (Timestamp, error) {
	wallMillis := millisOf(wallNow)

	nextMillis := c.local.Millis
	if incoming.Millis > nextMillis {
		nextMillis = incoming.Millis
	}
	if wallMillis > nextMillis {
		nextMillis = wallMillis
	}

	if nextMillis > wallMillis && nextMillis-wallMillis > c.cfg.MaxDriftMs {
		return Timestamp{}, &DriftError{NextMillis: nextMillis, WallMillis: wallMillis, MaxDriftMs: c.cfg.MaxDriftMs}
	}
	if incoming.Millis > wallMillis && incoming.Millis-wallMillis > c.cfg.MaxDriftMs {
		return Timestamp{}, &DriftError{NextMillis: incoming.Millis, WallMillis: wallMillis, MaxDriftMs: c.cfg.MaxDriftMs}
	}
	if nextMillis > c.cfg.MaxMillis {
		return Timestamp{}, &TimeOutOfRangeError{Millis: nextMillis}
	}

	var counter uint16
	switch {
	case nextMillis == c.local.Millis && nextMillis == incoming.Millis:
		maxCounter := c.local.Counter
		if incoming.Counter > maxCounter {
			maxCounter = incoming.Counter
		}
		if maxCounter >= c.cfg.MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: nextMillis}
		}
		counter = maxCounter + 1
	case nextMillis == c.local.Millis:
		if c.local.Counter >= c.cfg.MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: nextMillis}
		}
		counter = c.local.Counter + 1
	case nextMillis == incoming.Millis:
		if incoming.Counter >= c.cfg.MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: nextMillis}
		}
		counter = incoming.Counter + 1
	default:
		counter = 0
	}

	next := Timestamp{Millis: nextMillis, Counter: counter, NodeID: c.local.NodeID}
	c.local = next
	return next, nil
}
