// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package skipstore is the per-owner timestamp skiplist: the durable,
// ordered set of timestamps a sync peer reconciles against, together with
// the encrypted changes each timestamp orders and the write keys that
// gate new writes.
//
// Every row of the SQL timestamps table carries its own raw fingerprint
// halves and an assigned skiplist level (§3.4). On top of that, the
// skiplist_levels table holds the augmented structure itself: one row per
// (owner, level, node), each caching the cumulative XOR fingerprint of
// every raw row between the previous same-or-taller node and itself.
// WriteMessages maintains both tables together, so a range fingerprint
// can be answered by descending the level spine instead of folding every
// row in the range — see prefix() below. The in-memory rangeCache exists
// only to pick an insertion strategy (append / prepend / insert) without
// re-deriving the owner's min/max from storage on every write.
package skipstore

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/jmoiron/sqlx"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/storage"
	"github.com/evoluhq/evolu-go/pkg/fingerprint"
	"github.com/evoluhq/evolu-go/pkg/log"
)

// MaxLevel is the tallest skiplist level a timestamp can be assigned to.
const MaxLevel = 10

// LevelProbability is the geometric distribution parameter p: each level
// above 0 is reached with probability p of the level below it.
const LevelProbability = 0.25

// InfiniteUpperBound is the sentinel upper bound representing "no limit":
// the all-ones 16-byte timestamp, the largest value a Timestamp can hold.
// The wire protocol never encodes it; a range flagged
// IsInfiniteUpperBound stands for it instead.
var InfiniteUpperBound = hlc.Timestamp{Millis: hlc.MaxMillis, Counter: hlc.MaxCounter, NodeID: [8]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}

// ErrWriteKeyMismatch is returned by WriteMessages when the supplied write
// key does not match the owner's currently registered key.
var ErrWriteKeyMismatch = errors.New("skipstore: write key mismatch")

// Store is the skiplist storage engine for every owner sharing one
// *storage.DB.
type Store struct {
	db    *storage.DB
	cache *rangeCache
}

// New wraps db with the skiplist operations.
func New(db *storage.DB) *Store {
	return &Store{db: db, cache: newRangeCache()}
}

// assignLevel draws a skiplist level the same way a classic skiplist
// assigns node height: repeated p-coin flips, capped at MaxLevel.
func assignLevel() int {
	level := 0
	for level < MaxLevel && rand.Float64() < LevelProbability {
		level++
	}
	return level
}

// GetSize returns the number of timestamps stored for owner.
func (s *Store) GetSize(id owner.ID) (int, error) {
	var n int
	err := s.db.Conn.Get(&n, `SELECT COUNT(*) FROM timestamps WHERE owner_id = ?`, id[:])
	if err != nil {
		return 0, fmt.Errorf("skipstore: get_size: %w", err)
	}
	return n, nil
}

type tsRow struct {
	T  []byte `db:"t"`
	H1 int64  `db:"h1"`
	H2 int64  `db:"h2"`
}

func (r tsRow) fingerprint() fingerprint.Fingerprint {
	return fingerprint.FromHalves(uint64(r.H1), uint64(r.H2))
}

func (r tsRow) timestamp() hlc.Timestamp {
	var b [16]byte
	copy(b[:], r.T)
	return hlc.FromBytes(b)
}

// ordinalRangeQ fetches the rows in ordinal position [begin, end) of
// owner's ordered timestamp set, against either a plain connection or an
// open transaction.
func ordinalRangeQ(q queryer, id owner.ID, begin, end int) ([]tsRow, error) {
	if end <= begin {
		return nil, nil
	}
	var rows []tsRow
	err := q.Select(&rows,
		`SELECT t, h1, h2 FROM timestamps WHERE owner_id = ? ORDER BY t LIMIT ? OFFSET ?`,
		id[:], end-begin, begin)
	if err != nil {
		return nil, fmt.Errorf("skipstore: ordinal range [%d,%d): %w", begin, end, err)
	}
	return rows, nil
}

func (s *Store) ordinalRange(id owner.ID, begin, end int) ([]tsRow, error) {
	return ordinalRangeQ(s.db.Conn, id, begin, end)
}

// rawFold folds the raw, per-row fingerprints in ordinal range
// [begin, end) by brute force. It backstops the level-indexed prefix
// walk for whatever short distance is left below the lowest level used,
// and is also how a new node's own cumulative is computed at write time.
func rawFold(q queryer, id owner.ID, begin, end int) (fingerprint.Fingerprint, int, error) {
	rows, err := ordinalRangeQ(q, id, begin, end)
	if err != nil {
		return fingerprint.Zero, 0, err
	}
	fp := fingerprint.Zero
	for _, r := range rows {
		fp = fingerprint.XOR(fp, r.fingerprint())
	}
	return fp, len(rows), nil
}

// findLowerBoundQ returns the number of owner's rows ordered strictly
// before t, against either a plain connection or an open transaction.
func findLowerBoundQ(q queryer, id owner.ID, t hlc.Timestamp) (int, error) {
	tsBytes := t.Bytes()
	var count int
	err := q.Get(&count, `SELECT COUNT(*) FROM timestamps WHERE owner_id = ? AND t < ?`, id[:], tsBytes[:])
	if err != nil {
		return 0, fmt.Errorf("skipstore: find_lower_bound: %w", err)
	}
	return count, nil
}

// prefix computes the XOR fingerprint of owner's first target rows
// (ordinal range [0, target)) by descending the skiplist spine: at each
// level from MaxLevel down to 1, it repeatedly consumes the next node at
// that level as long as doing so would not overshoot target, using the
// node's cumulative count as a jump width, then drops a level. Whatever
// short distance remains below level 1 is folded raw. This is the
// standard augmented-skiplist prefix query, answering in roughly
// O(log n) indexed lookups instead of an O(n) row scan.
func prefix(q queryer, id owner.ID, target int) (fingerprint.Fingerprint, error) {
	if target <= 0 {
		return fingerprint.Zero, nil
	}

	fp := fingerprint.Zero
	ordinal := 0
	cursor := []byte{}

	for level := MaxLevel; level >= 1; level-- {
		for {
			node, ok, err := nextLevelNode(q, id, level, cursor)
			if err != nil {
				return fingerprint.Zero, err
			}
			if !ok || ordinal+node.C > target {
				break
			}
			fp = fingerprint.XOR(fp, node.fingerprint())
			ordinal += node.C
			cursor = node.T
		}
	}

	tail, _, err := rawFold(q, id, ordinal, target)
	if err != nil {
		return fingerprint.Zero, err
	}
	return fingerprint.XOR(fp, tail), nil
}

// Fingerprint returns the XOR fingerprint of owner's rows in ordinal
// range [begin, end), computed as prefix(end) XOR prefix(begin) — valid
// because XOR is its own inverse, so the prefix up to begin cancels out
// of the prefix up to end, leaving exactly the rows in between.
func (s *Store) Fingerprint(id owner.ID, begin, end int) (fingerprint.Fingerprint, error) {
	upTo, err := prefix(s.db.Conn, id, end)
	if err != nil {
		return fingerprint.Zero, err
	}
	upToBegin, err := prefix(s.db.Conn, id, begin)
	if err != nil {
		return fingerprint.Zero, err
	}
	return fingerprint.XOR(upTo, upToBegin), nil
}

// Bucket is one fingerprinted sub-range produced by FingerprintRanges: the
// fingerprint of the ordinal span up to (but not including) UpperBound.
type Bucket struct {
	Fingerprint fingerprint.Fingerprint
	UpperBound  hlc.Timestamp
}

// FingerprintRanges computes the fingerprint of each bucket boundary
// within ordinal range [begin, end), where bucketBoundaries holds the
// strictly increasing ordinal positions closing every bucket except the
// last, whose upper bound is always InfiniteUpperBound.
func (s *Store) FingerprintRanges(id owner.ID, begin, end int, bucketBoundaries []int) ([]Bucket, error) {
	rows, err := s.ordinalRange(id, begin, end)
	if err != nil {
		return nil, err
	}

	checkpoints := make([]int, 0, len(bucketBoundaries)+2)
	checkpoints = append(checkpoints, begin)
	checkpoints = append(checkpoints, bucketBoundaries...)
	checkpoints = append(checkpoints, end)

	prefixes := make([]fingerprint.Fingerprint, len(checkpoints))
	for i, c := range checkpoints {
		p, err := prefix(s.db.Conn, id, c)
		if err != nil {
			return nil, err
		}
		prefixes[i] = p
	}

	buckets := make([]Bucket, 0, len(checkpoints)-1)
	for i := 0; i < len(checkpoints)-1; i++ {
		hi := checkpoints[i+1]
		fp := fingerprint.XOR(prefixes[i+1], prefixes[i])
		upper := InfiniteUpperBound
		if hi-begin < len(rows) {
			upper = rows[hi-begin].timestamp()
		}
		buckets = append(buckets, Bucket{Fingerprint: fp, UpperBound: upper})
	}
	return buckets, nil
}

// FindLowerBound returns the smallest ordinal index i in [begin, end] such
// that the timestamp at position i is >= upperBound (or end, if none is).
func (s *Store) FindLowerBound(id owner.ID, begin, end int, upperBound hlc.Timestamp) (int, error) {
	count, err := findLowerBoundQ(s.db.Conn, id, upperBound)
	if err != nil {
		return 0, err
	}
	if count < begin {
		return begin, nil
	}
	if count > end {
		return end, nil
	}
	return count, nil
}

// Iterate calls fn for every timestamp in ordinal range [begin, end) of
// owner's set, in ascending order, stopping early if fn returns false.
func (s *Store) Iterate(id owner.ID, begin, end int, fn func(ordinal int, t hlc.Timestamp) bool) error {
	rows, err := s.ordinalRange(id, begin, end)
	if err != nil {
		return err
	}
	for i, r := range rows {
		if !fn(begin+i, r.timestamp()) {
			break
		}
	}
	return nil
}

// ReadDbChange returns the encrypted change stored for (owner, t).
func (s *Store) ReadDbChange(id owner.ID, t hlc.Timestamp) (changeset.EncryptedDbChange, error) {
	tsBytes := t.Bytes()
	var ciphertext []byte
	err := s.db.Conn.Get(&ciphertext,
		`SELECT ciphertext FROM changes WHERE owner_id = ? AND t = ?`,
		id[:], tsBytes[:])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("skipstore: read_db_change: %w", sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("skipstore: read_db_change: %w", err)
	}
	return changeset.EncryptedDbChange(ciphertext), nil
}

// ValidateWriteKey reports whether key matches the owner's registered
// write key. An owner with no registered key accepts any key on its first
// write (set_write_key is expected to run first in practice, but this
// keeps the check total).
func (s *Store) ValidateWriteKey(id owner.ID, key owner.WriteKey) (bool, error) {
	var stored []byte
	err := s.db.Conn.Get(&stored, `SELECT write_key FROM write_keys WHERE owner_id = ?`, id[:])
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("skipstore: validate_write_key: %w", err)
	}
	return string(stored) == string(key[:]), nil
}

// SetWriteKey registers owner's current write key, replacing any prior one.
func (s *Store) SetWriteKey(id owner.ID, key owner.WriteKey) error {
	_, err := s.db.Conn.Exec(
		`INSERT INTO write_keys (owner_id, write_key) VALUES (?, ?)
		 ON CONFLICT (owner_id) DO UPDATE SET write_key = excluded.write_key`,
		id[:], key[:])
	if err != nil {
		return fmt.Errorf("skipstore: set_write_key: %w", err)
	}
	return nil
}

// WriteMessages persists each message's encrypted change and timestamp
// for owner inside a single transaction. A message whose timestamp is
// already present is a no-op, making the call idempotent: a peer that
// resends a range after a dropped connection does not corrupt state.
func (s *Store) WriteMessages(id owner.ID, msgs []changeset.EncryptedCrdtMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Conn.Beginx()
	if err != nil {
		return fmt.Errorf("skipstore: write_messages: begin: %w", err)
	}
	defer tx.Rollback()

	cache := s.cache.findOrCreate(id)
	if err := s.ensureSeeded(tx, id, cache); err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := s.writeOne(tx, id, msg, cache); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("skipstore: write_messages: commit: %w", err)
	}
	return nil
}

// writeOne inserts one message's timestamp and change, maintaining the
// skiplist_levels spine with whichever of the three §4.6 strategies
// matches where t falls relative to the owner's current range: append
// only ever creates t's own nodes, prepend also absorbs t into every
// existing head above its own height, and insert additionally detaches
// the span t's own nodes now claim from whatever node used to own it.
func (s *Store) writeOne(tx *sqlx.Tx, id owner.ID, msg changeset.EncryptedCrdtMessage, cache *ownerRange) error {
	tsBytes := msg.Timestamp.Bytes()

	var exists int
	err := tx.Get(&exists, `SELECT COUNT(*) FROM timestamps WHERE owner_id = ? AND t = ?`, id[:], tsBytes[:])
	if err != nil {
		return fmt.Errorf("skipstore: write_messages: exists check: %w", err)
	}
	if exists > 0 {
		return nil
	}

	rawFP := fingerprint.Of(tsBytes[:])
	level := assignLevel()
	strat := cache.classify(msg.Timestamp)

	newOrdinal, err := findLowerBoundQ(tx, id, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("skipstore: write_messages: ordinal: %w", err)
	}

	switch strat {
	case strategyAppend:
		err = s.appendLevels(tx, id, tsBytes[:], rawFP, level, newOrdinal)
	case strategyPrepend:
		err = s.prependLevels(tx, id, tsBytes[:], rawFP, level)
	default:
		err = s.insertLevels(tx, id, tsBytes[:], rawFP, level, newOrdinal)
	}
	if err != nil {
		return fmt.Errorf("skipstore: write_messages: maintain levels: %w", err)
	}
	log.Debugf("skipstore: write_messages: %s strategy (level %d) for owner %s", strat, level, id)

	h1, h2 := rawFP.Halves()
	_, err = tx.Exec(
		`INSERT INTO timestamps (owner_id, t, h1, h2, c, level) VALUES (?, ?, ?, ?, 1, ?)`,
		id[:], tsBytes[:], int64(h1), int64(h2), level)
	if err != nil {
		return fmt.Errorf("skipstore: write_messages: insert timestamp: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO changes (owner_id, t, ciphertext) VALUES (?, ?, ?)`,
		id[:], tsBytes[:], []byte(msg.Change))
	if err != nil {
		return fmt.Errorf("skipstore: write_messages: insert change: %w", err)
	}

	cache.observe(msg.Timestamp)
	return nil
}
