// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skipstore

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/storage"
	"github.com/evoluhq/evolu-go/pkg/fingerprint"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "evolu.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func ts(millis uint64, counter uint16) hlc.Timestamp {
	return hlc.Timestamp{Millis: millis, Counter: counter, NodeID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
}

func msg(t hlc.Timestamp, payload string) changeset.EncryptedCrdtMessage {
	return changeset.EncryptedCrdtMessage{Timestamp: t, Change: changeset.EncryptedDbChange([]byte(payload))}
}

func TestWriteMessagesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0xAB

	m := msg(ts(1000, 0), "ciphertext-a")
	require.NoError(t, s.WriteMessages(id, []changeset.EncryptedCrdtMessage{m}))
	require.NoError(t, s.WriteMessages(id, []changeset.EncryptedCrdtMessage{m}))

	size, err := s.GetSize(id)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestWriteMessagesOrdersByTimestamp(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x01

	msgs := []changeset.EncryptedCrdtMessage{
		msg(ts(3000, 0), "c"),
		msg(ts(1000, 0), "a"),
		msg(ts(2000, 0), "b"),
	}
	require.NoError(t, s.WriteMessages(id, msgs))

	var got []hlc.Timestamp
	err := s.Iterate(id, 0, 3, func(_ int, t hlc.Timestamp) bool {
		got = append(got, t)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []hlc.Timestamp{ts(1000, 0), ts(2000, 0), ts(3000, 0)}, got)
}

func TestFingerprintXorsToWholeRange(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x02

	msgs := []changeset.EncryptedCrdtMessage{
		msg(ts(1000, 0), "a"),
		msg(ts(2000, 0), "b"),
		msg(ts(3000, 0), "c"),
		msg(ts(4000, 0), "d"),
	}
	require.NoError(t, s.WriteMessages(id, msgs))

	whole, err := s.Fingerprint(id, 0, 4)
	require.NoError(t, err)

	left, err := s.Fingerprint(id, 0, 2)
	require.NoError(t, err)
	right, err := s.Fingerprint(id, 2, 4)
	require.NoError(t, err)

	require.Equal(t, whole, fingerprint.XOR(left, right))
	require.False(t, whole.IsZero())
}

func TestFingerprintEmptyRangeIsZero(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	fp, err := s.Fingerprint(id, 0, 0)
	require.NoError(t, err)
	require.True(t, fp.IsZero())
}

func TestFindLowerBound(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x03

	msgs := []changeset.EncryptedCrdtMessage{
		msg(ts(1000, 0), "a"),
		msg(ts(2000, 0), "b"),
		msg(ts(3000, 0), "c"),
	}
	require.NoError(t, s.WriteMessages(id, msgs))

	idx, err := s.FindLowerBound(id, 0, 3, ts(2000, 0))
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	idx, err = s.FindLowerBound(id, 0, 3, ts(500, 0))
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	idx, err = s.FindLowerBound(id, 0, 3, ts(9000, 0))
	require.NoError(t, err)
	require.Equal(t, 3, idx)
}

func TestReadDbChangeRoundTrips(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x04

	t1 := ts(1000, 0)
	require.NoError(t, s.WriteMessages(id, []changeset.EncryptedCrdtMessage{msg(t1, "payload")}))

	got, err := s.ReadDbChange(id, t1)
	require.NoError(t, err)
	require.Equal(t, changeset.EncryptedDbChange("payload"), got)
}

// rawLevelNode scans one skiplist_levels row, including the level column
// prevLevelNode/nextLevelNode already filter on.
type rawLevelNode struct {
	Level int    `db:"level"`
	T     []byte `db:"t"`
	H1    int64  `db:"h1"`
	H2    int64  `db:"h2"`
	C     int    `db:"c"`
}

// TestSkiplistCumulativeInvariant writes a randomized append/prepend/insert
// mix of timestamps, then checks the literal §3.4/§4.6 invariant: every
// skiplist_levels node's (h1,h2,c) equals the XOR and count of the raw,
// per-row fingerprints spanning from the previous node at that same level
// (exclusive) up to the node itself (inclusive), reconstructed straight
// from the unchanged timestamps table.
func TestSkiplistCumulativeInvariant(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x06

	const n = 300
	millis := make([]uint64, n)
	for i := range millis {
		millis[i] = uint64(1000 * (i + 1))
	}
	rng := rand.New(rand.NewPCG(7, 11))
	rng.Shuffle(n, func(i, j int) { millis[i], millis[j] = millis[j], millis[i] })

	for i, m := range millis {
		require.NoError(t, s.WriteMessages(id, []changeset.EncryptedCrdtMessage{msg(ts(m, 0), fmt.Sprintf("c-%d", i))}))
	}

	var rows []rawLevelNode
	require.NoError(t, s.db.Conn.Select(&rows,
		`SELECT level, t, h1, h2, c FROM skiplist_levels WHERE owner_id = ? ORDER BY level, t`, id[:]))
	require.NotEmpty(t, rows, "300 random inserts should produce at least one node above level 0")

	for _, row := range rows {
		node := levelNode{T: row.T, H1: row.H1, H2: row.H2, C: row.C}

		prev, hasPrev, err := prevLevelNode(s.db.Conn, id, row.Level, row.T)
		require.NoError(t, err)
		start := 0
		if hasPrev {
			pos, err := findLowerBoundQ(s.db.Conn, id, prev.timestamp())
			require.NoError(t, err)
			start = pos + 1
		}
		end, err := findLowerBoundQ(s.db.Conn, id, node.timestamp())
		require.NoError(t, err)
		end++ // inclusive of the node's own row

		wantFP, wantCount, err := rawFold(s.db.Conn, id, start, end)
		require.NoError(t, err)
		require.Equal(t, wantCount, node.C, "level %d node at ordinal %d: count mismatch", row.Level, end-1)
		require.Equal(t, wantFP, node.fingerprint(), "level %d node at ordinal %d: fingerprint mismatch", row.Level, end-1)
	}
}

// TestFingerprintMatchesBruteForceOverRandomInserts guards the prefix()
// read path: Fingerprint must agree with a brute-force raw fold over the
// same ordinal span regardless of how many skiplist_levels nodes the
// write path happened to create.
func TestFingerprintMatchesBruteForceOverRandomInserts(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x07

	const n = 150
	millis := make([]uint64, n)
	for i := range millis {
		millis[i] = uint64(1000 * (i + 1))
	}
	rng := rand.New(rand.NewPCG(3, 5))
	rng.Shuffle(n, func(i, j int) { millis[i], millis[j] = millis[j], millis[i] })

	for i, m := range millis {
		require.NoError(t, s.WriteMessages(id, []changeset.EncryptedCrdtMessage{msg(ts(m, 0), fmt.Sprintf("c-%d", i))}))
	}

	for _, span := range [][2]int{{0, n}, {0, n / 2}, {n / 3, 2 * n / 3}, {n - 1, n}, {17, 17}} {
		got, err := s.Fingerprint(id, span[0], span[1])
		require.NoError(t, err)
		want, _, err := rawFold(s.db.Conn, id, span[0], span[1])
		require.NoError(t, err)
		require.Equal(t, want, got, "span [%d,%d)", span[0], span[1])
	}
}

func TestWriteKeyDefaultsOpenThenEnforced(t *testing.T) {
	s := newTestStore(t)
	var id owner.ID
	id[0] = 0x05
	var key owner.WriteKey
	key[0] = 0xAA

	ok, err := s.ValidateWriteKey(id, key)
	require.NoError(t, err)
	require.True(t, ok, "no registered key yet accepts anything")

	require.NoError(t, s.SetWriteKey(id, key))

	ok, err = s.ValidateWriteKey(id, key)
	require.NoError(t, err)
	require.True(t, ok)

	var wrong owner.WriteKey
	wrong[0] = 0xBB
	ok, err = s.ValidateWriteKey(id, wrong)
	require.NoError(t, err)
	require.False(t, ok)
}
