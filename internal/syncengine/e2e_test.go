// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/protocol"
	"github.com/evoluhq/evolu-go/internal/skipstore"
)

// seedMessages builds n distinct, strictly-increasing-timestamp encrypted
// messages and, unless skip reports true for an index, writes them
// directly into store — simulating data a peer already holds locally
// before a sync round begins.
func seedMessages(t *testing.T, store *skipstore.Store, id owner.ID, n int, skip func(i int) bool) {
	t.Helper()
	var msgs []changeset.EncryptedCrdtMessage
	for i := 0; i < n; i++ {
		if skip != nil && skip(i) {
			continue
		}
		ts := hlc.Timestamp{Millis: uint64(1_700_000_000_000 + i), NodeID: [8]byte{1}}
		enc := changeset.EncryptedDbChange(fmt.Sprintf("change-%d", i))
		msgs = append(msgs, changeset.EncryptedCrdtMessage{Timestamp: ts, Change: enc})
	}
	require.NoError(t, store.WriteMessages(id, msgs))
}

// driveSync runs the initiator/responder round trip to completion,
// failing the test if it has not converged within a generous round cap —
// the quantified bound from §8 is O(log N), so any reasonable N here
// should finish in well under maxRounds.
func driveSync(t *testing.T, initiator, responder *Engine, id owner.ID, writeKeyFor WriteKeyFor, hasWriteKey bool, writeKey owner.WriteKey) int {
	t.Helper()
	const maxRounds = 64

	req, err := initiator.BuildInitialRequest(id, hasWriteKey, writeKey, protocol.SubscriptionNone)
	require.NoError(t, err)

	rounds := 0
	for {
		rounds++
		require.Less(t, rounds, maxRounds, "sync did not converge")

		resp, err := responder.ApplyAsResponder(req, nil, nil)
		require.NoError(t, err)

		outcome, err := initiator.ApplyAsInitiator(resp, writeKeyFor)
		require.NoError(t, err)
		if outcome.Kind != OutcomeRequest {
			break
		}
		req = outcome.Request
	}
	return rounds
}

func requireConverged(t *testing.T, initiator, responder *Engine, id owner.ID) {
	t.Helper()
	iSize, err := initiator.store.GetSize(id)
	require.NoError(t, err)
	rSize, err := responder.store.GetSize(id)
	require.NoError(t, err)
	require.Equal(t, iSize, rSize, "both sides must end up holding the same number of messages")

	iFp, err := initiator.store.Fingerprint(id, 0, iSize)
	require.NoError(t, err)
	rFp, err := responder.store.Fingerprint(id, 0, rSize)
	require.NoError(t, err)
	require.Equal(t, iFp, rFp, "both sides must end up holding the same set of messages")
}

func TestE2EEmptyEmptySyncConverges(t *testing.T) {
	initiator := newTestEngine(t)
	responder := newTestEngine(t)
	var id owner.ID
	id[0] = 1

	noKey := func(owner.ID) (owner.WriteKey, bool) { return owner.WriteKey{}, false }
	rounds := driveSync(t, initiator, responder, id, noKey, false, owner.WriteKey{})
	require.LessOrEqual(t, rounds, 2)
	requireConverged(t, initiator, responder, id)
}

func TestE2EClientHas31MessagesRelayHasNone(t *testing.T) {
	initiator := newTestEngine(t)
	responder := newTestEngine(t)
	var id owner.ID
	id[0] = 2
	var wk owner.WriteKey
	wk[0] = 0x11
	require.NoError(t, responder.store.SetWriteKey(id, wk))

	seedMessages(t, initiator.store, id, 31, nil)

	withKey := func(owner.ID) (owner.WriteKey, bool) { return wk, true }
	driveSync(t, initiator, responder, id, withKey, true, wk)
	requireConverged(t, initiator, responder, id)

	size, err := responder.store.GetSize(id)
	require.NoError(t, err)
	require.Equal(t, 31, size)
}

func TestE2EClientHas32MessagesRelayHasNone(t *testing.T) {
	initiator := newTestEngine(t)
	responder := newTestEngine(t)
	var id owner.ID
	id[0] = 3
	var wk owner.WriteKey
	wk[0] = 0x22
	require.NoError(t, responder.store.SetWriteKey(id, wk))

	seedMessages(t, initiator.store, id, 32, nil)

	withKey := func(owner.ID) (owner.WriteKey, bool) { return wk, true }
	driveSync(t, initiator, responder, id, withKey, true, wk)
	requireConverged(t, initiator, responder, id)

	size, err := responder.store.GetSize(id)
	require.NoError(t, err)
	require.Equal(t, 32, size)
}

func TestE2ERandomSplitOfUniverseConverges(t *testing.T) {
	initiator := newTestEngine(t)
	responder := newTestEngine(t)
	var id owner.ID
	id[0] = 4
	var wk owner.WriteKey
	wk[0] = 0x33
	require.NoError(t, responder.store.SetWriteKey(id, wk))
	require.NoError(t, initiator.store.SetWriteKey(id, wk))

	// Partition the universe so every index lands on exactly one side —
	// a true half-half split, not independent coin flips that could
	// leave a gap neither side ever seeds.
	const universe = 500
	rng := rand.New(rand.NewPCG(1, 2))
	onInitiator := make([]bool, universe)
	for i := range onInitiator {
		onInitiator[i] = rng.IntN(2) == 0
	}
	seedMessages(t, initiator.store, id, universe, func(i int) bool { return !onInitiator[i] })
	seedMessages(t, responder.store, id, universe, func(i int) bool { return onInitiator[i] })

	withKey := func(owner.ID) (owner.WriteKey, bool) { return wk, true }
	driveSync(t, initiator, responder, id, withKey, true, wk)
	requireConverged(t, initiator, responder, id)

	size, err := responder.store.GetSize(id)
	require.NoError(t, err)
	require.Equal(t, universe, size)
}

func TestE2EInvalidWriteKeyLeavesStorageUnchanged(t *testing.T) {
	initiator := newTestEngine(t)
	responder := newTestEngine(t)
	var id owner.ID
	id[0] = 5
	var correctKey, bogusKey owner.WriteKey
	correctKey[0] = 0x44
	bogusKey[0] = 0x55
	require.NoError(t, responder.store.SetWriteKey(id, correctKey))

	seedMessages(t, initiator.store, id, 1, nil)

	withBogusKey := func(owner.ID) (owner.WriteKey, bool) { return bogusKey, true }
	req, err := initiator.BuildInitialRequest(id, true, bogusKey, protocol.SubscriptionNone)
	require.NoError(t, err)

	// HasWriteKey is already set on round one, so the responder rejects
	// the mismatch immediately — it never reaches range reconciliation.
	resp, err := responder.ApplyAsResponder(req, nil, nil)
	require.NoError(t, err)
	decoded, err := protocol.Decode(resp)
	require.NoError(t, err)
	require.Equal(t, protocol.ErrorWriteKey, decoded.Error)

	_, err = initiator.ApplyAsInitiator(resp, withBogusKey)
	require.Error(t, err)
	var writeKeyErr *WriteKeyError
	require.ErrorAs(t, err, &writeKeyErr)

	size, err := responder.store.GetSize(id)
	require.NoError(t, err)
	require.Equal(t, 0, size, "a rejected write key must not persist anything")
}
