// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package owner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppOwnerIsDeterministicOverSecret(t *testing.T) {
	secret, err := NewOwnerSecret()
	require.NoError(t, err)

	a, err := NewAppOwner(secret)
	require.NoError(t, err)
	b, err := NewAppOwner(secret)
	require.NoError(t, err)

	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.EncryptionKey, b.EncryptionKey)
	require.Equal(t, a.WriteKey, b.WriteKey)
}

func TestDifferentSecretsProduceDifferentOwners(t *testing.T) {
	s1, err := NewOwnerSecret()
	require.NoError(t, err)
	s2, err := NewOwnerSecret()
	require.NoError(t, err)

	a, err := NewAppOwner(s1)
	require.NoError(t, err)
	b, err := NewAppOwner(s2)
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
}

func TestOwnerIDTextualRoundTrip(t *testing.T) {
	secret, err := NewOwnerSecret()
	require.NoError(t, err)
	app, err := NewAppOwner(secret)
	require.NoError(t, err)

	s := app.ID.String()
	require.Len(t, s, 21)

	parsed, err := ParseID(s)
	require.NoError(t, err)
	require.Equal(t, app.ID, parsed)
}

func TestAppOwnerFromMnemonicReconstructsSameOwner(t *testing.T) {
	secret, err := NewOwnerSecret()
	require.NoError(t, err)
	original, err := NewAppOwner(secret)
	require.NoError(t, err)
	require.NotNil(t, original.Mnemonic)

	restored, err := AppOwnerFromMnemonic(*original.Mnemonic)
	require.NoError(t, err)

	require.Equal(t, original.ID, restored.ID)
	require.Equal(t, original.EncryptionKey, restored.EncryptionKey)
	require.Equal(t, original.WriteKey, restored.WriteKey)
}

func TestDeriveShardOwnerIsDeterministic(t *testing.T) {
	secret, err := NewOwnerSecret()
	require.NoError(t, err)
	app, err := NewAppOwner(secret)
	require.NoError(t, err)

	path := []PathSegment{{Str: "notes"}, {Int: 3, IsInt: true}}
	a, err := DeriveShardOwner(app, path)
	require.NoError(t, err)
	b, err := DeriveShardOwner(app, path)
	require.NoError(t, err)

	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.EncryptionKey, b.EncryptionKey)
}

func TestDeriveShardOwnerDifferentPathsDiffer(t *testing.T) {
	secret, err := NewOwnerSecret()
	require.NoError(t, err)
	app, err := NewAppOwner(secret)
	require.NoError(t, err)

	a, err := DeriveShardOwner(app, []PathSegment{{Str: "notes"}})
	require.NoError(t, err)
	b, err := DeriveShardOwner(app, []PathSegment{{Str: "todos"}})
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
}

func TestReadonlyOfDropsWriteKey(t *testing.T) {
	shared := &SharedOwner{ID: ID{1}, EncryptionKey: [32]byte{2}, WriteKey: WriteKey{3}}
	ro := ReadonlyOf(shared)
	require.Equal(t, shared.ID, ro.ID)
	require.Equal(t, shared.EncryptionKey, ro.EncryptionKey)
}

func TestNewWriteKeyIsRandom(t *testing.T) {
	a, err := NewWriteKey()
	require.NoError(t, err)
	b, err := NewWriteKey()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
