// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package owner derives the OwnerId / EncryptionKey / WriteKey triple
// that partitions every stored row, CRDT message, and relay record, and
// manages the BIP-39 mnemonic an AppOwner's secret is backed up as.
package owner

import (
	"crypto/rand"
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"github.com/evoluhq/evolu-go/pkg/evolucrypto"
	"github.com/evoluhq/evolu-go/pkg/wire"
)

// ID is a 16-byte owner identifier; its textual form is a 21-character
// URL-safe string (see pkg/wire.EncodeID).
type ID [16]byte

// String renders the owner id in its 21-character textual form.
func (id ID) String() string {
	return wire.EncodeID(id)
}

// ParseID parses the 21-character textual form back into an ID.
func ParseID(s string) (ID, error) {
	b, err := wire.DecodeID(s)
	if err != nil {
		return ID{}, fmt.Errorf("owner: invalid owner id: %w", err)
	}
	return ID(b), nil
}

// WriteKey is a rotatable 16-byte token proving authorization to persist
// changes for an owner.
type WriteKey [16]byte

// Mnemonic wraps a BIP-39 mnemonic phrase backing an AppOwner's secret.
type Mnemonic string

// AppOwner is the primary owner of a device's database.
type AppOwner struct {
	ID            ID
	EncryptionKey [32]byte
	WriteKey      WriteKey
	Mnemonic      *Mnemonic
}

// ShardOwner partitions a subset of an AppOwner's data, deterministically
// derived so every device holding the same path reconstructs it.
type ShardOwner struct {
	ID            ID
	EncryptionKey [32]byte
	WriteKey      WriteKey
}

// SharedOwner is used for collaboration: a second party holds the full
// triple and can write.
type SharedOwner struct {
	ID            ID
	EncryptionKey [32]byte
	WriteKey      WriteKey
}

// SharedReadonlyOwner is a collaborator granted read access only — it
// carries no WriteKey, so it can decrypt but never produce a valid
// Request with write authorization.
type SharedReadonlyOwner struct {
	ID            ID
	EncryptionKey [32]byte
}

// PathSegment is one label of a shard derivation path — either a string
// or an integer, matching the specification's `string | int` segments.
type PathSegment struct {
	Str string
	Int int64
	// IsInt distinguishes an integer segment (encoded as its decimal
	// string form) from an explicit string segment "0", which would
	// otherwise be indistinguishable.
	IsInt bool
}

func (p PathSegment) label() string {
	if p.IsInt {
		return fmt.Sprintf("%d", p.Int)
	}
	return p.Str
}

func deriveTriple(secret []byte) (id ID, encKey [32]byte, wk WriteKey) {
	idNode := evolucrypto.Slip21Path(secret, "Evolu", "OwnerIdBytes")
	copy(id[:], idNode[:16])

	encNode := evolucrypto.Slip21Path(secret, "Evolu", "OwnerEncryptionKey")
	encKey = evolucrypto.Slip21Key(encNode)

	wkNode := evolucrypto.Slip21Path(secret, "Evolu", "OwnerWriteKey")
	copy(wk[:], wkNode[:16])

	return id, encKey, wk
}

// NewAppOwner derives an AppOwner's ID/EncryptionKey/WriteKey from a
// 32-byte secret and records its BIP-39 mnemonic encoding.
func NewAppOwner(secret [32]byte) (*AppOwner, error) {
	mnemonic, err := bip39.NewMnemonic(secret[:])
	if err != nil {
		return nil, fmt.Errorf("owner: bip39 mnemonic: %w", err)
	}

	id, encKey, wk := deriveTriple(secret[:])
	m := Mnemonic(mnemonic)
	return &AppOwner{ID: id, EncryptionKey: encKey, WriteKey: wk, Mnemonic: &m}, nil
}

// AppOwnerFromMnemonic reconstructs an AppOwner's secret, and in turn its
// derived keys, from a BIP-39 mnemonic phrase.
func AppOwnerFromMnemonic(mnemonic Mnemonic) (*AppOwner, error) {
	if !bip39.IsMnemonicValid(string(mnemonic)) {
		return nil, fmt.Errorf("owner: invalid mnemonic")
	}

	secret, err := bip39.MnemonicToByteArray(string(mnemonic), true)
	if err != nil {
		return nil, fmt.Errorf("owner: mnemonic to entropy: %w", err)
	}

	var secretArr [32]byte
	if len(secret) != 32 {
		return nil, fmt.Errorf("owner: expected 32-byte secret, got %d bytes", len(secret))
	}
	copy(secretArr[:], secret)

	id, encKey, wk := deriveTriple(secretArr[:])
	m := mnemonic
	return &AppOwner{ID: id, EncryptionKey: encKey, WriteKey: wk, Mnemonic: &m}, nil
}

// NewOwnerSecret generates a fresh random 32-byte OwnerSecret.
func NewOwnerSecret() ([32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, fmt.Errorf("owner: rand.Read: %w", err)
	}
	return secret, nil
}

// DeriveShardOwner derives a ShardOwner deterministically from app's
// encryption key and a caller-supplied path, so every device
// reconstructing the same path arrives at the same shard.
func DeriveShardOwner(app *AppOwner, path []PathSegment) (*ShardOwner, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("owner: shard derivation path must not be empty")
	}

	labels := make([]string, 0, len(path)+1)
	labels = append(labels, "EvoluShard")
	for _, seg := range path {
		labels = append(labels, seg.label())
	}

	idNode := evolucrypto.Slip21Path(app.EncryptionKey[:], append(append([]string{}, labels...), "OwnerIdBytes")...)
	encNode := evolucrypto.Slip21Path(app.EncryptionKey[:], append(append([]string{}, labels...), "OwnerEncryptionKey")...)
	wkNode := evolucrypto.Slip21Path(app.EncryptionKey[:], append(append([]string{}, labels...), "OwnerWriteKey")...)

	var id ID
	copy(id[:], idNode[:16])
	encKey := evolucrypto.Slip21Key(encNode)
	var wk WriteKey
	copy(wk[:], wkNode[:16])

	return &ShardOwner{ID: id, EncryptionKey: encKey, WriteKey: wk}, nil
}

// NewWriteKey returns a fresh 16-byte WriteKey for rotation. The caller
// is responsible for persisting it as the owner's current WriteKey.
func NewWriteKey() (WriteKey, error) {
	var wk WriteKey
	if _, err := rand.Read(wk[:]); err != nil {
		return wk, fmt.Errorf("owner: rand.Read: %w", err)
	}
	return wk, nil
}

// ReadonlyOf strips the WriteKey from a SharedOwner, producing the
// read-only variant handed to collaborators without write access.
func ReadonlyOf(shared *SharedOwner) *SharedReadonlyOwner {
	return &SharedReadonlyOwner{ID: shared.ID, EncryptionKey: shared.EncryptionKey}
}
