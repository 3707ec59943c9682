// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package evolucrypto implements the cryptographic primitives the sync
// protocol relies on: SHA-256 hashing, XChaCha20-Poly1305 AEAD, SLIP-21
// key derivation, and PADMÉ length-hiding padding.
package evolucrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when AEAD authentication fails — either the
// ciphertext was tampered with or the key/nonce is wrong. It never
// distinguishes which, matching XChaCha20-Poly1305's design.
var ErrDecrypt = errors.New("evolucrypto: decryption failed")

// SHA256 hashes b and returns the 32-byte digest.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// NonceSize is the XChaCha20-Poly1305 nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// Random fills and returns n cryptographically secure random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("evolucrypto: rand.Read: %w", err)
	}
	return b, nil
}

// Encrypt seals plaintext under key with a freshly generated random nonce,
// returning (nonce, ciphertext). key must be 32 bytes.
func Encrypt(plaintext []byte, key [32]byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("evolucrypto: new AEAD: %w", err)
	}

	nonce, err = Random(NonceSize)
	if err != nil {
		return nil, nil, err
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext under key and nonce, returning ErrDecrypt on
// any authentication failure.
func Decrypt(ciphertext, nonce []byte, key [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("evolucrypto: new AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
