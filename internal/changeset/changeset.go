// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package changeset implements the authenticated-encryption codec that
// turns a DbChange into the ciphertext relays and peers exchange, with
// tamper-proof timestamp binding and length-hiding padding.
package changeset

import (
	"fmt"

	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/pkg/evolucrypto"
	"github.com/evoluhq/evolu-go/pkg/wire"
)

// ProtocolVersion is the current wire protocol version embedded in every
// encoded change.
const ProtocolVersion = 1

// DbChange records one row mutation.
type DbChange struct {
	Table     string
	ID        string // 21-char URL-safe identifier
	Values    map[string]wire.Value
	IsInsert  bool
	IsDelete  *bool
}

// CrdtMessage is the unit of replication: a timestamp paired with the
// change it orders.
type CrdtMessage struct {
	Timestamp hlc.Timestamp
	Change    DbChange
}

// EncryptedDbChange is the ciphertext form of a DbChange, ready for
// storage or the wire.
type EncryptedDbChange []byte

// EncryptedCrdtMessage is the on-the-wire sibling of CrdtMessage.
type EncryptedCrdtMessage struct {
	Timestamp hlc.Timestamp
	Change    EncryptedDbChange
}

// TimestampMismatchError is returned when the timestamp embedded in a
// decrypted change does not match the envelope it arrived under — this
// prevents a malicious relay from re-binding a ciphertext to a different
// timestamp.
type TimestampMismatchError struct {
	Expected, Actual hlc.Timestamp
}

func (e *TimestampMismatchError) Error() string {
	return fmt.Sprintf("changeset: embedded timestamp %+v does not match envelope timestamp %+v", e.Actual, e.Expected)
}

// InvalidDataError wraps a parse failure encountered while decoding a
// decrypted change.
type InvalidDataError struct {
	Cause error
}

func (e *InvalidDataError) Error() string { return fmt.Sprintf("changeset: invalid data: %v", e.Cause) }
func (e *InvalidDataError) Unwrap() error { return e.Cause }

func encodePlaintext(msg CrdtMessage) ([]byte, error) {
	buf := wire.NewBuffer(nil)
	wire.EncodeVarint(buf, ProtocolVersion)

	tsBytes := msg.Timestamp.Bytes()
	buf.Extend(tsBytes[:])

	hasIsDelete := msg.Change.IsDelete != nil
	isDeleteValue := hasIsDelete && *msg.Change.IsDelete
	if err := wire.EncodeFlags(buf, []bool{msg.Change.IsInsert, hasIsDelete, isDeleteValue}); err != nil {
		return nil, err
	}

	wire.EncodeString(buf, msg.Change.Table)

	id, err := wire.DecodeID(msg.Change.ID)
	if err != nil {
		return nil, fmt.Errorf("changeset: invalid row id: %w", err)
	}
	buf.Extend(id[:])

	wire.EncodeVarint(buf, uint64(len(msg.Change.Values)))
	for col, val := range msg.Change.Values {
		wire.EncodeString(buf, col)
		if err := wire.EncodeValue(buf, val); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodePlaintext(plaintext []byte) (hlc.Timestamp, DbChange, error) {
	buf := wire.NewBuffer(plaintext)

	if _, err := wire.DecodeVarint(buf); err != nil {
		return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: version: %w", err)
	}

	tsBytes, err := buf.ShiftN(16)
	if err != nil {
		return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: timestamp: %w", err)
	}
	var tsArr [16]byte
	copy(tsArr[:], tsBytes)
	ts := hlc.FromBytes(tsArr)

	flags, err := wire.DecodeFlags(buf, 3)
	if err != nil {
		return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: flags: %w", err)
	}
	isInsert, hasIsDelete, isDeleteValue := flags[0], flags[1], flags[2]

	table, err := wire.DecodeString(buf)
	if err != nil {
		return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: table: %w", err)
	}

	idBytes, err := buf.ShiftN(16)
	if err != nil {
		return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: id: %w", err)
	}
	var idArr [16]byte
	copy(idArr[:], idBytes)
	id := wire.EncodeID(idArr)

	n, err := wire.DecodeLength(buf)
	if err != nil {
		return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: n_values: %w", err)
	}

	values := make(map[string]wire.Value, n)
	for i := 0; i < n; i++ {
		col, err := wire.DecodeString(buf)
		if err != nil {
			return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: column %d: %w", i, err)
		}
		val, err := wire.DecodeValue(buf)
		if err != nil {
			return hlc.Timestamp{}, DbChange{}, fmt.Errorf("changeset: value for %q: %w", col, err)
		}
		values[col] = val
	}

	change := DbChange{Table: table, ID: id, Values: values, IsInsert: isInsert}
	if hasIsDelete {
		v := isDeleteValue
		change.IsDelete = &v
	}
	return ts, change, nil
}

// EncodeAndEncrypt encodes msg's change and timestamp, pads the plaintext
// with PADMÉ padding, and seals it under encryptionKey with a fresh
// random nonce. Final wire layout: nonce ‖ varint(len(ciphertext)) ‖ ciphertext.
func EncodeAndEncrypt(msg CrdtMessage, encryptionKey [32]byte) (EncryptedDbChange, error) {
	plaintext, err := encodePlaintext(msg)
	if err != nil {
		return nil, err
	}

	padded := evolucrypto.PadTo(plaintext)

	nonce, ciphertext, err := evolucrypto.Encrypt(padded, encryptionKey)
	if err != nil {
		return nil, err
	}

	out := wire.NewBuffer(nil)
	out.Extend(nonce)
	wire.EncodeLength(out, len(ciphertext))
	out.Extend(ciphertext)
	return EncryptedDbChange(out.Bytes()), nil
}

// DecryptAndDecode decrypts enc.Change under encryptionKey and decodes the
// resulting plaintext into a DbChange, verifying that the timestamp
// embedded in the plaintext matches enc.Timestamp.
func DecryptAndDecode(enc EncryptedCrdtMessage, encryptionKey [32]byte) (DbChange, error) {
	buf := wire.NewBuffer([]byte(enc.Change))

	nonce, err := buf.ShiftN(evolucrypto.NonceSize)
	if err != nil {
		return DbChange{}, &InvalidDataError{Cause: err}
	}

	ciphertextLen, err := wire.DecodeLength(buf)
	if err != nil {
		return DbChange{}, &InvalidDataError{Cause: err}
	}

	ciphertext, err := buf.ShiftN(ciphertextLen)
	if err != nil {
		return DbChange{}, &InvalidDataError{Cause: err}
	}

	plaintext, err := evolucrypto.Decrypt(ciphertext, nonce, encryptionKey)
	if err != nil {
		return DbChange{}, err // evolucrypto.ErrDecrypt, surfaced as-is
	}

	embeddedTs, change, err := decodePlaintext(plaintext)
	if err != nil {
		return DbChange{}, &InvalidDataError{Cause: err}
	}

	if embeddedTs != enc.Timestamp {
		return DbChange{}, &TimestampMismatchError{Expected: enc.Timestamp, Actual: embeddedTs}
	}

	return change, nil
}
