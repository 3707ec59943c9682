// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package appschema

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/skipstore"
	"github.com/evoluhq/evolu-go/internal/storage"
	"github.com/evoluhq/evolu-go/pkg/log"
	"github.com/evoluhq/evolu-go/pkg/wire"
)

// Materializer decrypts newly-synced CrdtMessages for an owner and
// projects each column's last-write-winner into the host application
// tables a Reconciler keeps additively in sync. It is the client-side
// counterpart to skipstore, which never decrypts: a relay only ever
// brokers ciphertext, so materialization only ever runs where the
// owner's encryption key is held.
type Materializer struct {
	db *storage.DB
}

// NewMaterializer wraps db with change materialization. db must already
// carry the history and materialize_cursor tables (storage's embedded
// migrations).
func NewMaterializer(db *storage.DB) *Materializer {
	return &Materializer{db: db}
}

// ApplyNewChanges decrypts every CrdtMessage written for id since the
// last call, appends one history row per changed column, and upserts
// each column's current last-write-winner into its host table. It is
// idempotent: re-running it after a partial failure just re-derives the
// same winners from history, which INSERT OR IGNORE already deduplicates
// by (owner, table, row, column, timestamp).
func (m *Materializer) ApplyNewChanges(id owner.ID, encryptionKey [32]byte, store *skipstore.Store) error {
	size, err := store.GetSize(id)
	if err != nil {
		return fmt.Errorf("appschema: materialize: size: %w", err)
	}

	cursor, err := m.cursor(id)
	if err != nil {
		return err
	}

	begin, err := store.FindLowerBound(id, 0, size, cursor)
	if err != nil {
		return fmt.Errorf("appschema: materialize: lower bound: %w", err)
	}
	if cursor != (hlc.Timestamp{}) && begin < size {
		// FindLowerBound returns the cursor's own ordinal (t >= cursor
		// includes t == cursor); skip past it since it was already
		// applied by the call that saved this cursor.
		begin++
	}

	var applyErr error
	var lastApplied *hlc.Timestamp
	err = store.Iterate(id, begin, size, func(_ int, t hlc.Timestamp) bool {
		ciphertext, err := store.ReadDbChange(id, t)
		if err != nil {
			applyErr = fmt.Errorf("appschema: materialize: read change: %w", err)
			return false
		}

		change, err := changeset.DecryptAndDecode(changeset.EncryptedCrdtMessage{Timestamp: t, Change: ciphertext}, encryptionKey)
		if err != nil {
			applyErr = fmt.Errorf("appschema: materialize: decrypt: %w", err)
			return false
		}

		if err := m.applyChange(id, t, change); err != nil {
			applyErr = err
			return false
		}

		tCopy := t
		lastApplied = &tCopy
		return true
	})
	if err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}

	if lastApplied != nil {
		if err := m.saveCursor(id, *lastApplied); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) cursor(id owner.ID) (hlc.Timestamp, error) {
	var tBytes []byte
	err := m.db.Conn.Get(&tBytes, `SELECT t FROM materialize_cursor WHERE owner_id = ?`, id[:])
	if errors.Is(err, sql.ErrNoRows) {
		return hlc.Timestamp{}, nil
	}
	if err != nil {
		return hlc.Timestamp{}, fmt.Errorf("appschema: materialize: cursor: %w", err)
	}
	var arr [16]byte
	copy(arr[:], tBytes)
	return hlc.FromBytes(arr), nil
}

func (m *Materializer) saveCursor(id owner.ID, t hlc.Timestamp) error {
	tBytes := t.Bytes()
	_, err := m.db.Conn.Exec(
		`INSERT INTO materialize_cursor (owner_id, t) VALUES (?, ?)
		 ON CONFLICT (owner_id) DO UPDATE SET t = excluded.t`,
		id[:], tBytes[:])
	if err != nil {
		return fmt.Errorf("appschema: materialize: save cursor: %w", err)
	}
	return nil
}

// applyChange records every changed column of change into history and
// projects the resulting last-write-winner into the host table.
func (m *Materializer) applyChange(id owner.ID, t hlc.Timestamp, change changeset.DbChange) error {
	tx, err := m.db.Conn.Beginx()
	if err != nil {
		return fmt.Errorf("appschema: materialize: begin: %w", err)
	}
	defer tx.Rollback()

	tBytes := t.Bytes()
	columns := make(map[string]wire.Value, len(change.Values)+1)
	for col, val := range change.Values {
		columns[col] = val
	}
	if change.IsDelete != nil {
		deleted := int64(0)
		if *change.IsDelete {
			deleted = 1
		}
		columns[isDeletedColumn] = wire.Integer(deleted)
	}

	for col, val := range columns {
		encoded := wire.NewBuffer(nil)
		if err := wire.EncodeValue(encoded, val); err != nil {
			return fmt.Errorf("appschema: materialize: encode %q: %w", col, err)
		}
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO history (owner_id, table_name, row_id, column_name, t, value)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id[:], change.Table, change.ID, col, tBytes[:], encoded.Bytes())
		if err != nil {
			return fmt.Errorf("appschema: materialize: insert history: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (id) VALUES (?)`, quoteIdent(change.Table)), change.ID); err != nil {
		return fmt.Errorf("appschema: materialize: ensure row: %w", err)
	}

	for col := range columns {
		winner, err := lwwWinner(tx, id, change.Table, change.ID, col)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?`,
			quoteIdent(change.Table), quoteIdent(col)), winner, change.ID); err != nil {
			return fmt.Errorf("appschema: materialize: project %q: %w", col, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("appschema: materialize: commit: %w", err)
	}

	log.Debugf("appschema: materialized %s row %s (%d columns)", change.Table, change.ID, len(columns))
	return nil
}

func lwwWinner(tx interface {
	Get(dest interface{}, query string, args ...interface{}) error
}, id owner.ID, table, rowID, col string) (interface{}, error) {
	var encoded []byte
	err := tx.Get(&encoded,
		`SELECT value FROM history
		 WHERE owner_id = ? AND table_name = ? AND row_id = ? AND column_name = ?
		 ORDER BY t DESC LIMIT 1`,
		id[:], table, rowID, col)
	if err != nil {
		return nil, fmt.Errorf("appschema: materialize: lww winner for %q: %w", col, err)
	}

	val, err := wire.DecodeValue(wire.NewBuffer(encoded))
	if err != nil {
		return nil, fmt.Errorf("appschema: materialize: decode winner for %q: %w", col, err)
	}

	switch v := val.(type) {
	case wire.Null:
		return nil, nil
	case wire.Integer:
		return int64(v), nil
	case wire.Real:
		return float64(v), nil
	case wire.Text:
		return string(v), nil
	case wire.Blob:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("appschema: materialize: unknown value kind for %q", col)
	}
}
