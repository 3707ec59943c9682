// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package appschema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/internal/changeset"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/skipstore"
	"github.com/evoluhq/evolu-go/pkg/wire"
)

func writeChange(t *testing.T, store *skipstore.Store, id owner.ID, key [32]byte, ts hlc.Timestamp, change changeset.DbChange) {
	t.Helper()
	enc, err := changeset.EncodeAndEncrypt(changeset.CrdtMessage{Timestamp: ts, Change: change}, key)
	require.NoError(t, err)
	require.NoError(t, store.WriteMessages(id, []changeset.EncryptedCrdtMessage{{Timestamp: ts, Change: enc}}))
}

func TestApplyNewChangesProjectsLatestValue(t *testing.T) {
	db := newTestDB(t)
	store := skipstore.New(db)
	require.NoError(t, NewReconciler(db).Reconcile(todosSchema()))

	var id owner.ID
	id[0] = 7
	var key [32]byte
	key[0] = 1

	rowID := wire.EncodeID([16]byte{9, 9, 9})
	writeChange(t, store, id, key, hlc.Timestamp{Millis: 1000, Counter: 0, NodeID: [8]byte{1}}, changeset.DbChange{
		Table: "todo", ID: rowID, IsInsert: true,
		Values: map[string]wire.Value{"title": wire.Text("buy milk")},
	})
	writeChange(t, store, id, key, hlc.Timestamp{Millis: 2000, Counter: 0, NodeID: [8]byte{1}}, changeset.DbChange{
		Table: "todo", ID: rowID,
		Values: map[string]wire.Value{"title": wire.Text("buy oat milk")},
	})

	m := NewMaterializer(db)
	require.NoError(t, m.ApplyNewChanges(id, key, store))

	var title string
	require.NoError(t, db.Conn.Get(&title, `SELECT title FROM todo WHERE id = ?`, rowID))
	require.Equal(t, "buy oat milk", title)

	var historyRows int
	require.NoError(t, db.Conn.Get(&historyRows, `SELECT COUNT(*) FROM history WHERE row_id = ?`, rowID))
	require.Equal(t, 2, historyRows)
}

func TestApplyNewChangesIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := skipstore.New(db)
	require.NoError(t, NewReconciler(db).Reconcile(todosSchema()))

	var id owner.ID
	id[1] = 3
	var key [32]byte
	key[1] = 2

	rowID := wire.EncodeID([16]byte{4, 4, 4})
	writeChange(t, store, id, key, hlc.Timestamp{Millis: 500, NodeID: [8]byte{2}}, changeset.DbChange{
		Table: "todo", ID: rowID, IsInsert: true,
		Values: map[string]wire.Value{"title": wire.Text("first")},
	})

	m := NewMaterializer(db)
	require.NoError(t, m.ApplyNewChanges(id, key, store))
	require.NoError(t, m.ApplyNewChanges(id, key, store))

	var count int
	require.NoError(t, db.Conn.Get(&count, `SELECT COUNT(*) FROM history WHERE row_id = ?`, rowID))
	require.Equal(t, 1, count, "re-running after nothing new changed must not duplicate history")

	var title string
	require.NoError(t, db.Conn.Get(&title, `SELECT title FROM todo WHERE id = ?`, rowID))
	require.Equal(t, "first", title)
}

func TestApplyNewChangesResolvesDeleteAsColumn(t *testing.T) {
	db := newTestDB(t)
	store := skipstore.New(db)
	require.NoError(t, NewReconciler(db).Reconcile(todosSchema()))

	var id owner.ID
	id[2] = 5
	var key [32]byte
	key[2] = 3

	rowID := wire.EncodeID([16]byte{6, 6, 6})
	deleted := true
	writeChange(t, store, id, key, hlc.Timestamp{Millis: 100, NodeID: [8]byte{3}}, changeset.DbChange{
		Table: "todo", ID: rowID, IsInsert: true,
		Values: map[string]wire.Value{"title": wire.Text("to be removed")},
	})
	writeChange(t, store, id, key, hlc.Timestamp{Millis: 200, NodeID: [8]byte{3}}, changeset.DbChange{
		Table: "todo", ID: rowID, IsDelete: &deleted,
	})

	m := NewMaterializer(db)
	require.NoError(t, m.ApplyNewChanges(id, key, store))

	var isDeleted int
	require.NoError(t, db.Conn.Get(&isDeleted, `SELECT `+quoteIdent(isDeletedColumn)+` FROM todo WHERE id = ?`, rowID))
	require.Equal(t, 1, isDeleted)
}
