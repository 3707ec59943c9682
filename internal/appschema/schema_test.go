// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package appschema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "appschema.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func todosSchema() []TableDecl {
	return []TableDecl{
		{
			Name: "todo",
			Columns: []ColumnDecl{
				{Name: "title", Affinity: AffinityText},
				{Name: "priority", Affinity: AffinityInteger},
			},
			Indexes: []IndexDecl{
				{Name: "by_priority", Columns: []string{"priority"}},
			},
		},
	}
}

func TestReconcileCreatesTableAndColumns(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	require.NoError(t, r.Reconcile(todosSchema()))

	cols, err := r.existingColumns("todo")
	require.NoError(t, err)
	require.True(t, cols["id"])
	require.True(t, cols["title"])
	require.True(t, cols["priority"])
	require.True(t, cols[isDeletedColumn])
}

func TestReconcileIsAdditiveAcrossCalls(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	require.NoError(t, r.Reconcile([]TableDecl{{Name: "todo"}}))

	_, err := db.Conn.Exec(`INSERT INTO todo (id) VALUES ('row1')`)
	require.NoError(t, err)

	require.NoError(t, r.Reconcile(todosSchema()))

	var title interface{}
	require.NoError(t, db.Conn.Get(&title, `SELECT title FROM todo WHERE id = 'row1'`))
	require.Nil(t, title, "pre-existing row survives a later ADD COLUMN as NULL")
}

func TestReconcileCreatesDeclaredIndex(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	require.NoError(t, r.Reconcile(todosSchema()))

	var count int
	err := db.Conn.Get(&count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`,
		managedIndexName("todo", "by_priority"))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestReconcileDropsRemovedIndex(t *testing.T) {
	db := newTestDB(t)
	r := NewReconciler(db)
	require.NoError(t, r.Reconcile(todosSchema()))

	require.NoError(t, r.Reconcile([]TableDecl{{Name: "todo", Columns: todosSchema()[0].Columns}}))

	var count int
	err := db.Conn.Get(&count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`,
		managedIndexName("todo", "by_priority"))
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestQuoteIdentEscapesEmbeddedQuotes(t *testing.T) {
	require.Equal(t, `"foo""bar"`, quoteIdent(`foo"bar`))
}
