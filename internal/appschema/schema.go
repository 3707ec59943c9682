// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package appschema reconciles a declared application schema against the
// host application's own SQLite tables, additively: missing tables and
// columns are created, columns declared without an affinity default to
// blob affinity so any SqliteValue variant round-trips through them
// untyped, and declared indexes are reconciled by name (§6 persisted
// state). It also materializes decrypted CrdtMessages into the shared
// history table and projects each column's last-write-winner into the
// corresponding host row, the client-side counterpart to skipstore's
// encrypted, owner-partitioned storage.
package appschema

import (
	"fmt"
	"strings"

	"github.com/evoluhq/evolu-go/internal/storage"
	"github.com/evoluhq/evolu-go/pkg/log"
)

// Affinity is a SQLite column affinity. The materializer writes each
// decoded SqliteValue into a host column as its native SQLite type (NULL,
// integer, real, text or blob), and BLOB is the only affinity that never
// coerces any of them; Integer/Real/Text
// are offered for callers that want SQLite's native type-checking on
// columns they know are single-typed (e.g. an auto-increment order key).
type Affinity int

const (
	AffinityBlob Affinity = iota
	AffinityInteger
	AffinityReal
	AffinityText
)

func (a Affinity) sql() string {
	switch a {
	case AffinityInteger:
		return "INTEGER"
	case AffinityReal:
		return "REAL"
	case AffinityText:
		return "TEXT"
	default:
		return "BLOB"
	}
}

// ColumnDecl declares one application column. Affinity defaults to
// AffinityBlob (its zero value) when left unset, matching §6's "extra
// columns default to a blob affinity column".
type ColumnDecl struct {
	Name     string
	Affinity Affinity
}

// IndexDecl declares one index over a table's columns, managed
// exclusively by Reconciler: any index it previously created that no
// longer appears in a TableDecl is dropped.
type IndexDecl struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableDecl declares one host application table. Every host table is
// keyed by the 21-char row id Evolu assigns CRDT rows (wire.EncodeID),
// so Reconciler always ensures an "id TEXT PRIMARY KEY" column itself;
// TableDecl.Columns lists the application's own columns beyond that.
type TableDecl struct {
	Name    string
	Columns []ColumnDecl
	Indexes []IndexDecl
}

// isDeletedColumn is the synthetic LWW column every materialized table
// carries alongside its declared columns, recording soft-deletion the
// same way any other column records its last writer (there is no hard
// delete: a later write that un-deletes the row outranks its earlier
// "isDeleted" history entry, like any newer write).
const isDeletedColumn = "__isDeleted"

// quoteIdent escapes ident for use as a double-quoted SQLite identifier.
// Table and column names can originate from a decrypted, peer-supplied
// DbChange (§4.1), so they are never safe to splice into SQL unescaped.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Reconciler applies TableDecls to the database additively: CREATE TABLE
// IF NOT EXISTS, ALTER TABLE ADD COLUMN for anything missing, and index
// create/drop to match the declared set exactly. It never drops a table
// or column — shrinking the declared schema simply stops maintaining
// indexes for what was removed.
type Reconciler struct {
	db *storage.DB
}

// NewReconciler wraps db with schema reconciliation.
func NewReconciler(db *storage.DB) *Reconciler {
	return &Reconciler{db: db}
}

// Reconcile brings every declared table up to date with tables, creating
// or extending each one and reconciling its indexes.
func (r *Reconciler) Reconcile(tables []TableDecl) error {
	for _, t := range tables {
		if err := r.reconcileTable(t); err != nil {
			return fmt.Errorf("appschema: reconcile %q: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileTable(t TableDecl) error {
	_, err := r.db.Conn.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, %s INTEGER NOT NULL DEFAULT 0)`,
		quoteIdent(t.Name), quoteIdent(isDeletedColumn)))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	existing, err := r.existingColumns(t.Name)
	if err != nil {
		return err
	}

	for _, col := range t.Columns {
		if existing[col.Name] {
			continue
		}
		_, err := r.db.Conn.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`,
			quoteIdent(t.Name), quoteIdent(col.Name), col.Affinity.sql()))
		if err != nil {
			return fmt.Errorf("add column %q: %w", col.Name, err)
		}
		log.Infof("appschema: added column %q.%q", t.Name, col.Name)
	}

	return r.reconcileIndexes(t)
}

func (r *Reconciler) existingColumns(table string) (map[string]bool, error) {
	rows, err := r.db.Conn.Queryx(fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table_info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("table_info scan: %w", err)
		}
		// cid, name, type, notnull, dflt_value, pk
		name, ok := row[1].(string)
		if !ok {
			continue
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// managedIndexName is the physical name Reconciler gives a declared
// index, namespaced under the table so distinct tables may reuse the
// same logical index name.
func managedIndexName(table, name string) string {
	return "appschema_" + table + "_" + name
}

func (r *Reconciler) reconcileIndexes(t TableDecl) error {
	declared := make(map[string]IndexDecl, len(t.Indexes))
	for _, idx := range t.Indexes {
		declared[managedIndexName(t.Name, idx.Name)] = idx
	}

	var existingNames []string
	err := r.db.Conn.Select(&existingNames,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name LIKE 'appschema_%'`,
		t.Name)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}

	for _, existing := range existingNames {
		if _, ok := declared[existing]; ok {
			continue
		}
		if _, err := r.db.Conn.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quoteIdent(existing))); err != nil {
			return fmt.Errorf("drop index %q: %w", existing, err)
		}
		log.Infof("appschema: dropped index %q", existing)
	}

	for physicalName, idx := range declared {
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = quoteIdent(c)
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`,
			unique, quoteIdent(physicalName), quoteIdent(t.Name), strings.Join(cols, ", "))
		if _, err := r.db.Conn.Exec(stmt); err != nil {
			return fmt.Errorf("create index %q: %w", idx.Name, err)
		}
	}
	return nil
}
