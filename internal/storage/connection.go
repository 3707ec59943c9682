// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storage owns the single SQLite connection backing the skiplist
// and history tables, and applies the embedded golang-migrate schema.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/evoluhq/evolu-go/pkg/log"
)

var (
	driverOnce     sync.Once
	driverRegistry = "sqlite3WithHooks"
)

// DB wraps the single sqlite3 connection every component reads and
// writes through. Open caps each DB at one open connection: sqlite does
// not multiplex writers, so a second
// connection would just wait on the first's lock.
type DB struct {
	Conn *sqlx.DB
}

// Open connects to the sqlite3 database at path, registering the query
// timing hooks exactly once per process, and applies pending migrations.
func Open(path string) (*DB, error) {
	driverOnce.Do(func() {
		sql.Register(driverRegistry, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryHooks{}))
	})

	conn, err := sqlx.Open(driverRegistry, fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{Conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Infof("storage: opened %s", path)
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.Conn.Close()
}
