// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skipstore

import (
	"database/sql"
	"fmt"

	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/pkg/fingerprint"
)

// queryer is the subset of *sqlx.DB / *sqlx.Tx the skiplist read helpers
// need, so they run identically against a plain connection (read path)
// or an in-flight write transaction (write path).
type queryer interface {
	Get(dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
}

// execer is the subset of *sqlx.Tx the level-maintenance helpers use to
// mutate skiplist_levels.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// execQueryer is the full surface writeOne's level-maintenance helpers
// need: reads to find neighboring nodes plus writes to create or adjust
// them, all against the same open transaction.
type execQueryer interface {
	queryer
	execer
}

// levelNode is one row of skiplist_levels: a node participating at a
// given level, with the cumulative fingerprint/count of every raw
// timestamp from the previous same-or-taller node up to and including
// this one.
type levelNode struct {
	T  []byte `db:"t"`
	H1 int64  `db:"h1"`
	H2 int64  `db:"h2"`
	C  int    `db:"c"`
}

func (n levelNode) fingerprint() fingerprint.Fingerprint {
	return fingerprint.FromHalves(uint64(n.H1), uint64(n.H2))
}

func (n levelNode) timestamp() hlc.Timestamp {
	var b [16]byte
	copy(b[:], n.T)
	return hlc.FromBytes(b)
}

// prevLevelNode returns the node at level with the largest t strictly
// less than before, if any.
func prevLevelNode(q queryer, id owner.ID, level int, before []byte) (levelNode, bool, error) {
	var rows []levelNode
	err := q.Select(&rows,
		`SELECT t, h1, h2, c FROM skiplist_levels WHERE owner_id = ? AND level = ? AND t < ? ORDER BY t DESC LIMIT 1`,
		id[:], level, before)
	if err != nil {
		return levelNode{}, false, fmt.Errorf("skipstore: prev_level_node: %w", err)
	}
	if len(rows) == 0 {
		return levelNode{}, false, nil
	}
	return rows[0], true, nil
}

// nextLevelNode returns the node at level with the smallest t strictly
// greater than after, if any.
func nextLevelNode(q queryer, id owner.ID, level int, after []byte) (levelNode, bool, error) {
	var rows []levelNode
	err := q.Select(&rows,
		`SELECT t, h1, h2, c FROM skiplist_levels WHERE owner_id = ? AND level = ? AND t > ? ORDER BY t ASC LIMIT 1`,
		id[:], level, after)
	if err != nil {
		return levelNode{}, false, fmt.Errorf("skipstore: next_level_node: %w", err)
	}
	if len(rows) == 0 {
		return levelNode{}, false, nil
	}
	return rows[0], true, nil
}

func insertLevelNode(ex execer, id owner.ID, level int, t []byte, fp fingerprint.Fingerprint, count int) error {
	h1, h2 := fp.Halves()
	_, err := ex.Exec(
		`INSERT INTO skiplist_levels (owner_id, level, t, h1, h2, c) VALUES (?, ?, ?, ?, ?, ?)`,
		id[:], level, t, int64(h1), int64(h2), count)
	if err != nil {
		return fmt.Errorf("skipstore: insert_level_node: %w", err)
	}
	return nil
}

// absorbInto folds fp into an existing node that now spans one more raw
// row than before, without that row gaining a node of its own.
func absorbInto(ex execer, id owner.ID, level int, node levelNode, fp fingerprint.Fingerprint) error {
	merged := fingerprint.XOR(node.fingerprint(), fp)
	h1, h2 := merged.Halves()
	_, err := ex.Exec(
		`UPDATE skiplist_levels SET h1 = ?, h2 = ?, c = c + 1 WHERE owner_id = ? AND level = ? AND t = ?`,
		int64(h1), int64(h2), id[:], level, node.T)
	if err != nil {
		return fmt.Errorf("skipstore: absorb_into: %w", err)
	}
	return nil
}

// shrink removes removedFP/removedCount from an existing node whose span
// just lost its leading portion to a newly created node in front of it.
func shrink(ex execer, id owner.ID, level int, node levelNode, removedFP fingerprint.Fingerprint, removedCount int) error {
	reduced := fingerprint.XOR(node.fingerprint(), removedFP)
	h1, h2 := reduced.Halves()
	_, err := ex.Exec(
		`UPDATE skiplist_levels SET h1 = ?, h2 = ?, c = c - ? WHERE owner_id = ? AND level = ? AND t = ?`,
		int64(h1), int64(h2), removedCount, id[:], level, node.T)
	if err != nil {
		return fmt.Errorf("skipstore: shrink: %w", err)
	}
	return nil
}

// appendLevels handles t known to be the new rightmost row in the owner's
// set: only its own nodes at levels 1..level need creating, each folding
// the raw fingerprints since the previous node reaching that level.
// Nothing existing can lie beyond t, so there is no successor to shrink
// and no level above `level` to absorb into.
func (s *Store) appendLevels(tx execQueryer, id owner.ID, t []byte, rawFP fingerprint.Fingerprint, level, newOrdinal int) error {
	for l := 1; l <= level; l++ {
		between, count, err := precedingFold(tx, id, l, t, newOrdinal)
		if err != nil {
			return err
		}
		if err := insertLevelNode(tx, id, l, t, fingerprint.XOR(between, rawFP), count+1); err != nil {
			return err
		}
	}
	return nil
}

// prependLevels handles t known to be the new leftmost row: its own
// nodes at levels 1..level start fresh, and every existing head node at
// a level above `level` absorbs t's raw fingerprint, since t now falls
// inside that head's span instead of getting a node of its own.
func (s *Store) prependLevels(tx execQueryer, id owner.ID, t []byte, rawFP fingerprint.Fingerprint, level int) error {
	for l := 1; l <= level; l++ {
		if err := insertLevelNode(tx, id, l, t, rawFP, 1); err != nil {
			return err
		}
	}
	for l := level + 1; l <= MaxLevel; l++ {
		head, ok, err := nextLevelNode(tx, id, l, t)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := absorbInto(tx, id, l, head, rawFP); err != nil {
			return err
		}
	}
	return nil
}

// insertLevels handles t landing strictly between the owner's current
// min and max: at levels 1..level it creates t's own node (detaching the
// span it now claims from whatever node used to own it), and at every
// level above that it folds t's raw fingerprint into the node that still
// owns that position.
func (s *Store) insertLevels(tx execQueryer, id owner.ID, t []byte, rawFP fingerprint.Fingerprint, level, newOrdinal int) error {
	for l := 1; l <= level; l++ {
		between, count, err := precedingFold(tx, id, l, t, newOrdinal)
		if err != nil {
			return err
		}
		if err := insertLevelNode(tx, id, l, t, fingerprint.XOR(between, rawFP), count+1); err != nil {
			return err
		}

		next, ok, err := nextLevelNode(tx, id, l, t)
		if err != nil {
			return err
		}
		if ok {
			if err := shrink(tx, id, l, next, between, count); err != nil {
				return err
			}
		}
	}
	for l := level + 1; l <= MaxLevel; l++ {
		next, ok, err := nextLevelNode(tx, id, l, t)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := absorbInto(tx, id, l, next, rawFP); err != nil {
			return err
		}
	}
	return nil
}

// precedingFold folds the raw fingerprints of every row strictly between
// the nearest existing level-l node before t and t's own ordinal
// position, using the unchanged raw timestamps table as ground truth.
func precedingFold(q queryer, id owner.ID, level int, t []byte, newOrdinal int) (fingerprint.Fingerprint, int, error) {
	prev, ok, err := prevLevelNode(q, id, level, t)
	if err != nil {
		return fingerprint.Zero, 0, err
	}
	startOrdinal := 0
	if ok {
		pos, err := findLowerBoundQ(q, id, prev.timestamp())
		if err != nil {
			return fingerprint.Zero, 0, err
		}
		startOrdinal = pos + 1
	}
	return rawFold(q, id, startOrdinal, newOrdinal)
}
