// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler runs the relay's periodic maintenance jobs on a
// gocron scheduler, the same job-registration shape as the teacher's
// internal/taskManager.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/storage"
	"github.com/evoluhq/evolu-go/pkg/log"
)

// Scheduler owns the gocron instance and the jobs registered on it.
type Scheduler struct {
	gc gocron.Scheduler
}

// New creates a Scheduler. Call Start to begin running registered jobs.
func New() (*Scheduler, error) {
	gc, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create: %w", err)
	}
	return &Scheduler{gc: gc}, nil
}

// RegisterDatabaseOptimize runs SQLite's query-planner statistics
// refresh (`PRAGMA optimize`) at interval, keeping the timestamps/history
// indexes efficient as a relay's tables grow without requiring an
// administrator to schedule it externally.
func (s *Scheduler) RegisterDatabaseOptimize(db *storage.DB, interval time.Duration) error {
	log.Infof("scheduler: register database optimize every %s", interval)
	_, err := s.gc.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			if _, err := db.Conn.Exec("PRAGMA optimize"); err != nil {
				log.Warnf("scheduler: PRAGMA optimize failed: %v", err)
				return
			}
			log.Debugf("scheduler: database optimize took %s", time.Since(start))
		}))
	if err != nil {
		return fmt.Errorf("scheduler: register database optimize: %w", err)
	}
	return nil
}

// RegisterHistoryRetention deletes history rows (the append-only log of
// superseded column values used for last-writer-wins conflict
// resolution) older than retain, at interval. Only rows strictly older
// than the newest value for their (owner, table, row, column) tuple are
// ever eligible, so the latest value is never pruned.
func (s *Scheduler) RegisterHistoryRetention(db *storage.DB, retain, interval time.Duration) error {
	log.Infof("scheduler: register history retention (keep %s) every %s", retain, interval)
	_, err := s.gc.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			cutoff := hlc.Timestamp{Millis: uint64(time.Now().Add(-retain).UnixMilli())}
			cutoffBytes := cutoff.Bytes()
			res, err := db.Conn.Exec(`
				DELETE FROM history
				WHERE rowid IN (
					SELECT h.rowid FROM history h
					WHERE h.t < ?
					AND EXISTS (
						SELECT 1 FROM history newer
						WHERE newer.owner_id = h.owner_id
						AND newer.table_name = h.table_name
						AND newer.row_id = h.row_id
						AND newer.column_name = h.column_name
						AND newer.t > h.t
					)
				)`, cutoffBytes[:])
			if err != nil {
				log.Warnf("scheduler: history retention failed: %v", err)
				return
			}
			n, _ := res.RowsAffected()
			log.Debugf("scheduler: history retention pruned %d rows in %s", n, time.Since(start))
		}))
	if err != nil {
		return fmt.Errorf("scheduler: register history retention: %w", err)
	}
	return nil
}

// Start begins running every registered job on its own schedule.
func (s *Scheduler) Start() {
	s.gc.Start()
}

// Shutdown stops the scheduler and waits for in-flight jobs to finish.
func (s *Scheduler) Shutdown() error {
	return s.gc.Shutdown()
}
