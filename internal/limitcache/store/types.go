// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the durable home of daily limits and sync history.
//
// The record store is the source of truth at rest. While a date is warmed
// into the fast store, the fast store holds the authoritative live value and
// the row here is a stale lower-bound snapshot that the sync worker
// periodically refreshes via SyncFromCache (a blind overwrite). The direct
// consume path is the exception: it mutates rows transactionally under a
// row-level write lock and exists as the contention baseline.
package store

import (
	"context"
	"time"
)

// DailyLimit is one row of the daily_limits table: the spending budget for a
// single calendar date, in minor currency units.
//
// Invariant at every commit point: InitialLimit = Remaining + Consumed,
// Remaining >= 0, Consumed >= 0.
type DailyLimit struct {
	ID               int64
	DayDate          time.Time // date-only, UTC midnight
	InitialLimit     int64
	Remaining        int64
	Consumed         int64
	TransactionCount int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UtilizationPercent reports consumed/initial as a percentage.
func (d *DailyLimit) UtilizationPercent() float64 {
	if d.InitialLimit == 0 {
		return 0
	}
	return float64(d.Consumed) * 100.0 / float64(d.InitialLimit)
}

// HasSufficient reports whether the row can admit a decrement of amount.
func (d *DailyLimit) HasSufficient(amount int64) bool {
	return d.Remaining >= amount
}

// SyncType identifies what triggered a sync run.
type SyncType string

const (
	SyncScheduled SyncType = "SCHEDULED"
	SyncManual    SyncType = "MANUAL"
	SyncStartup   SyncType = "STARTUP"
	SyncShutdown  SyncType = "SHUTDOWN"
)

// SyncStatus is the outcome of a sync run.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

// SyncHistory is one append-only row per sync attempt.
type SyncHistory struct {
	ID            int64
	SyncType      SyncType
	RecordsSynced int
	DurationMs    int64
	Status        SyncStatus
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// StartSync returns a history row stamped with the start time.
func StartSync(t SyncType) *SyncHistory {
	return &SyncHistory{SyncType: t, Status: SyncSuccess, StartedAt: time.Now()}
}

// Complete marks the run finished with the given status and record count.
func (h *SyncHistory) Complete(status SyncStatus, records int, errMsg string) {
	h.CompletedAt = time.Now()
	h.RecordsSynced = records
	h.DurationMs = h.CompletedAt.Sub(h.StartedAt).Milliseconds()
	h.Status = status
	h.ErrorMessage = errMsg
}

// DirectResult is the outcome of a direct (non-cached) consume.
type DirectResult struct {
	Found        bool
	Admitted     bool
	NewRemaining int64
}

// SyncAggregates summarizes sync_history rows over a time window.
type SyncAggregates struct {
	TotalSyncs    int64
	AvgDurationMs float64
	TotalRecords  int64
}

// RecordStore is the narrow surface the engine and the sync worker consume.
// Implementations: PostgresStore (production) and MemoryStore (tests, demo).
type RecordStore interface {
	// FindByDate returns the row for the date, or (nil, nil) when absent.
	FindByDate(ctx context.Context, date time.Time) (*DailyLimit, error)

	// FindByMonth returns the month's rows ordered by date.
	FindByMonth(ctx context.Context, year int, month time.Month) ([]DailyLimit, error)

	// SyncFromCache blindly overwrites the three mutable fields and bumps
	// version. No optimistic check: the cache is the source of truth while
	// the date is warmed. Returns the number of rows updated (0 or 1).
	SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, txCount int64) (int64, error)

	// ConsumeDirect runs the baseline path: a transaction that locks the row
	// for update, checks the balance, and writes the decrement back.
	ConsumeDirect(ctx context.Context, date time.Time, amount int64) (DirectResult, error)

	// ResetMonth rewrites every row of the month to its initial state and
	// returns the updated rows. A non-nil override replaces initial_limit
	// (used by load-test resets so limits do not exhaust).
	ResetMonth(ctx context.Context, year int, month time.Month, override *int64) ([]DailyLimit, error)

	// Seed inserts rows, skipping dates that already exist.
	Seed(ctx context.Context, rows []DailyLimit) error

	// RecordSync appends a sync_history row.
	RecordSync(ctx context.Context, h *SyncHistory) error

	// SyncStatsSince aggregates successful sync_history rows since the
	// given time.
	SyncStatsSince(ctx context.Context, since time.Time) (SyncAggregates, error)
}

// Date truncates t to a UTC calendar date. All store keys and lookups use
// this normal form so that two times on the same day compare equal.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOf builds the normal form directly from components.
func DateOf(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// MonthRange returns [first day of month, first day of next month).
func MonthRange(year int, month time.Month) (time.Time, time.Time) {
	start := DateOf(year, month, 1)
	return start, start.AddDate(0, 1, 0)
}
