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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS daily_limits (
//   id BIGSERIAL PRIMARY KEY,
//   day_date DATE NOT NULL UNIQUE,
//   initial_limit BIGINT NOT NULL CHECK (initial_limit >= 0),
//   remaining BIGINT NOT NULL CHECK (remaining >= 0),
//   consumed BIGINT NOT NULL DEFAULT 0 CHECK (consumed >= 0),
//   transaction_count BIGINT NOT NULL DEFAULT 0,
//   version BIGINT NOT NULL DEFAULT 0,
//   created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//   updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//   CHECK (initial_limit = remaining + consumed)
// );
//
// CREATE TABLE IF NOT EXISTS sync_history (
//   id BIGSERIAL PRIMARY KEY,
//   sync_type VARCHAR(50) NOT NULL,
//   records_synced INT NOT NULL DEFAULT 0,
//   duration_ms BIGINT,
//   status VARCHAR(20) NOT NULL CHECK (status IN ('SUCCESS','PARTIAL','FAILED')),
//   error_message TEXT,
//   started_at TIMESTAMPTZ NOT NULL,
//   completed_at TIMESTAMPTZ
// );
// CREATE INDEX IF NOT EXISTS idx_sync_history_started_at ON sync_history(started_at);

// PostgresStore implements RecordStore over database/sql. The driver is
// registered by the caller (cmd wires github.com/lib/pq).
type PostgresStore struct {
	db *sql.DB
	// Per-call timeout fallback if ctx has no deadline.
	defaultTimeout time.Duration
}

// NewPostgresStore wraps an open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, defaultTimeout: 10 * time.Second}
}

const dailyLimitColumns = `id, day_date, initial_limit, remaining, consumed, transaction_count, version, created_at, updated_at`

func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		return context.WithTimeout(ctx, p.defaultTimeout)
	}
	return ctx, func() {}
}

func scanDailyLimit(row interface{ Scan(...interface{}) error }) (*DailyLimit, error) {
	var d DailyLimit
	err := row.Scan(&d.ID, &d.DayDate, &d.InitialLimit, &d.Remaining, &d.Consumed,
		&d.TransactionCount, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.DayDate = Date(d.DayDate)
	return &d, nil
}

// FindByDate is a plain read with no lock.
func (p *PostgresStore) FindByDate(ctx context.Context, date time.Time) (*DailyLimit, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+dailyLimitColumns+` FROM daily_limits WHERE day_date = $1`, Date(date))
	d, err := scanDailyLimit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find daily_limits(%s): %w", Date(date).Format("2006-01-02"), err)
	}
	return d, nil
}

// FindByMonth returns the month's rows ordered by date.
func (p *PostgresStore) FindByMonth(ctx context.Context, year int, month time.Month) ([]DailyLimit, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	start, end := MonthRange(year, month)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+dailyLimitColumns+` FROM daily_limits WHERE day_date >= $1 AND day_date < $2 ORDER BY day_date`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("find daily_limits month %d-%02d: %w", year, month, err)
	}
	defer rows.Close()

	var out []DailyLimit
	for rows.Next() {
		d, err := scanDailyLimit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SyncFromCache overwrites the mutable fields and bumps version. No
// optimistic check: while a date is warmed the fast store is authoritative
// and this write merely refreshes the durable snapshot.
func (p *PostgresStore) SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, txCount int64) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`UPDATE daily_limits SET remaining = $2, consumed = $3, transaction_count = $4,
		        version = version + 1, updated_at = now()
		  WHERE day_date = $1`,
		Date(date), remaining, consumed, txCount)
	if err != nil {
		return 0, fmt.Errorf("sync daily_limits(%s): %w", Date(date).Format("2006-01-02"), err)
	}
	return res.RowsAffected()
}

// ConsumeDirect serializes concurrent callers on the row's write lock so
// that every admitted decrement is safe. This path deliberately includes
// the bottleneck; it is the baseline the cache tier is measured against.
func (p *PostgresStore) ConsumeDirect(ctx context.Context, date time.Time, amount int64) (DirectResult, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return DirectResult{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var remaining, consumed, txCount int64
	err = tx.QueryRowContext(ctx,
		`SELECT remaining, consumed, transaction_count FROM daily_limits WHERE day_date = $1 FOR UPDATE`,
		Date(date)).Scan(&remaining, &consumed, &txCount)
	if err == sql.ErrNoRows {
		return DirectResult{Found: false}, tx.Commit()
	}
	if err != nil {
		return DirectResult{}, fmt.Errorf("lock daily_limits(%s): %w", Date(date).Format("2006-01-02"), err)
	}

	if remaining < amount {
		return DirectResult{Found: true, Admitted: false, NewRemaining: remaining}, tx.Commit()
	}

	newRemaining := remaining - amount
	if _, err := tx.ExecContext(ctx,
		`UPDATE daily_limits SET remaining = $2, consumed = $3, transaction_count = $4,
		        version = version + 1, updated_at = now()
		  WHERE day_date = $1`,
		Date(date), newRemaining, consumed+amount, txCount+1); err != nil {
		return DirectResult{}, fmt.Errorf("update daily_limits(%s): %w", Date(date).Format("2006-01-02"), err)
	}
	if err := tx.Commit(); err != nil {
		return DirectResult{}, err
	}
	return DirectResult{Found: true, Admitted: true, NewRemaining: newRemaining}, nil
}

// ResetMonth rewrites the month's rows and returns the new state. A non-nil
// override replaces initial_limit (load-test resets).
func (p *PostgresStore) ResetMonth(ctx context.Context, year int, month time.Month, override *int64) ([]DailyLimit, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	start, end := MonthRange(year, month)
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if override != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE daily_limits SET initial_limit = $3, remaining = $3, consumed = 0,
			        transaction_count = 0, version = version + 1, updated_at = now()
			  WHERE day_date >= $1 AND day_date < $2`,
			start, end, *override)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE daily_limits SET remaining = initial_limit, consumed = 0,
			        transaction_count = 0, version = version + 1, updated_at = now()
			  WHERE day_date >= $1 AND day_date < $2`,
			start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("reset daily_limits %d-%02d: %w", year, month, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+dailyLimitColumns+` FROM daily_limits WHERE day_date >= $1 AND day_date < $2 ORDER BY day_date`,
		start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyLimit
	for rows.Next() {
		d, err := scanDailyLimit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// Seed inserts rows, skipping dates that already exist.
func (p *PostgresStore) Seed(ctx context.Context, rows []DailyLimit) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO daily_limits(day_date, initial_limit, remaining, consumed, transaction_count, version)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (day_date) DO NOTHING`,
			Date(r.DayDate), r.InitialLimit, r.Remaining, r.Consumed, r.TransactionCount, r.Version); err != nil {
			return fmt.Errorf("seed daily_limits(%s): %w", Date(r.DayDate).Format("2006-01-02"), err)
		}
	}
	return tx.Commit()
}

// RecordSync appends one sync_history row.
func (p *PostgresStore) RecordSync(ctx context.Context, h *SyncHistory) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sync_history(sync_type, records_synced, duration_ms, status, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		string(h.SyncType), h.RecordsSynced, h.DurationMs, string(h.Status), h.ErrorMessage, h.StartedAt, h.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert sync_history: %w", err)
	}
	return nil
}

// SyncStatsSince aggregates successful runs since the given time.
func (p *PostgresStore) SyncStatsSince(ctx context.Context, since time.Time) (SyncAggregates, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var agg SyncAggregates
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_ms), 0), COALESCE(SUM(records_synced), 0)
		   FROM sync_history WHERE started_at >= $1 AND status = 'SUCCESS'`,
		since).Scan(&agg.TotalSyncs, &agg.AvgDurationMs, &agg.TotalRecords)
	if err != nil {
		return SyncAggregates{}, fmt.Errorf("aggregate sync_history: %w", err)
	}
	return agg, nil
}
