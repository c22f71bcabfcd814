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
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RecordStore for tests and infra-free demos.
// A single mutex stands in for the database's row locks: ConsumeDirect
// callers serialize on it exactly as they would queue on SELECT FOR UPDATE,
// which preserves the baseline's correctness (and its bottleneck).
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]*DailyLimit // keyed by YYYY-MM-DD
	history []SyncHistory
	nextID  int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*DailyLimit)}
}

func dayKey(date time.Time) string { return Date(date).Format("2006-01-02") }

func (m *MemoryStore) FindByDate(ctx context.Context, date time.Time) (*DailyLimit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[dayKey(date)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindByMonth(ctx context.Context, year int, month time.Month) ([]DailyLimit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, end := MonthRange(year, month)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DailyLimit
	for _, r := range m.rows {
		if !r.DayDate.Before(start) && r.DayDate.Before(end) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayDate.Before(out[j].DayDate) })
	return out, nil
}

func (m *MemoryStore) SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, txCount int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[dayKey(date)]
	if !ok {
		return 0, nil
	}
	r.Remaining = remaining
	r.Consumed = consumed
	r.TransactionCount = txCount
	r.Version++
	r.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MemoryStore) ConsumeDirect(ctx context.Context, date time.Time, amount int64) (DirectResult, error) {
	if err := ctx.Err(); err != nil {
		return DirectResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[dayKey(date)]
	if !ok {
		return DirectResult{Found: false}, nil
	}
	if r.Remaining < amount {
		return DirectResult{Found: true, Admitted: false, NewRemaining: r.Remaining}, nil
	}
	r.Remaining -= amount
	r.Consumed += amount
	r.TransactionCount++
	r.Version++
	r.UpdatedAt = time.Now()
	return DirectResult{Found: true, Admitted: true, NewRemaining: r.Remaining}, nil
}

func (m *MemoryStore) ResetMonth(ctx context.Context, year int, month time.Month, override *int64) ([]DailyLimit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, end := MonthRange(year, month)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DailyLimit
	for _, r := range m.rows {
		if r.DayDate.Before(start) || !r.DayDate.Before(end) {
			continue
		}
		if override != nil {
			r.InitialLimit = *override
		}
		r.Remaining = r.InitialLimit
		r.Consumed = 0
		r.TransactionCount = 0
		r.Version++
		r.UpdatedAt = time.Now()
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayDate.Before(out[j].DayDate) })
	return out, nil
}

func (m *MemoryStore) Seed(ctx context.Context, rows []DailyLimit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, r := range rows {
		k := dayKey(r.DayDate)
		if _, exists := m.rows[k]; exists {
			continue
		}
		m.nextID++
		cp := r
		cp.ID = m.nextID
		cp.DayDate = Date(r.DayDate)
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.rows[k] = &cp
	}
	return nil
}

func (m *MemoryStore) RecordSync(ctx context.Context, h *SyncHistory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *h
	cp.ID = m.nextID
	m.history = append(m.history, cp)
	return nil
}

func (m *MemoryStore) SyncStatsSince(ctx context.Context, since time.Time) (SyncAggregates, error) {
	if err := ctx.Err(); err != nil {
		return SyncAggregates{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var agg SyncAggregates
	var durationSum int64
	for _, h := range m.history {
		if h.StartedAt.Before(since) || h.Status != SyncSuccess {
			continue
		}
		agg.TotalSyncs++
		agg.TotalRecords += int64(h.RecordsSynced)
		durationSum += h.DurationMs
	}
	if agg.TotalSyncs > 0 {
		agg.AvgDurationMs = float64(durationSum) / float64(agg.TotalSyncs)
	}
	return agg, nil
}

// History returns a copy of the recorded sync history, oldest first.
// Used by tests and the memory demo.
func (m *MemoryStore) History() []SyncHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncHistory, len(m.history))
	copy(out, m.history)
	return out
}
