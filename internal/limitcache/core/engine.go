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

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"limitcache/internal/limitcache/cache"
	"limitcache/internal/limitcache/store"
)

// Response sources.
const (
	SourceCache    = "CACHE"
	SourceDatabase = "DATABASE"
)

// Response messages. The API contract fixes these strings; callers match on
// them.
const (
	MsgSuccess      = "Success"
	MsgInsufficient = "Insufficient limit"
	MsgNotFound     = "Date not found"
)

// ErrInvalidAmount rejects non-positive consume amounts before any store or
// cache round-trip.
var ErrInvalidAmount = errors.New("amount must be positive")

// ConsumeRequest is one attempt to decrement a date's remaining limit.
type ConsumeRequest struct {
	Date          time.Time
	Amount        int64
	TransactionID string
	ForceDirect   bool
}

// ConsumeResponse is the structured outcome. No error ever escapes a
// consume; transient failures surface here as Message "Error: <detail>".
type ConsumeResponse struct {
	Success        bool
	TransactionID  string
	Date           time.Time
	AmountConsumed int64
	RemainingLimit int64
	Source         string
	LatencyMs      int64
	Message        string
}

// LimitView is the read-model for a single date.
type LimitView struct {
	Date               time.Time
	InitialLimit       int64
	Remaining          int64
	Consumed           int64
	TransactionCount   int64
	UtilizationPercent float64
	Source             string
}

// MonthView aggregates a month of LimitViews.
type MonthView struct {
	Year                  int
	Month                 int
	Limits                []LimitView
	TotalInitialLimit     int64
	TotalRemaining        int64
	TotalConsumed         int64
	AvgUtilizationPercent float64
}

// loadTestLimit is large enough that limits do not exhaust during a load
// test (~$10M in minor units).
const loadTestLimit int64 = 999_999_999

// warmNextMonthFromDay: within the last week of a month we also warm the
// next month so midnight rollover hits a warm key.
const warmNextMonthFromDay = 24

// Engine is the public consume/query API. It owns the cache-vs-direct
// decision and the warm/miss/retry protocol; the sync worker runs
// independently against the same dirty set.
type Engine struct {
	store        store.RecordStore
	cache        *cache.Cache
	dirty        *DirtySet
	cacheEnabled bool

	// resetMu excludes reset (wholesale key rewrite) from concurrent
	// consumes. Consumes take the read side; warm needs no exclusion.
	resetMu sync.RWMutex

	now func() time.Time
}

// NewEngine wires the engine. cacheEnabled=false (or a nil cache) routes
// every consume through the direct path.
func NewEngine(st store.RecordStore, c *cache.Cache, dirty *DirtySet, cacheEnabled bool) *Engine {
	if c == nil {
		cacheEnabled = false
	}
	if dirty == nil {
		dirty = NewDirtySet()
	}
	return &Engine{
		store:        st,
		cache:        c,
		dirty:        dirty,
		cacheEnabled: cacheEnabled,
		now:          time.Now,
	}
}

// CacheEnabled reports whether the cached path is available.
func (e *Engine) CacheEnabled() bool { return e.cacheEnabled }

// Dirty exposes the dirty set to the sync worker and the stats surface.
func (e *Engine) Dirty() *DirtySet { return e.dirty }

// Consume is the main entry point. It returns an error only for input
// errors; every other failure is a structured response.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResponse, error) {
	if req.Amount <= 0 {
		return ConsumeResponse{}, ErrInvalidAmount
	}
	date := store.Date(req.Date)
	start := e.now()

	var resp ConsumeResponse
	if e.cacheEnabled && !req.ForceDirect {
		resp = e.consumeViaCache(ctx, date, req.Amount)
	} else {
		resp = e.consumeDirect(ctx, date, req.Amount)
	}

	resp.TransactionID = req.TransactionID
	resp.Date = date
	elapsed := e.now().Sub(start)
	resp.LatencyMs = elapsed.Milliseconds()

	mode := "cache"
	if resp.Source == SourceDatabase {
		mode = "direct_db"
	}
	consumeDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	switch {
	case resp.Success:
		consumeSuccessTotal.Inc()
	case resp.Message == MsgInsufficient:
		consumeInsufficientTotal.Inc()
	default:
		consumeFailedTotal.Inc()
	}
	return resp, nil
}

// consumeViaCache implements the cached-path state machine: script, then on
// miss a single warm-and-retry. A second miss is surfaced as a transient
// error so a lost race between warm and eviction cannot loop.
func (e *Engine) consumeViaCache(ctx context.Context, date time.Time, amount int64) ConsumeResponse {
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	status, remaining, err := e.cache.Consume(ctx, date, amount)
	if err != nil {
		return errorResponse(SourceCache, err)
	}

	switch status {
	case cache.StatusOK:
		e.dirty.Add(e.cache.RemainingKeyFor(date))
		return ConsumeResponse{Success: true, AmountConsumed: amount, RemainingLimit: remaining, Source: SourceCache, Message: MsgSuccess}
	case cache.StatusInsufficient:
		return ConsumeResponse{RemainingLimit: remaining, Source: SourceCache, Message: MsgInsufficient}
	}

	// Miss: lazy fill from the record store, then retry exactly once.
	row, err := e.store.FindByDate(ctx, date)
	if err != nil {
		return errorResponse(SourceCache, err)
	}
	if row == nil {
		return ConsumeResponse{Source: SourceCache, Message: MsgNotFound}
	}
	if err := e.cache.Warm(ctx, row); err != nil {
		return errorResponse(SourceCache, err)
	}

	status, remaining, err = e.cache.Consume(ctx, date, amount)
	if err != nil {
		return errorResponse(SourceCache, err)
	}
	switch status {
	case cache.StatusOK:
		e.dirty.Add(e.cache.RemainingKeyFor(date))
		return ConsumeResponse{Success: true, AmountConsumed: amount, RemainingLimit: remaining, Source: SourceCache, Message: MsgSuccess}
	case cache.StatusInsufficient:
		return ConsumeResponse{RemainingLimit: remaining, Source: SourceCache, Message: MsgInsufficient}
	default:
		return errorResponse(SourceCache, errors.New("cache entry missing after warm"))
	}
}

// consumeDirect runs the baseline path against the record store. It never
// touches the fast store and never marks dirty.
func (e *Engine) consumeDirect(ctx context.Context, date time.Time, amount int64) ConsumeResponse {
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	res, err := e.store.ConsumeDirect(ctx, date, amount)
	if err != nil {
		return errorResponse(SourceDatabase, err)
	}
	if !res.Found {
		return ConsumeResponse{Source: SourceDatabase, Message: MsgNotFound}
	}
	if !res.Admitted {
		return ConsumeResponse{RemainingLimit: res.NewRemaining, Source: SourceDatabase, Message: MsgInsufficient}
	}
	return ConsumeResponse{Success: true, AmountConsumed: amount, RemainingLimit: res.NewRemaining, Source: SourceDatabase, Message: MsgSuccess}
}

func errorResponse(source string, err error) ConsumeResponse {
	return ConsumeResponse{Source: source, Message: fmt.Sprintf("Error: %v", err)}
}

// GetLimit reads cache-first when enabled, falling back to the record
// store. It does not cache-fill on miss; only consume warms keys, so idle
// dates stay out of the fast store.
func (e *Engine) GetLimit(ctx context.Context, date time.Time) (*LimitView, error) {
	date = store.Date(date)
	if e.cacheEnabled {
		entry, err := e.cache.ReadEntry(ctx, date)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return viewFromEntry(entry), nil
		}
	}
	row, err := e.store.FindByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return viewFromRow(row), nil
}

// GetMonth returns the record-store rows for a month, each overlaid with
// the fresher cache entry when present, plus totals.
func (e *Engine) GetMonth(ctx context.Context, year int, month time.Month) (*MonthView, error) {
	rows, err := e.store.FindByMonth(ctx, year, month)
	if err != nil {
		return nil, err
	}

	mv := &MonthView{Year: year, Month: int(month)}
	var utilizationSum float64
	for i := range rows {
		var v *LimitView
		if e.cacheEnabled {
			entry, err := e.cache.ReadEntry(ctx, rows[i].DayDate)
			if err == nil && entry != nil {
				v = viewFromEntry(entry)
			}
		}
		if v == nil {
			v = viewFromRow(&rows[i])
		}
		mv.Limits = append(mv.Limits, *v)
		mv.TotalInitialLimit += v.InitialLimit
		mv.TotalRemaining += v.Remaining
		mv.TotalConsumed += v.Consumed
		utilizationSum += v.UtilizationPercent
	}
	if len(mv.Limits) > 0 {
		mv.AvgUtilizationPercent = utilizationSum / float64(len(mv.Limits))
	}
	return mv, nil
}

func viewFromEntry(entry *cache.Entry) *LimitView {
	v := &LimitView{
		Date:             entry.DayDate,
		InitialLimit:     entry.InitialLimit,
		Remaining:        entry.Remaining,
		Consumed:         entry.Consumed,
		TransactionCount: entry.TransactionCount,
		Source:           SourceCache,
	}
	if entry.InitialLimit > 0 {
		v.UtilizationPercent = float64(entry.Consumed) * 100.0 / float64(entry.InitialLimit)
	}
	return v
}

func viewFromRow(row *store.DailyLimit) *LimitView {
	return &LimitView{
		Date:               row.DayDate,
		InitialLimit:       row.InitialLimit,
		Remaining:          row.Remaining,
		Consumed:           row.Consumed,
		TransactionCount:   row.TransactionCount,
		UtilizationPercent: row.UtilizationPercent(),
		Source:             SourceDatabase,
	}
}

// WarmMonth bulk-loads a month from the record store into the fast store.
// Returns the number of rows warmed.
func (e *Engine) WarmMonth(ctx context.Context, year int, month time.Month) (int, error) {
	if !e.cacheEnabled {
		return 0, nil
	}
	rows, err := e.store.FindByMonth(ctx, year, month)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if err := e.cache.Warm(ctx, &rows[i]); err != nil {
			return i, err
		}
	}
	log.WithFields(log.Fields{"year": year, "month": int(month), "rows": len(rows)}).Info("cache warmed")
	return len(rows), nil
}

// WarmCurrentMonth warms the current month and, from day 24 onward, the
// next month as well.
func (e *Engine) WarmCurrentMonth(ctx context.Context) (int, error) {
	now := e.now()
	count, err := e.WarmMonth(ctx, now.Year(), now.Month())
	if err != nil {
		return count, err
	}
	if now.Day() >= warmNextMonthFromDay {
		next := store.Date(now).AddDate(0, 1, 0)
		n, err := e.WarmMonth(ctx, next.Year(), next.Month())
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// Reset rewrites every row of the month with its initial values and
// re-warms those keys, excluding concurrent consumes for the duration.
func (e *Engine) Reset(ctx context.Context, year int, month time.Month) (int, error) {
	return e.reset(ctx, year, month, nil)
}

// ResetForLoadTest is Reset with a very large initial limit so limits do
// not exhaust during a load test.
func (e *Engine) ResetForLoadTest(ctx context.Context, year int, month time.Month) (int, error) {
	override := loadTestLimit
	return e.reset(ctx, year, month, &override)
}

func (e *Engine) reset(ctx context.Context, year int, month time.Month, override *int64) (int, error) {
	e.resetMu.Lock()
	defer e.resetMu.Unlock()

	rows, err := e.store.ResetMonth(ctx, year, month, override)
	if err != nil {
		return 0, err
	}
	if e.cacheEnabled {
		for i := range rows {
			if err := e.cache.Warm(ctx, &rows[i]); err != nil {
				return i, err
			}
		}
	}
	log.WithFields(log.Fields{"year": year, "month": int(month), "rows": len(rows), "loadTest": override != nil}).Info("limits reset")
	return len(rows), nil
}

// ClearCache evicts every cached entry and drops pending dirty keys with
// them (the record store keeps its last synced snapshot).
func (e *Engine) ClearCache(ctx context.Context) (int64, error) {
	if !e.cacheEnabled {
		return 0, nil
	}
	n, err := e.cache.ClearAll(ctx)
	if err != nil {
		return n, err
	}
	e.dirty.Clear()
	log.WithField("keys", n).Info("cache cleared")
	return n, nil
}

// CacheStats merges adapter stats with engine-level state.
func (e *Engine) CacheStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"enabled":   e.cacheEnabled,
		"dirtyKeys": e.dirty.Size(),
	}
	if e.cacheEnabled {
		for k, v := range e.cache.Stats(ctx) {
			stats[k] = v
		}
	}
	return stats
}

// SetClock overrides the engine's time source. Test helper.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
