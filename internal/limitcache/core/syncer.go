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

// This file implements the background worker that flushes the dirty set
// back to the record store (write-behind).
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"limitcache/internal/limitcache/cache"
	"limitcache/internal/limitcache/store"
)

// unhealthyAfterFailures flips the health flag after this many consecutive
// failed ticks; staleness does the same when the last success is older than
// unhealthyAfterIntervals times the interval.
const (
	unhealthyAfterFailures  = 3
	unhealthyAfterIntervals = 3
)

// SyncerOptions configures the worker. Zero values take the defaults from
// the service configuration contract: 5s interval, batch size 100, 3 write
// retries.
type SyncerOptions struct {
	Interval      time.Duration
	BatchSize     int
	RetryAttempts int
}

func (o SyncerOptions) withDefaults() SyncerOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	return o
}

// SyncResult is the outcome of one sync run.
type SyncResult struct {
	Success       bool
	RecordsSynced int
	DurationMs    int64
	Message       string
}

// SyncStats is the read-model for the sync status surface.
type SyncStats struct {
	Enabled                    bool
	IntervalSeconds            int
	LastSyncTime               *time.Time
	LastSyncRecordCount        int
	DirtyKeysCount             int
	ConsecutiveFailures        int
	TotalSyncsLastHour         int64
	AvgDurationMs              float64
	TotalRecordsSyncedLastHour int64
}

// Syncer periodically writes dirty fast-store entries back to the record
// store. One instance per engine; the dirty set is process-local.
type Syncer struct {
	cache *cache.Cache
	dirty *DirtySet
	store store.RecordStore
	opts  SyncerOptions

	// inProgress is a single-writer compare-and-set guard: overlapping
	// triggers (scheduled tick, manual, shutdown) collapse to one run.
	inProgress          atomic.Bool
	consecutiveFailures atomic.Int32
	lastSuccessNano     atomic.Int64
	lastRecordCount     atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewSyncer wires a sync worker. Call Start to begin the scheduled loop;
// SyncNow may be used without Start (manual and startup triggers).
func NewSyncer(c *cache.Cache, dirty *DirtySet, st store.RecordStore, opts SyncerOptions) *Syncer {
	return &Syncer{
		cache:    c,
		dirty:    dirty,
		store:    st,
		opts:     opts.withDefaults(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the scheduled loop.
func (s *Syncer) Start() {
	log.WithField("interval", s.opts.Interval).Info("starting sync worker")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop halts the scheduler and performs one final blocking shutdown flush
// so sub-interval divergence is not lost. Safe to call once.
func (s *Syncer) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	log.Info("stopping sync worker")
	close(s.stopChan)
	s.wg.Wait()
	s.SyncNow(context.Background(), store.SyncShutdown)
}

func (s *Syncer) loop() {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SyncNow(context.Background(), store.SyncScheduled)
		case <-s.stopChan:
			return
		}
	}
}

// SyncNow runs one sync: snapshot the dirty set, read each key's current
// fast-store entry, write it into the record store, and clear only the
// keys that were written. Every trigger type shares this body and the
// reentry guard.
func (s *Syncer) SyncNow(ctx context.Context, syncType store.SyncType) SyncResult {
	if !s.inProgress.CompareAndSwap(false, true) {
		log.Debug("sync already in progress, skipping")
		return SyncResult{Success: false, Message: "Sync already in progress"}
	}
	defer s.inProgress.Store(false)

	history := store.StartSync(syncType)
	start := time.Now()

	keys := s.dirty.Snapshot()
	if len(keys) == 0 {
		history.Complete(store.SyncSuccess, 0, "")
		s.recordHistory(ctx, history)
		s.markTickOK(0)
		return SyncResult{Success: true, Message: "No dirty keys"}
	}

	log.WithFields(log.Fields{"keys": len(keys), "type": syncType}).Debug("syncing dirty keys")

	var synced []string
	keyFailures := 0
batches:
	for i := 0; i < len(keys); i += s.opts.BatchSize {
		end := i + s.opts.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[i:end] {
			ok, err := s.syncKey(ctx, key)
			if err != nil {
				keyFailures++
				log.WithField("key", key).WithError(err).Warn("failed to sync key")
				continue
			}
			if ok {
				synced = append(synced, key)
			}
		}
		// Shutdown is honored between batches only; a batch in flight is
		// not interrupted. Unprocessed keys stay dirty for the final flush.
		if syncType == store.SyncScheduled {
			select {
			case <-s.stopChan:
				break batches
			default:
			}
		}
	}

	s.dirty.RemoveAll(synced)
	duration := time.Since(start)
	syncDuration.Observe(duration.Seconds())
	syncRecordsTotal.Add(float64(len(synced)))

	switch {
	case keyFailures > 0 && len(synced) == 0:
		msg := fmt.Sprintf("all %d keys failed", keyFailures)
		history.Complete(store.SyncFailed, 0, msg)
		s.recordHistory(ctx, history)
		s.consecutiveFailures.Add(1)
		syncFailedTotal.Inc()
		log.WithFields(log.Fields{"type": syncType, "failures": keyFailures}).Error("sync failed")
		return SyncResult{Success: false, DurationMs: duration.Milliseconds(), Message: "Error: " + msg}
	case keyFailures > 0:
		msg := fmt.Sprintf("%d keys failed", keyFailures)
		history.Complete(store.SyncPartial, len(synced), msg)
		s.recordHistory(ctx, history)
		s.markTickOK(len(synced))
		syncSuccessTotal.Inc()
		log.WithFields(log.Fields{"type": syncType, "synced": len(synced), "failures": keyFailures, "duration": duration}).Warn("sync partially completed")
		return SyncResult{Success: true, RecordsSynced: len(synced), DurationMs: duration.Milliseconds(), Message: msg}
	default:
		history.Complete(store.SyncSuccess, len(synced), "")
		s.recordHistory(ctx, history)
		s.markTickOK(len(synced))
		syncSuccessTotal.Inc()
		log.WithFields(log.Fields{"type": syncType, "synced": len(synced), "duration": duration}).Info("sync completed")
		return SyncResult{Success: true, RecordsSynced: len(synced), DurationMs: duration.Milliseconds(), Message: MsgSuccess}
	}
}

// syncKey writes one key's current cache view into the record store.
// Returns (false, nil) when the entry is gone from the cache or the row is
// gone from the record store; the key then stays dirty for the next tick.
func (s *Syncer) syncKey(ctx context.Context, key string) (bool, error) {
	date, err := cache.ParseRemainingKey(key)
	if err != nil {
		return false, err
	}
	entry, err := s.cache.ReadEntry(ctx, date)
	if err != nil {
		return false, err
	}
	if entry == nil {
		// Evicted between consume and sync; nothing to write.
		return false, nil
	}

	var lastErr error
	for attempt := 0; attempt < s.opts.RetryAttempts; attempt++ {
		rows, err := s.store.SyncFromCache(ctx, date, entry.Remaining, entry.Consumed, entry.TransactionCount)
		if err != nil {
			lastErr = err
			continue
		}
		return rows > 0, nil
	}
	return false, lastErr
}

func (s *Syncer) markTickOK(records int) {
	s.consecutiveFailures.Store(0)
	s.lastSuccessNano.Store(time.Now().UnixNano())
	s.lastRecordCount.Store(int64(records))
}

func (s *Syncer) recordHistory(ctx context.Context, h *store.SyncHistory) {
	if err := s.store.RecordSync(ctx, h); err != nil {
		log.WithError(err).Warn("failed to record sync history")
	}
}

// Healthy reports false after unhealthyAfterFailures consecutive failed
// ticks, or when the last successful tick is older than
// unhealthyAfterIntervals times the interval.
func (s *Syncer) Healthy() bool {
	if s.consecutiveFailures.Load() >= unhealthyAfterFailures {
		return false
	}
	last := s.lastSuccessNano.Load()
	if last != 0 && time.Since(time.Unix(0, last)) > time.Duration(unhealthyAfterIntervals)*s.opts.Interval {
		return false
	}
	return true
}

// Stats builds the sync status view, including last-hour aggregates from
// the record store's history table.
func (s *Syncer) Stats(ctx context.Context) SyncStats {
	stats := SyncStats{
		Enabled:             true,
		IntervalSeconds:     int(s.opts.Interval.Seconds()),
		LastSyncRecordCount: int(s.lastRecordCount.Load()),
		DirtyKeysCount:      s.dirty.Size(),
		ConsecutiveFailures: int(s.consecutiveFailures.Load()),
	}
	if last := s.lastSuccessNano.Load(); last != 0 {
		t := time.Unix(0, last)
		stats.LastSyncTime = &t
	}
	agg, err := s.store.SyncStatsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		log.WithError(err).Warn("failed to aggregate sync history")
		return stats
	}
	stats.TotalSyncsLastHour = agg.TotalSyncs
	stats.AvgDurationMs = agg.AvgDurationMs
	stats.TotalRecordsSyncedLastHour = agg.TotalRecords
	return stats
}
