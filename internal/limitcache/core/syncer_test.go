package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"limitcache/internal/limitcache/cache"
	"limitcache/internal/limitcache/store"
)

// failingStore injects SyncFromCache failures for chosen dates.
type failingStore struct {
	*store.MemoryStore
	failDates map[string]error
	failAll   error
	calls     int
}

func (f *failingStore) SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, txCount int64) (int64, error) {
	f.calls++
	if f.failAll != nil {
		return 0, f.failAll
	}
	if err, ok := f.failDates[store.Date(date).Format("2006-01-02")]; ok {
		return 0, err
	}
	return f.MemoryStore.SyncFromCache(ctx, date, remaining, consumed, txCount)
}

// blockingStore parks SyncFromCache until released, to hold a sync open.
type blockingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, txCount int64) (int64, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStore.SyncFromCache(ctx, date, remaining, consumed, txCount)
}

type syncFixture struct {
	store  *store.MemoryStore
	cache  *cache.Cache
	dirty  *DirtySet
	engine *Engine
}

func newSyncFixture(t *testing.T, days int) *syncFixture {
	t.Helper()
	st := store.NewMemoryStore()
	seedMonth(t, st, 2026, time.March, days, 1000)
	c := cache.New(cache.NewMemCommands(), "limits", time.Hour)
	dirty := NewDirtySet()
	return &syncFixture{store: st, cache: c, dirty: dirty, engine: NewEngine(st, c, dirty, true)}
}

// consume pushes divergence into the cache and dirties the key.
func (f *syncFixture) consume(t *testing.T, day int, amount int64) {
	t.Helper()
	resp, err := f.engine.Consume(context.Background(), ConsumeRequest{Date: store.DateOf(2026, time.March, day), Amount: amount})
	if err != nil || !resp.Success {
		t.Fatalf("consume day %d: %+v err=%v", day, resp, err)
	}
}

func TestSyncer_NoDirtyKeys(t *testing.T) {
	f := newSyncFixture(t, 1)
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{})

	res := s.SyncNow(context.Background(), store.SyncManual)
	if !res.Success || res.Message != "No dirty keys" {
		t.Fatalf("unexpected: %+v", res)
	}
	hist := f.store.History()
	if len(hist) != 1 || hist[0].Status != store.SyncSuccess || hist[0].SyncType != store.SyncManual {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestSyncer_WritesBackAndClearsDirty(t *testing.T) {
	f := newSyncFixture(t, 2)
	f.consume(t, 1, 300)
	f.consume(t, 1, 100)
	f.consume(t, 2, 50)
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{})

	res := s.SyncNow(context.Background(), store.SyncManual)
	if !res.Success || res.RecordsSynced != 2 || res.Message != MsgSuccess {
		t.Fatalf("unexpected: %+v", res)
	}
	if f.dirty.Size() != 0 {
		t.Fatalf("synced keys must leave the dirty set")
	}

	row, _ := f.store.FindByDate(context.Background(), store.DateOf(2026, time.March, 1))
	if row.Remaining != 600 || row.Consumed != 400 || row.TransactionCount != 2 {
		t.Fatalf("day 1 not written back: %+v", row)
	}
	if row.InitialLimit != row.Remaining+row.Consumed {
		t.Fatalf("accounting identity broken after sync: %+v", row)
	}
	row, _ = f.store.FindByDate(context.Background(), store.DateOf(2026, time.March, 2))
	if row.Remaining != 950 || row.Consumed != 50 || row.TransactionCount != 1 {
		t.Fatalf("day 2 not written back: %+v", row)
	}

	hist := f.store.History()
	if len(hist) != 1 || hist[0].RecordsSynced != 2 || hist[0].Status != store.SyncSuccess {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestSyncer_KeyDirtiedDuringSyncSurvives(t *testing.T) {
	f := newSyncFixture(t, 1)
	f.consume(t, 1, 100)
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{})

	res := s.SyncNow(context.Background(), store.SyncScheduled)
	if !res.Success || res.RecordsSynced != 1 {
		t.Fatalf("unexpected: %+v", res)
	}
	f.consume(t, 1, 10)
	if f.dirty.Size() != 1 {
		t.Fatalf("re-dirtied key missing")
	}
	res = s.SyncNow(context.Background(), store.SyncScheduled)
	if !res.Success || res.RecordsSynced != 1 {
		t.Fatalf("second sync: %+v", res)
	}
	row, _ := f.store.FindByDate(context.Background(), store.DateOf(2026, time.March, 1))
	if row.Remaining != 890 || row.Consumed != 110 {
		t.Fatalf("incremental sync lost state: %+v", row)
	}
}

func TestSyncer_EvictedKeyStaysDirtyWithoutFailing(t *testing.T) {
	f := newSyncFixture(t, 1)
	f.consume(t, 1, 100)
	// Evict the entry out from under the dirty set.
	if _, err := f.cache.ClearAll(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{})

	res := s.SyncNow(context.Background(), store.SyncScheduled)
	if !res.Success || res.RecordsSynced != 0 {
		t.Fatalf("an evicted key is not a failure: %+v", res)
	}
	if f.dirty.Size() != 1 {
		t.Fatalf("evicted key must stay dirty for the next tick")
	}
}

func TestSyncer_AllKeysFailed(t *testing.T) {
	f := newSyncFixture(t, 1)
	f.consume(t, 1, 100)
	fs := &failingStore{MemoryStore: f.store, failAll: errors.New("db down")}
	s := NewSyncer(f.cache, f.dirty, fs, SyncerOptions{RetryAttempts: 2})

	res := s.SyncNow(context.Background(), store.SyncScheduled)
	if res.Success || res.Message != "Error: all 1 keys failed" {
		t.Fatalf("unexpected: %+v", res)
	}
	if f.dirty.Size() != 1 {
		t.Fatalf("failed key must stay dirty")
	}
	// Each key gets RetryAttempts write attempts before counting as failed.
	if fs.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fs.calls)
	}
	hist := f.store.History()
	if len(hist) != 1 || hist[0].Status != store.SyncFailed {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestSyncer_PartialKeepsFailedKeysDirty(t *testing.T) {
	f := newSyncFixture(t, 2)
	f.consume(t, 1, 100)
	f.consume(t, 2, 200)
	fs := &failingStore{MemoryStore: f.store, failDates: map[string]error{"2026-03-02": errors.New("deadlock")}}
	s := NewSyncer(f.cache, f.dirty, fs, SyncerOptions{RetryAttempts: 1})

	res := s.SyncNow(context.Background(), store.SyncScheduled)
	if !res.Success || res.RecordsSynced != 1 || res.Message != "1 keys failed" {
		t.Fatalf("unexpected: %+v", res)
	}
	if f.dirty.Size() != 1 || !f.dirty.Contains("limits:remaining:2026:03:02") {
		t.Fatalf("only the failed key should stay dirty: %v", f.dirty.Snapshot())
	}
	hist := f.store.History()
	if len(hist) != 1 || hist[0].Status != store.SyncPartial || hist[0].RecordsSynced != 1 {
		t.Fatalf("unexpected history: %+v", hist)
	}
	// A partial run still counts as progress for health purposes.
	if !s.Healthy() {
		t.Fatalf("partial sync must not flip health")
	}
}

func TestSyncer_HealthFlipsAfterConsecutiveFailures(t *testing.T) {
	f := newSyncFixture(t, 1)
	fs := &failingStore{MemoryStore: f.store, failAll: errors.New("db down")}
	s := NewSyncer(f.cache, f.dirty, fs, SyncerOptions{RetryAttempts: 1})

	for i := 0; i < 3; i++ {
		if !s.Healthy() {
			t.Fatalf("unhealthy after only %d failures", i)
		}
		f.consume(t, 1, 1)
		s.SyncNow(context.Background(), store.SyncScheduled)
	}
	if s.Healthy() {
		t.Fatalf("expected unhealthy after 3 consecutive failures")
	}

	// One clean tick recovers.
	fs.failAll = nil
	s.SyncNow(context.Background(), store.SyncScheduled)
	if !s.Healthy() {
		t.Fatalf("expected recovery after a successful tick")
	}
}

func TestSyncer_HealthFlipsOnStaleness(t *testing.T) {
	f := newSyncFixture(t, 1)
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{Interval: time.Second})

	s.lastSuccessNano.Store(time.Now().Add(-2 * time.Second).UnixNano())
	if !s.Healthy() {
		t.Fatalf("2s staleness is within 3 intervals")
	}
	s.lastSuccessNano.Store(time.Now().Add(-4 * time.Second).UnixNano())
	if s.Healthy() {
		t.Fatalf("expected unhealthy when last success exceeds 3 intervals")
	}
}

func TestSyncer_ReentryGuard(t *testing.T) {
	f := newSyncFixture(t, 1)
	f.consume(t, 1, 100)
	bs := &blockingStore{MemoryStore: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSyncer(f.cache, f.dirty, bs, SyncerOptions{RetryAttempts: 1})

	first := make(chan SyncResult, 1)
	go func() {
		first <- s.SyncNow(context.Background(), store.SyncManual)
	}()
	<-bs.entered // the first run is now mid-write

	res := s.SyncNow(context.Background(), store.SyncManual)
	if res.Success || res.Message != "Sync already in progress" {
		t.Fatalf("expected the guard to reject overlap: %+v", res)
	}

	close(bs.release)
	if res := <-first; !res.Success || res.RecordsSynced != 1 {
		t.Fatalf("first run should complete: %+v", res)
	}
}

func TestSyncer_StopFlushesPendingKeys(t *testing.T) {
	f := newSyncFixture(t, 1)
	// A long interval guarantees no scheduled tick fires before Stop.
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{Interval: time.Hour})
	s.Start()

	f.consume(t, 1, 250)
	s.Stop()

	row, _ := f.store.FindByDate(context.Background(), store.DateOf(2026, time.March, 1))
	if row.Remaining != 750 || row.Consumed != 250 {
		t.Fatalf("shutdown flush lost the consume: %+v", row)
	}
	hist := f.store.History()
	if len(hist) != 1 || hist[0].SyncType != store.SyncShutdown || hist[0].Status != store.SyncSuccess {
		t.Fatalf("expected one SHUTDOWN history row: %+v", hist)
	}
	// Stop is idempotent.
	s.Stop()
	if len(f.store.History()) != 1 {
		t.Fatalf("second Stop must not re-sync")
	}
}

func TestSyncer_Stats(t *testing.T) {
	f := newSyncFixture(t, 1)
	f.consume(t, 1, 100)
	s := NewSyncer(f.cache, f.dirty, f.store, SyncerOptions{Interval: 5 * time.Second})

	s.SyncNow(context.Background(), store.SyncManual)
	f.consume(t, 1, 1)

	stats := s.Stats(context.Background())
	if !stats.Enabled || stats.IntervalSeconds != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastSyncTime == nil || stats.LastSyncRecordCount != 1 {
		t.Fatalf("last sync not recorded: %+v", stats)
	}
	if stats.DirtyKeysCount != 1 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalSyncsLastHour != 1 || stats.TotalRecordsSyncedLastHour != 1 {
		t.Fatalf("history aggregates missing: %+v", stats)
	}
}
