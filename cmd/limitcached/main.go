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

// Package main is the entry point for the limit cache daemon.
//
// The daemon fronts a contention-bound daily-limit table with a write-behind
// Redis tier: consumes decrement an atomic counter in Redis, a background
// worker batches the accumulated state back to Postgres every few seconds,
// and reads fall through to the database when the cache is cold. The result
// is one database write per sync interval instead of one per transaction.
//
// This file orchestrates the service:
//  1. Build the record store (Postgres or in-memory) and the fast store.
//  2. Warm the current month into the cache when requested.
//  3. Start the sync worker and the HTTP API.
//  4. On shutdown, stop the worker — which performs a final blocking flush —
//     before draining the HTTP server, so no admitted consume is lost.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"limitcache/internal/limitcache/api"
	"limitcache/internal/limitcache/cache"
	"limitcache/internal/limitcache/core"
	"limitcache/internal/limitcache/store"
)

func main() {
	// 1. Parse configuration flags (these double as production knobs).
	// - store/postgres_dsn: record store selection
	// - redis_addr/cache_*: fast-store tier
	// - sync_*: write-behind worker cadence and batching
	// - warm_on_startup/startup_sync: lifecycle behavior around restarts
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address (e.g., :8080)")
	storeAdapter := flag.String("store", "memory", "Record store adapter: memory or postgres")
	postgresDSN := flag.String("postgres_dsn", "", "lib/pq connection string (required for -store=postgres)")
	redisAddr := flag.String("redis_addr", "", "Redis address (e.g., localhost:6379); empty uses an in-process fast store")
	cacheEnabled := flag.Bool("cache_enabled", true, "Route consumes through the cache tier; false forces the direct DB path")
	cachePrefix := flag.String("cache_key_prefix", "limits", "Fast-store key prefix")
	cacheTTL := flag.Duration("cache_ttl", 24*time.Hour, "TTL applied to warmed cache entries")
	syncEnabled := flag.Bool("sync_enabled", true, "Run the write-behind sync worker")
	syncInterval := flag.Duration("sync_interval", 5*time.Second, "Scheduled sync cadence")
	syncBatchSize := flag.Int("sync_batch_size", 100, "Dirty keys written per batch within one sync run")
	syncRetries := flag.Int("sync_retry_attempts", 3, "Per-key write retries before the key is counted failed")
	warmOnStartup := flag.Bool("warm_on_startup", true, "Warm the current month (and next, near month end) at boot")
	startupSync := flag.Bool("startup_sync", false, "Run one STARTUP-type sync before serving (flushes keys left dirty by a crash)")
	seedDays := flag.Int("seed_days", 0, "Demo helper: seed this many days of limits into a memory store")
	seedLimit := flag.Int64("seed_limit", 1_000_000, "Initial limit for seeded days")
	logLevel := flag.String("log_level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if level, err := log.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// 2. Build the record store.
	recordStore, err := store.BuildStore(*storeAdapter, *postgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to build record store")
	}
	if *seedDays > 0 {
		if err := seedDemoLimits(recordStore, *seedDays, *seedLimit); err != nil {
			log.WithError(err).Fatal("failed to seed demo limits")
		}
		log.WithFields(log.Fields{"days": *seedDays, "limit": *seedLimit}).Info("seeded demo limits")
	}

	// 3. Build the fast-store tier. An empty redis_addr selects the
	// in-process stand-in so the daemon runs without infrastructure.
	var cmds cache.Commands
	if *redisAddr != "" {
		cmds = cache.NewGoRedisCommands(*redisAddr)
	} else {
		cmds = cache.NewMemCommands()
		log.Warn("no redis_addr given, using in-process fast store")
	}
	limitCache := cache.New(cmds, *cachePrefix, *cacheTTL)

	ctx := context.Background()
	if *cacheEnabled && *redisAddr != "" {
		if err := limitCache.Ping(ctx); err != nil {
			log.WithError(err).Fatal("redis unreachable")
		}
	}

	// 4. Wire the engine and the sync worker around a shared dirty set.
	dirty := core.NewDirtySet()
	engine := core.NewEngine(recordStore, limitCache, dirty, *cacheEnabled)

	var syncer *core.Syncer
	if *syncEnabled && *cacheEnabled {
		syncer = core.NewSyncer(limitCache, dirty, recordStore, core.SyncerOptions{
			Interval:      *syncInterval,
			BatchSize:     *syncBatchSize,
			RetryAttempts: *syncRetries,
		})
	}

	if *startupSync && syncer != nil {
		result := syncer.SyncNow(ctx, store.SyncStartup)
		log.WithFields(log.Fields{"synced": result.RecordsSynced, "message": result.Message}).Info("startup sync done")
	}
	if *warmOnStartup && *cacheEnabled {
		count, err := engine.WarmCurrentMonth(ctx)
		if err != nil {
			log.WithError(err).Warn("startup warm incomplete")
		}
		log.WithField("rows", count).Info("startup warm done")
	}
	if syncer != nil {
		syncer.Start()
	}

	// 5. Start the HTTP API.
	apiServer := api.NewServer(engine, syncer)
	router := mux.NewRouter()
	apiServer.RegisterRoutes(router)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", *httpAddr).Info("limit cache API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	// 6. Wait for a termination signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")

	// 7. Stop the worker first: its Stop performs a final blocking flush of
	// the dirty set, so admitted consumes reach the record store before we
	// stop answering traffic.
	if syncer != nil {
		syncer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("http shutdown failed")
	}
	log.Info("stopped")
}

// seedDemoLimits inserts today-forward rows so the demo has limits to spend.
func seedDemoLimits(st store.RecordStore, days int, limit int64) error {
	rows := make([]store.DailyLimit, 0, days)
	today := store.Date(time.Now())
	for i := 0; i < days; i++ {
		rows = append(rows, store.DailyLimit{
			DayDate:      today.AddDate(0, 0, i),
			InitialLimit: limit,
			Remaining:    limit,
		})
	}
	return st.Seed(context.Background(), rows)
}
