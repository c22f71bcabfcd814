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

// Package core implements the limit engine, the dirty-set tracker, and the
// write-behind sync worker. This file holds the package's Prometheus
// collectors: global only, no per-key labels.
package core

import "github.com/prometheus/client_golang/prometheus"

var (
	consumeSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_consume_success_total",
		Help: "Successful limit consumptions",
	})
	consumeInsufficientTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_consume_insufficient_total",
		Help: "Consumptions rejected for insufficient remaining limit",
	})
	consumeFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_consume_failed_total",
		Help: "Consumptions that failed for reasons other than insufficiency",
	})
	consumeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "limit_consume_duration_seconds",
		Help:    "Consume latency by path",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs .. ~1.6s
	}, []string{"mode"})

	dirtyKeysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "limit_cache_dirty_keys",
		Help: "Cache entries pending write-behind sync",
	})

	syncSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_sync_success_total",
		Help: "Sync ticks that completed with no per-key failures",
	})
	syncFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_sync_failed_total",
		Help: "Sync ticks that failed outright",
	})
	syncRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_sync_records_total",
		Help: "Rows written back to the record store by the sync worker",
	})
	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "limit_sync_duration_seconds",
		Help:    "Sync tick duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		consumeSuccessTotal, consumeInsufficientTotal, consumeFailedTotal,
		consumeDuration, dirtyKeysGauge,
		syncSuccessTotal, syncFailedTotal, syncRecordsTotal, syncDuration,
	)
}
