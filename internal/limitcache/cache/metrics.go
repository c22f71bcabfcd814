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

package cache

import "github.com/prometheus/client_golang/prometheus"

// Global counters only; per-key labels would be unbounded cardinality.
var (
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_cache_hits_total",
		Help: "Fast-store reads and consume scripts that found the key",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_cache_misses_total",
		Help: "Fast-store reads and consume scripts that missed the key",
	})
	cacheUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_cache_updates_total",
		Help: "Fast-store writes: warms and successful consume decrements",
	})
)

func init() {
	// Registered eagerly; harmless if no /metrics endpoint is exposed.
	prometheus.MustRegister(cacheHitsTotal, cacheMissesTotal, cacheUpdatesTotal)
}
