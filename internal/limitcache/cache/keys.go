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

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"limitcache/internal/limitcache/store"
)

// Keyspace layout. One logical entry per date, split into two physical keys
// so the hot-path decrement touches a single plain integer:
//
//	<prefix>:remaining:YYYY:MM:DD  -> integer string (authoritative remaining)
//	<prefix>:meta:YYYY:MM:DD      -> hash of initial_limit, consumed,
//	                                 transaction_count, version, day_date
//
// The date is recoverable from the key name; the sync worker relies on that.

// RemainingKey returns the scalar key for a date.
func RemainingKey(prefix string, date time.Time) string {
	d := store.Date(date)
	return fmt.Sprintf("%s:remaining:%d:%02d:%02d", prefix, d.Year(), int(d.Month()), d.Day())
}

// MetaKey returns the metadata hash key for a date.
func MetaKey(prefix string, date time.Time) string {
	d := store.Date(date)
	return fmt.Sprintf("%s:meta:%d:%02d:%02d", prefix, d.Year(), int(d.Month()), d.Day())
}

// ParseRemainingKey recovers the date from a remaining key. The prefix may
// not contain ':'; the trailing segments are remaining:YYYY:MM:DD.
func ParseRemainingKey(key string) (time.Time, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 || parts[len(parts)-4] != "remaining" {
		return time.Time{}, fmt.Errorf("not a remaining key: %q", key)
	}
	year, err := strconv.Atoi(parts[len(parts)-3])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad year in key %q: %w", key, err)
	}
	month, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad month in key %q: %w", key, err)
	}
	day, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad day in key %q: %w", key, err)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("out-of-range date in key %q", key)
	}
	return store.DateOf(year, time.Month(month), day), nil
}
