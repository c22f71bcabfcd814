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

// Package cache is the typed, narrow adapter over the fast store. It owns
// the key layout, the warm protocol, and the atomic consume script.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"limitcache/internal/limitcache/store"
)

// Commands abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent;
// MemCommands provides an in-process stand-in for tests and demos.
type Commands interface {
	// Eval runs a server-side script. The fast store must serialize the
	// script against all other commands on its keys; that atomicity is the
	// whole reason the cache tier exists.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Get returns (value, true, nil) or ("", false, nil) when absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns an empty map when the key is absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// DeleteByPrefix removes every key matching prefix:* and reports how
	// many were deleted.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	// InfoMemory returns the server's memory info section, best effort.
	InfoMemory(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
}

// ConsumeStatus is the script's verdict.
type ConsumeStatus int

const (
	StatusMiss         ConsumeStatus = -1 // remaining key absent
	StatusInsufficient ConsumeStatus = 0  // balance below amount; no mutation
	StatusOK           ConsumeStatus = 1  // decremented, meta updated
)

// consumeScript atomically checks and decrements the remaining key and
// updates the metadata hash in a single round-trip. Contract:
//
//	{-1, 0}          key absent
//	{ 0, remaining}  insufficient; nothing mutated
//	{+1, remaining'} decremented by amount; meta consumed += amount,
//	                 meta transaction_count += 1
const consumeScript = `
local remaining = redis.call('GET', KEYS[1])
if remaining == false then
  return {-1, 0}
end
remaining = tonumber(remaining)
local amount = tonumber(ARGV[1])
if remaining < amount then
  return {0, remaining}
end
local newRemaining = redis.call('DECRBY', KEYS[1], amount)
redis.call('HINCRBY', KEYS[2], 'consumed', amount)
redis.call('HINCRBY', KEYS[2], 'transaction_count', 1)
return {1, newRemaining}
`

// Entry is the fast-store projection of a daily limit. Remaining always
// comes from the scalar key; the meta hash never holds a remaining field
// (the hot decrement is deliberately single-field).
type Entry struct {
	DayDate          time.Time
	Remaining        int64
	InitialLimit     int64
	Consumed         int64
	TransactionCount int64
	Version          int64
}

// Cache adapts a Commands client to the limit keyspace.
type Cache struct {
	cmds   Commands
	prefix string
	ttl    time.Duration
}

// New returns a cache with the given key prefix and entry TTL.
// Defaults: prefix "limits", TTL 24h.
func New(cmds Commands, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "limits"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{cmds: cmds, prefix: prefix, ttl: ttl}
}

// Prefix returns the configured key prefix.
func (c *Cache) Prefix() string { return c.prefix }

// TTL returns the configured entry TTL.
func (c *Cache) TTL() time.Duration { return c.ttl }

// RemainingKeyFor returns the scalar key for a date under this cache's prefix.
func (c *Cache) RemainingKeyFor(date time.Time) string { return RemainingKey(c.prefix, date) }

// Warm populates both keys for a row and renews the TTL on each. A consume
// racing a warm sees either the old value or the new one; both are valid
// atomic decrement targets, so warm needs no exclusion.
func (c *Cache) Warm(ctx context.Context, d *store.DailyLimit) error {
	rk := RemainingKey(c.prefix, d.DayDate)
	mk := MetaKey(c.prefix, d.DayDate)

	if err := c.cmds.Set(ctx, rk, strconv.FormatInt(d.Remaining, 10), c.ttl); err != nil {
		return fmt.Errorf("warm %s: %w", rk, err)
	}
	meta := map[string]string{
		"initial_limit":     strconv.FormatInt(d.InitialLimit, 10),
		"consumed":          strconv.FormatInt(d.Consumed, 10),
		"transaction_count": strconv.FormatInt(d.TransactionCount, 10),
		"version":           strconv.FormatInt(d.Version, 10),
		"day_date":          store.Date(d.DayDate).Format("2006-01-02"),
	}
	if err := c.cmds.HSet(ctx, mk, meta); err != nil {
		return fmt.Errorf("warm %s: %w", mk, err)
	}
	if err := c.cmds.Expire(ctx, mk, c.ttl); err != nil {
		return fmt.Errorf("expire %s: %w", mk, err)
	}
	cacheUpdatesTotal.Inc()
	return nil
}

// Consume runs the atomic consume script for a date.
func (c *Cache) Consume(ctx context.Context, date time.Time, amount int64) (ConsumeStatus, int64, error) {
	rk := RemainingKey(c.prefix, date)
	mk := MetaKey(c.prefix, date)

	res, err := c.cmds.Eval(ctx, consumeScript, []string{rk, mk}, amount)
	if err != nil {
		return StatusMiss, 0, fmt.Errorf("consume script %s: %w", rk, err)
	}
	status, newRemaining, err := parseScriptReply(res)
	if err != nil {
		return StatusMiss, 0, fmt.Errorf("consume script %s: %w", rk, err)
	}
	switch status {
	case StatusOK:
		cacheHitsTotal.Inc()
		cacheUpdatesTotal.Inc()
	case StatusMiss:
		cacheMissesTotal.Inc()
	}
	return status, newRemaining, nil
}

// parseScriptReply decodes the {status, remaining} pair the script returns.
func parseScriptReply(res interface{}) (ConsumeStatus, int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return StatusMiss, 0, fmt.Errorf("unexpected script reply %T", res)
	}
	status, ok := arr[0].(int64)
	if !ok {
		return StatusMiss, 0, fmt.Errorf("unexpected status type %T", arr[0])
	}
	remaining, ok := arr[1].(int64)
	if !ok {
		return StatusMiss, 0, fmt.Errorf("unexpected remaining type %T", arr[1])
	}
	return ConsumeStatus(status), remaining, nil
}

// ReadEntry returns the full projection for a date, or (nil, nil) when the
// scalar key is absent. Metadata fields default to zero if the hash is
// missing or partial; remaining is always the scalar.
func (c *Cache) ReadEntry(ctx context.Context, date time.Time) (*Entry, error) {
	rk := RemainingKey(c.prefix, date)
	mk := MetaKey(c.prefix, date)

	remainingStr, ok, err := c.cmds.Get(ctx, rk)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rk, err)
	}
	if !ok {
		cacheMissesTotal.Inc()
		return nil, nil
	}
	cacheHitsTotal.Inc()

	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s=%q: %w", rk, remainingStr, err)
	}
	meta, err := c.cmds.HGetAll(ctx, mk)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", mk, err)
	}

	return &Entry{
		DayDate:          store.Date(date),
		Remaining:        remaining,
		InitialLimit:     metaInt(meta, "initial_limit"),
		Consumed:         metaInt(meta, "consumed"),
		TransactionCount: metaInt(meta, "transaction_count"),
		Version:          metaInt(meta, "version"),
	}, nil
}

func metaInt(meta map[string]string, field string) int64 {
	v, err := strconv.ParseInt(meta[field], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ClearAll deletes every key under the prefix.
func (c *Cache) ClearAll(ctx context.Context) (int64, error) {
	return c.cmds.DeleteByPrefix(ctx, c.prefix)
}

// Stats reports adapter configuration plus best-effort server memory info.
func (c *Cache) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"keyPrefix": c.prefix,
		"ttlHours":  int(c.ttl.Hours()),
	}
	if info, err := c.cmds.InfoMemory(ctx); err == nil && info != "" {
		stats["usedMemory"] = info
	}
	return stats
}

// Ping checks fast-store reachability.
func (c *Cache) Ping(ctx context.Context) error {
	return c.cmds.Ping(ctx)
}
