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
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemCommands is an in-process Commands implementation for tests and
// infra-free demos. It honors the consume script's contract under a single
// mutex, which gives the same per-key total order a real server's script
// execution provides. Not for production use.
type MemCommands struct {
	mu   sync.Mutex
	strs map[string]memString
	maps map[string]memHash
	now  func() time.Time
}

type memString struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memHash struct {
	fields    map[string]string
	expiresAt time.Time
}

// NewMemCommands returns an empty in-process fast store.
func NewMemCommands() *MemCommands {
	return &MemCommands{
		strs: make(map[string]memString),
		maps: make(map[string]memHash),
		now:  time.Now,
	}
}

func expired(at time.Time, now time.Time) bool {
	return !at.IsZero() && now.After(at)
}

// reap drops expired entries for the keys it touches. Callers hold mu.
func (m *MemCommands) reap(keys ...string) {
	now := m.now()
	for _, k := range keys {
		if s, ok := m.strs[k]; ok && expired(s.expiresAt, now) {
			delete(m.strs, k)
		}
		if h, ok := m.maps[k]; ok && expired(h.expiresAt, now) {
			delete(m.maps, k)
		}
	}
}

// Eval supports the consume script only; it applies the script's contract
// atomically under the store mutex.
func (m *MemCommands) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if script != consumeScript {
		return nil, fmt.Errorf("memcommands: unsupported script")
	}
	if len(keys) != 2 || len(args) != 1 {
		return nil, fmt.Errorf("memcommands: consume script wants 2 keys and 1 arg")
	}
	amount, err := toInt64(args[0])
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(keys[0], keys[1])

	s, ok := m.strs[keys[0]]
	if !ok {
		return []interface{}{int64(-1), int64(0)}, nil
	}
	remaining, err := strconv.ParseInt(s.value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("memcommands: non-integer remaining %q", s.value)
	}
	if remaining < amount {
		return []interface{}{int64(0), remaining}, nil
	}

	newRemaining := remaining - amount
	s.value = strconv.FormatInt(newRemaining, 10)
	m.strs[keys[0]] = s

	h, ok := m.maps[keys[1]]
	if !ok {
		h = memHash{fields: make(map[string]string)}
	}
	hincr(h.fields, "consumed", amount)
	hincr(h.fields, "transaction_count", 1)
	m.maps[keys[1]] = h

	return []interface{}{int64(1), newRemaining}, nil
}

func hincr(fields map[string]string, field string, by int64) {
	cur, _ := strconv.ParseInt(fields[field], 10, 64)
	fields[field] = strconv.FormatInt(cur+by, 10)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("memcommands: unsupported arg type %T", v)
	}
}

func (m *MemCommands) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	s, ok := m.strs[key]
	if !ok {
		return "", false, nil
	}
	return s.value, true, nil
}

func (m *MemCommands) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var at time.Time
	if ttl > 0 {
		at = m.now().Add(ttl)
	}
	m.strs[key] = memString{value: value, expiresAt: at}
	return nil
}

func (m *MemCommands) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	h, ok := m.maps[key]
	if !ok {
		h = memHash{fields: make(map[string]string)}
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	m.maps[key] = h
	return nil
}

func (m *MemCommands) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	out := make(map[string]string)
	if h, ok := m.maps[key]; ok {
		for k, v := range h.fields {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemCommands) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now().Add(ttl)
	if s, ok := m.strs[key]; ok {
		s.expiresAt = at
		m.strs[key] = s
	}
	if h, ok := m.maps[key]; ok {
		h.expiresAt = at
		m.maps[key] = h
	}
	return nil
}

func (m *MemCommands) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	p := prefix + ":"
	for k := range m.strs {
		if strings.HasPrefix(k, p) {
			delete(m.strs, k)
			n++
		}
	}
	for k := range m.maps {
		if strings.HasPrefix(k, p) {
			delete(m.maps, k)
			n++
		}
	}
	return n, nil
}

func (m *MemCommands) InfoMemory(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("keys:%d", len(m.strs)+len(m.maps)), nil
}

func (m *MemCommands) Ping(ctx context.Context) error {
	return ctx.Err()
}

// FlushAll empties the store. Test helper.
func (m *MemCommands) FlushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strs = make(map[string]memString)
	m.maps = make(map[string]memHash)
}

// SetClock overrides the time source. Test helper for TTL checks.
func (m *MemCommands) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
