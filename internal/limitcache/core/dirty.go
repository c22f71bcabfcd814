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

import "sync"

// DirtySet tracks remaining-key names whose fast-store value has diverged
// from the record store since the last successful sync. It is the single
// point of serialization between consume (many concurrent producers) and
// the sync worker (one snapshot-then-remove consumer).
//
// The set is process-local. With more than one engine instance pointed at
// the same fast store, each instance only syncs its own consumes; run a
// single writer per keyspace.
type DirtySet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewDirtySet returns an empty set.
func NewDirtySet() *DirtySet {
	return &DirtySet{keys: make(map[string]struct{})}
}

// Add marks a key dirty. Idempotent.
func (s *DirtySet) Add(key string) {
	s.mu.Lock()
	s.keys[key] = struct{}{}
	n := len(s.keys)
	s.mu.Unlock()
	dirtyKeysGauge.Set(float64(n))
}

// Snapshot copies the current keys into a list. No ordering guarantees.
func (s *DirtySet) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}

// RemoveAll deletes the given keys; keys added since the snapshot survive.
func (s *DirtySet) RemoveAll(keys []string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	n := len(s.keys)
	s.mu.Unlock()
	dirtyKeysGauge.Set(float64(n))
}

// Contains reports membership. Used by tests and the status surface.
func (s *DirtySet) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Size returns the current number of dirty keys.
func (s *DirtySet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Clear empties the set (cache clear drops pending divergence with it).
func (s *DirtySet) Clear() {
	s.mu.Lock()
	s.keys = make(map[string]struct{})
	s.mu.Unlock()
	dirtyKeysGauge.Set(0)
}
