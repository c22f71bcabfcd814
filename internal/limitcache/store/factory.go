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

package store

import (
	"database/sql"
	"errors"
	"fmt"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"
)

// BuildStore constructs a RecordStore from a string selector.
// Supported adapters:
//   - "memory": in-process store (default; no infrastructure required)
//   - "postgres": production store; dsn must be a lib/pq connection string
func BuildStore(adapter, dsn string) (RecordStore, error) {
	switch adapter {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if dsn == "" {
			return nil, errors.New("postgres adapter requires a connection string")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store adapter: %s", adapter)
	}
}
