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
	"time"

	redis "github.com/redis/go-redis/v9"
)

// GoRedisCommands is the production Commands implementation backed by
// github.com/redis/go-redis/v9. Use NewGoRedisCommands with an address like
// "127.0.0.1:6379".
type GoRedisCommands struct{ c *redis.Client }

// NewGoRedisCommands builds a client for the given address.
func NewGoRedisCommands(addr string) *GoRedisCommands {
	return &GoRedisCommands{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// WrapRedisClient adapts an existing client (e.g. one configured with
// TLS or a cluster-aware DNS name presenting a single keyspace).
func WrapRedisClient(c *redis.Client) *GoRedisCommands {
	return &GoRedisCommands{c: c}
}

func (g *GoRedisCommands) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

func (g *GoRedisCommands) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := g.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *GoRedisCommands) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisCommands) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return g.c.HSet(ctx, key, args).Err()
}

func (g *GoRedisCommands) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return g.c.HGetAll(ctx, key).Result()
}

func (g *GoRedisCommands) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.c.Expire(ctx, key, ttl).Err()
}

// DeleteByPrefix scans the keyspace in pages and deletes matches. SCAN keeps
// the server responsive on large keyspaces where KEYS would block.
func (g *GoRedisCommands) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	var cursor uint64
	pattern := prefix + ":*"
	for {
		keys, next, err := g.c.Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := g.c.Del(ctx, keys...).Result()
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (g *GoRedisCommands) InfoMemory(ctx context.Context) (string, error) {
	return g.c.Info(ctx, "memory").Result()
}

func (g *GoRedisCommands) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}
