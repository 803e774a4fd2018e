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

package quotapersist

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisEvaler abstracts the minimal surface needed from a Redis client so
// RedisPersister can be tested without a live server.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler wraps a real github.com/redis/go-redis/v9 client.
type GoRedisEvaler struct{ client *redis.Client }

// NewGoRedisEvaler connects to addr (e.g. "127.0.0.1:6379").
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.client.Eval(ctx, script, keys, args...).Result()
}

// redisCommitScript applies a commit idempotently:
//  1. SETNX a per-(key,commit) marker.
//  2. If newly set, HINCRBY the aggregate counter by -vector (scalar convention).
//  3. EXPIRE the marker so retried commits eventually stop being tracked.
//
// If the marker already existed, the script is a no-op and returns 0.
const redisCommitScript = `
local counterKey = KEYS[1]
local markerKey = KEYS[2]
local vector = tonumber(ARGV[1])
local ttlSeconds = tonumber(ARGV[2])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('HINCRBY', counterKey, 'scalar', -vector)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

// RedisCounterKey and RedisCommitMarkerKey compute the keyspace layout so
// callers inspecting Redis directly (ops, debugging) can find entries.
func RedisCounterKey(key string) string { return fmt.Sprintf("quota:counter:%s", key) }
func RedisCommitMarkerKey(key, commitID string) string {
	return fmt.Sprintf("quota:commit:%s:%s", key, commitID)
}

// RedisPersister mirrors quota commits into Redis, for processes that want
// a cross-process view of consumption without querying SQLite. It is an
// optional distributed mirror, not the system of record.
type RedisPersister struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewRedisPersister builds a mirror persister. markerTTL bounds how long
// idempotency markers are retained; pick something comfortably larger than
// the maximum expected retry window.
func NewRedisPersister(client RedisEvaler, markerTTL time.Duration) *RedisPersister {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisPersister{client: client, markerTTL: markerTTL}
}

// CommitBatch applies each entry via a single EVAL per entry.
func (r *RedisPersister) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.CommitID == "" {
			return errors.New("quotapersist: CommitEntry.CommitID must be set")
		}
		keys := []string{RedisCounterKey(e.Key), RedisCommitMarkerKey(e.Key, e.CommitID)}
		args := []interface{}{e.Vector, int(r.markerTTL.Seconds())}
		if _, err := r.client.Eval(ctx, redisCommitScript, keys, args...); err != nil {
			return fmt.Errorf("quotapersist redis eval key=%s commit=%s: %w", e.Key, e.CommitID, err)
		}
	}
	return nil
}
