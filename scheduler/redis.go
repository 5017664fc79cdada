// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is prepended to every key the RedisRegistry touches.
const DefaultPrefix = "gitvisor:schedule:"

// Deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRegistry keeps registrations in Redis, where they outlive the
// daemon that made them.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisRegistry connects to the Redis server at addr.
func NewRedisRegistry(addr, password string, db int) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRegistry{client: client, prefix: DefaultPrefix}, nil
}

func (r *RedisRegistry) occKey() string {
	return r.prefix + "occurrences"
}

func (r *RedisRegistry) lockKey(name string) string {
	return r.prefix + "lock:" + name
}

func (r *RedisRegistry) List(ctx context.Context) ([]Occurrence, error) {
	vals, err := r.client.HGetAll(ctx, r.occKey()).Result()
	if err != nil {
		return nil, err
	}
	res := make([]Occurrence, 0, len(vals))
	for id, v := range vals {
		var o Occurrence
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			// Unreadable entries are still returned so they can be removed.
			o = Occurrence{ID: id}
		}
		o.ID = id
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Registered.Before(res[j].Registered)
	})
	return res, nil
}

func (r *RedisRegistry) Add(ctx context.Context, o Occurrence) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.occKey(), o.ID, b).Err()
}

func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.occKey(), id).Err()
}

func (r *RedisRegistry) Lock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := r.lockKey(name)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// The job's context may be done by now.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		unlockScript.Run(ctx, r.client, []string{key}, token)
	}, true, nil
}

func (r *RedisRegistry) Flush(ctx context.Context) error {
	keys := []string{r.occKey()}
	iter := r.client.Scan(ctx, 0, r.lockKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close releases the connection pool.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
