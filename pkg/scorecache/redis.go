/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scorecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lmprob:score:"

// RedisStoreConfig holds the configuration for the RedisStore.
type RedisStoreConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// TTL expires cached scores. Zero keeps them until evicted by Redis.
	TTL time.Duration `json:"ttl,omitempty"`
}

func DefaultRedisStoreConfig() *RedisStoreConfig {
	return &RedisStoreConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisStore creates a new RedisStore instance.
func NewRedisStore(ctx context.Context, config *RedisStoreConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisStoreConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{RedisClient: redisClient, ttl: config.TTL}, nil
}

// RedisStore implements Store on plain Redis string values, so several
// processes can share scores.
type RedisStore struct {
	RedisClient *redis.Client
	ttl         time.Duration
}

var _ Store = &RedisStore{}

// Get reads the score of key. A missing key is a miss, not an error.
func (r *RedisStore) Get(ctx context.Context, key Key) (float64, bool, error) {
	score, err := r.RedisClient.Get(ctx, redisKeyPrefix+key.String()).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get score from Redis: %w", err)
	}
	return score, true, nil
}

// Put writes the score of key with the configured TTL.
func (r *RedisStore) Put(ctx context.Context, key Key, score float64) error {
	value := strconv.FormatFloat(score, 'g', -1, 64)
	if err := r.RedisClient.Set(ctx, redisKeyPrefix+key.String(), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to add score to Redis: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.RedisClient.Close()
}
