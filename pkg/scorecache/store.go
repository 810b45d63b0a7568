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

// Package scorecache memoizes sentence log-probabilities per model.
// Word-probability vectors are never cached.
package scorecache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/metrics"
)

// Config holds the configuration for the score cache.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig holds the configuration for the in-memory store.
	InMemoryConfig *InMemoryStoreConfig `json:"inMemoryConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware
	// memory store.
	CostAwareMemoryConfig *CostAwareMemoryStoreConfig `json:"costAwareMemoryConfig"`
	// RedisConfig holds the configuration for the Redis store.
	RedisConfig *RedisStoreConfig `json:"redisConfig"`

	// EnableMetrics toggles whether lookups/hits/admissions are recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns a default configuration for the score cache.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: DefaultInMemoryStoreConfig(),
	}
}

// NewStore creates a Store from the first configured backend.
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var store Store
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		store, err = NewInMemoryStore(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory score cache: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		store, err = NewCostAwareMemoryStore(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware score cache: %w", err)
		}
	case cfg.RedisConfig != nil:
		store, err = NewRedisStore(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis score cache: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid score cache configuration provided")
	}

	if cfg.EnableMetrics {
		store = NewInstrumentedStore(store)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return store, nil
}

// Store is a backend holding sentence scores.
//
// Operations are thread-safe and can be performed concurrently.
type Store interface {
	// Get returns the cached score of key and whether it was found.
	Get(ctx context.Context, key Key) (float64, bool, error)
	// Put stores the score of key.
	Put(ctx context.Context, key Key, score float64) error
}

// Key identifies one sentence scored by one model.
type Key struct {
	ModelName    string
	SentenceHash uint64
}

// NewKey hashes the words of a sentence for modelName.
func NewKey(modelName string, words []string) Key {
	return Key{
		ModelName:    modelName,
		SentenceHash: xxhash.Sum64String(strings.Join(words, " ")),
	}
}

// String returns a string representation of the Key.
func (k *Key) String() string {
	return fmt.Sprintf("%s@%d", k.ModelName, k.SentenceHash)
}
