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
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e7 // 10M keys
	defaultBufferItems = 64  // default buffer size for ristretto

	// entryOverhead approximates ristretto's per-item bookkeeping and the
	// float64 value.
	entryOverhead = 64 + 8
)

// CostAwareMemoryStoreConfig holds the configuration for the
// CostAwareMemoryStore.
type CostAwareMemoryStoreConfig struct {
	// Size is the maximum memory size that can be used by the store.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

func DefaultCostAwareMemoryStoreConfig() *CostAwareMemoryStoreConfig {
	return &CostAwareMemoryStoreConfig{
		Size: "256MiB",
	}
}

// NewCostAwareMemoryStore creates a new CostAwareMemoryStore instance.
func NewCostAwareMemoryStore(cfg *CostAwareMemoryStoreConfig) (*CostAwareMemoryStore, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryStoreConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware score cache: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, float64]{
		NumCounters: defaultNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115 , maximum cost of cache
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware score cache: %w", err)
	}

	return &CostAwareMemoryStore{data: cache}, nil
}

// CostAwareMemoryStore bounds the memory held by cached scores instead of
// their count.
type CostAwareMemoryStore struct {
	data *ristretto.Cache[string, float64]
}

var _ Store = &CostAwareMemoryStore{}

func (m *CostAwareMemoryStore) MaxCost() int64 {
	return m.data.MaxCost()
}

// EntryCost estimates the bytes a cached score for key occupies.
func EntryCost(key Key) int64 {
	return int64(len(key.String())) + entryOverhead
}

// Get returns the cached score of key. Entries the admission policy
// dropped are misses.
func (m *CostAwareMemoryStore) Get(ctx context.Context, key Key) (float64, bool, error) {
	score, found := m.data.Get(key.String())
	klog.FromContext(ctx).V(logging.TRACE).WithName("scorecache.CostAwareMemoryStore.Get").Info("lookup",
		"key", key.String(), "found", found)
	return score, found, nil
}

// Put admits the score of key with its EntryCost and waits for the write.
func (m *CostAwareMemoryStore) Put(ctx context.Context, key Key, score float64) error {
	cost := EntryCost(key)
	if !m.data.Set(key.String(), score, cost) {
		klog.FromContext(ctx).V(logging.TRACE).WithName("scorecache.CostAwareMemoryStore.Put").Info("score dropped",
			"key", key.String())
	}
	m.data.Wait()
	return nil
}
