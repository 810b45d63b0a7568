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

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

const defaultInMemoryStoreSize = 1e6

// InMemoryStoreConfig holds the configuration for the InMemoryStore.
type InMemoryStoreConfig struct {
	// Size is the maximum number of scores kept.
	Size int `json:"size"`
}

// DefaultInMemoryStoreConfig returns a default configuration for the
// InMemoryStore.
func DefaultInMemoryStoreConfig() *InMemoryStoreConfig {
	return &InMemoryStoreConfig{Size: defaultInMemoryStoreSize}
}

// NewInMemoryStore creates a new InMemoryStore instance.
func NewInMemoryStore(cfg *InMemoryStoreConfig) (*InMemoryStore, error) {
	if cfg == nil {
		cfg = DefaultInMemoryStoreConfig()
	}

	cache, err := lru.New[Key, float64](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory score cache: %w", err)
	}
	return &InMemoryStore{data: cache}, nil
}

// InMemoryStore is an LRU-bounded Store. The lru cache is thread-safe.
type InMemoryStore struct {
	data *lru.Cache[Key, float64]
}

var _ Store = &InMemoryStore{}

// Get returns the cached score of key and marks it recently used.
func (m *InMemoryStore) Get(ctx context.Context, key Key) (float64, bool, error) {
	score, found := m.data.Get(key)
	klog.FromContext(ctx).V(logging.TRACE).WithName("scorecache.InMemoryStore.Get").Info("lookup",
		"key", key.String(), "found", found)
	return score, found, nil
}

// Put stores the score of key, evicting the least recently used entry when
// full.
func (m *InMemoryStore) Put(_ context.Context, key Key, score float64) error {
	m.data.Add(key, score)
	return nil
}
