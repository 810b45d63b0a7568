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

package composition

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

const defaultCacheSize = 8

// Cased holds the indexes of the lowercase and capitalized vocabulary.
type Cased struct {
	Lower       *Index
	Capitalized *Index
}

// ForPosition returns the capitalized index for the first word and the
// lowercase index otherwise.
func (c *Cased) ForPosition(position int) *Index {
	if position == 0 {
		return c.Capitalized
	}
	return c.Lower
}

type fingerprintInput struct {
	Words         [][]uint32 `cbor:"1,keyasint"`
	BatchSize     int        `cbor:"2,keyasint"`
	MaxWordTokens int        `cbor:"3,keyasint"`
}

// Fingerprint identifies the index Build would produce for words and cfg.
// Models sharing a tokenizer and vocabulary share a fingerprint.
func Fingerprint(words [][]uint32, cfg *Config) (uint64, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return 0, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	data, err := encMode.Marshal(fingerprintInput{
		Words:         words,
		BatchSize:     cfg.BatchSize,
		MaxWordTokens: cfg.MaxWordTokens,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode index fingerprint: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// Cache keeps recently built indexes keyed by fingerprint. Concurrent
// requests for the same index are collapsed into one build.
type Cache struct {
	cfg   *Config
	cache *lru.Cache[uint64, *Index]
	group singleflight.Group
}

// NewCache creates a Cache holding up to size indexes built with cfg.
func NewCache(size int, cfg *Config) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c, err := lru.New[uint64, *Index](size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize index cache: %w", err)
	}
	return &Cache{cfg: cfg, cache: c}, nil
}

// GetOrBuild returns the cached index for words or builds it.
func (c *Cache) GetOrBuild(ctx context.Context, words [][]uint32) (*Index, error) {
	key, err := Fingerprint(words, c.cfg)
	if err != nil {
		return nil, err
	}

	if ix, ok := c.cache.Get(key); ok {
		return ix, nil
	}

	result, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		if ix, ok := c.cache.Get(key); ok {
			return ix, nil
		}

		ix, err := Build(words, c.cfg)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, ix)

		klog.FromContext(ctx).V(logging.DEBUG).Info("built composition index",
			"fingerprint", key, "words", ix.NumWords(), "patterns", ix.NumPatterns(), "batches", ix.NumBatches())
		return ix, nil
	})
	if err != nil {
		return nil, err
	}

	ix, ok := result.(*Index)
	if !ok {
		return nil, fmt.Errorf("unexpected index type from singleflight result")
	}
	return ix, nil
}

// BuildCased builds or fetches the indexes of both case variants.
func (c *Cache) BuildCased(ctx context.Context, lower, capitalized [][]uint32) (*Cased, error) {
	low, err := c.GetOrBuild(ctx, lower)
	if err != nil {
		return nil, fmt.Errorf("lowercase vocabulary: %w", err)
	}
	capIx, err := c.GetOrBuild(ctx, capitalized)
	if err != nil {
		return nil, fmt.Errorf("capitalized vocabulary: %w", err)
	}
	return &Cased{Lower: low, Capitalized: capIx}, nil
}
