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

package scorecache_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-sentence-prob/pkg/scorecache"
)

// testCommonStoreBehavior runs the checks every backend must pass.
func testCommonStoreBehavior(t *testing.T, newStore func(t *testing.T) scorecache.Store) {
	t.Helper()

	t.Run("miss", func(t *testing.T) {
		store := newStore(t)
		_, found, err := store.Get(t.Context(), scorecache.NewKey("gpt2", []string{"the", "cat"}))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("put then get", func(t *testing.T) {
		store := newStore(t)
		key := scorecache.NewKey("gpt2", []string{"the", "cat"})
		require.NoError(t, store.Put(t.Context(), key, -12.25))

		score, found, err := store.Get(t.Context(), key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, -12.25, score)
	})

	t.Run("models do not share scores", func(t *testing.T) {
		store := newStore(t)
		words := []string{"the", "dog"}
		require.NoError(t, store.Put(t.Context(), scorecache.NewKey("bert", words), -3))

		_, found, err := store.Get(t.Context(), scorecache.NewKey("roberta", words))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("overwrite", func(t *testing.T) {
		store := newStore(t)
		key := scorecache.NewKey("lstm", []string{"a"})
		require.NoError(t, store.Put(t.Context(), key, -1))
		require.NoError(t, store.Put(t.Context(), key, -2))

		score, found, err := store.Get(t.Context(), key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, -2.0, score)
	})

	t.Run("negative infinity", func(t *testing.T) {
		store := newStore(t)
		key := scorecache.NewKey("trigram", []string{"zebra"})
		require.NoError(t, store.Put(t.Context(), key, math.Inf(-1)))

		score, found, err := store.Get(t.Context(), key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, math.IsInf(score, -1))
	})
}

func TestKey(t *testing.T) {
	a := scorecache.NewKey("bert", []string{"the", "cat"})
	b := scorecache.NewKey("bert", []string{"the", "cat"})
	c := scorecache.NewKey("bert", []string{"thecat"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a.SentenceHash, c.SentenceHash)
	assert.Contains(t, a.String(), "bert@")
}
