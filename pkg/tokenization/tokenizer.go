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

package tokenization

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// tokenizersCacheSize is the size of the LRU cache for tokenizers.
const tokenizersCacheSize = 20

// ErrEmptyEncoding is returned when text encodes to no tokens.
var ErrEmptyEncoding = errors.New("tokenization: text encodes to no tokens")

// Tokenizer is the capability the estimators need from a sub-word tokenizer.
type Tokenizer interface {
	// Encode tokenizes text, optionally wrapping it in the model's special
	// tokens.
	Encode(text string, addSpecialTokens bool) ([]uint32, error)
	// Decode returns the surface form of a single token id.
	Decode(id uint32) string
	// VocabSize is the number of token ids.
	VocabSize() int
}

// HFTokenizer implements Tokenizer using bindings to HuggingFace's rust
// tokenizer.
type HFTokenizer struct {
	tk *tokenizers.Tokenizer
}

var _ Tokenizer = &HFTokenizer{}

func (t *HFTokenizer) Encode(text string, addSpecialTokens bool) ([]uint32, error) {
	ids, _ := t.tk.Encode(text, addSpecialTokens)
	return ids, nil
}

func (t *HFTokenizer) Decode(id uint32) string {
	return t.tk.Decode([]uint32{id}, false)
}

func (t *HFTokenizer) VocabSize() int {
	return int(t.tk.VocabSize())
}

// HFTokenizerConfig holds the configuration for the HuggingFace tokenizer.
type HFTokenizerConfig struct {
	HuggingFaceToken   string `json:"huggingFaceToken"`
	TokenizersCacheDir string `json:"tokenizersCacheDir"` // Directory for caching tokenizers
}

// DefaultHFTokenizerConfig returns a default configuration for the HuggingFace
// tokenizer.
func DefaultHFTokenizerConfig() *HFTokenizerConfig {
	return &HFTokenizerConfig{
		HuggingFaceToken:   "",
		TokenizersCacheDir: getTokenizerCacheDir(),
	}
}

// CachedHFTokenizer loads HuggingFace tokenizers by model name or local
// tokenizer.json path and keeps recently used ones in an LRU cache.
// Concurrent loads of the same model are collapsed.
type CachedHFTokenizer struct {
	opts  []tokenizers.TokenizerConfigOption
	cache *lru.Cache[string, *HFTokenizer]
	group singleflight.Group
}

// NewCachedHFTokenizer creates a new instance of CachedHFTokenizer with the
// provided configuration.
func NewCachedHFTokenizer(config *HFTokenizerConfig) (*CachedHFTokenizer, error) {
	if config == nil {
		config = DefaultHFTokenizerConfig()
	}

	var opts []tokenizers.TokenizerConfigOption
	if config.TokenizersCacheDir != "" {
		opts = append(opts, tokenizers.WithCacheDir(config.TokenizersCacheDir))
	}
	if config.HuggingFaceToken != "" {
		opts = append(opts, tokenizers.WithAuthToken(config.HuggingFaceToken))
	}

	tokenizersCache, err := lru.New[string, *HFTokenizer](tokenizersCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer cache: %w", err)
	}

	return &CachedHFTokenizer{
		opts:  opts,
		cache: tokenizersCache,
	}, nil
}

// Get returns the tokenizer for modelName, loading it on first use.
// modelName may be a HuggingFace model id or a path to a tokenizer.json.
func (t *CachedHFTokenizer) Get(modelName string) (Tokenizer, error) {
	if tokenizer, ok := t.cache.Get(modelName); ok {
		return tokenizer, nil
	}

	result, err, shared := t.group.Do(modelName, func() (any, error) {
		var tk *tokenizers.Tokenizer
		var err error
		if info, statErr := os.Stat(modelName); statErr == nil && !info.IsDir() {
			tk, err = tokenizers.FromFile(modelName)
		} else {
			tk, err = tokenizers.FromPretrained(modelName, t.opts...)
		}
		if err != nil {
			return nil, err
		}
		return &HFTokenizer{tk: tk}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer for model %q: %w", modelName, err)
	}

	tokenizer, ok := result.(*HFTokenizer)
	if !ok {
		return nil, fmt.Errorf("unexpected tokenizer type from singleflight result")
	}

	if !shared {
		// Only add to cache if this goroutine actually loaded the tokenizer
		t.cache.Add(modelName, tokenizer)
	}
	return tokenizer, nil
}

// getTokenizerCacheDir returns the absolute path to the tokenizer cache directory relative to the project root.
func getTokenizerCacheDir() string {
	_, filename, _, _ := runtime.Caller(0) // this file
	base := filepath.Dir(filename)
	return filepath.Join(base, "..", "..", "bin")
}
