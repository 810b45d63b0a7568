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

package lmprob

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-sentence-prob/pkg/composition"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/onnx"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/remote"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scorecache"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/autoregressive"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/bidirectional"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/recurrent"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
)

const defaultIndexCacheSize = 8

// Config holds the configuration shared by every model a Loader builds,
// plus the models themselves.
type Config struct {
	Models []*ModelConfig `json:"models"`

	TokenizersPoolConfig *tokenization.Config `json:"tokenizersPoolConfig"`
	CompositionConfig    *composition.Config  `json:"compositionConfig"`
	// IndexCacheSize bounds the number of composition indexes kept. Models
	// with identical vocabulary tokenizations share one.
	IndexCacheSize int `json:"indexCacheSize"`
	// ScoreCacheConfig enables sentence score memoization when set.
	ScoreCacheConfig *scorecache.Config `json:"scoreCacheConfig,omitempty"`

	// EnableMetrics instruments forward passes.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// NewDefaultConfig returns a default configuration without models.
func NewDefaultConfig() *Config {
	return &Config{
		TokenizersPoolConfig: tokenization.DefaultConfig(),
		CompositionConfig:    composition.DefaultConfig(),
		IndexCacheSize:       defaultIndexCacheSize,
	}
}

// ModelConfig configures one model.
type ModelConfig struct {
	// Name keys cached scores. Defaults to the identity.
	Name     string `json:"name,omitempty"`
	Identity string `json:"identity"`

	// Tokenizer is a HuggingFace model id or tokenizer.json path. Defaults
	// to the identity's tokenizer.
	Tokenizer     string                          `json:"tokenizer,omitempty"`
	SpecialTokens *tokenization.SpecialTokenNames `json:"specialTokens,omitempty"`

	// The first configured forwarder is used.
	ONNXConfig   *onnx.Config   `json:"onnxConfig,omitempty"`
	RemoteConfig *remote.Config `json:"remoteConfig,omitempty"`

	VocabularyConfig *VocabularyConfig `json:"vocabularyConfig"`
	// WordIDsPath is the JSON word id table of recurrent models.
	WordIDsPath string `json:"wordIDsPath,omitempty"`
	// ARPAPath is the n-gram model file.
	ARPAPath string `json:"arpaPath,omitempty"`

	BidirectionalConfig  *bidirectional.Config  `json:"bidirectionalConfig,omitempty"`
	AutoregressiveConfig *autoregressive.Config `json:"autoregressiveConfig,omitempty"`
	RecurrentConfig      *recurrent.Config      `json:"recurrentConfig,omitempty"`
}

// VocabularyConfig points at the candidate word lists.
type VocabularyConfig struct {
	LowercasePath string `json:"lowercasePath"`
	// CapitalizedPath may be empty, in which case the capitalized list is
	// derived from the lowercase one.
	CapitalizedPath string `json:"capitalizedPath,omitempty"`
}

// name returns the cache namespace of the model.
func (c *ModelConfig) name() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Identity
}

// LoadConfig reads a YAML or JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	for i, mc := range cfg.Models {
		if mc == nil {
			return nil, fmt.Errorf("model %d: empty configuration", i)
		}
		if _, err := ParseIdentity(mc.Identity); err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
	}
	return cfg, nil
}
