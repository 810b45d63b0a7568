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

// Package bidirectional estimates sentence and word probabilities under
// masked language models.
//
// A masked LM has no natural factorization order, so the joint probability
// of a sentence is estimated by walking word reveal orders: at each step the
// next word is scored with every not-yet-revealed word masked, and the
// per-order chain sums are averaged. Multi-token words are themselves scored
// by averaging over the orders in which their sub-tokens can be revealed.
package bidirectional

import (
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-sentence-prob/pkg/composition"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
)

const defaultBatchSize = 500

// Config holds the estimator parameters.
type Config struct {
	// BatchSize bounds the rows per forward pass for sentence scoring.
	// Word scoring uses the composition index's partition.
	BatchSize int `json:"batchSize"`
	// MaxOrders caps the number of word reveal orders averaged over.
	MaxOrders int `json:"maxOrders"`
	// OrderSeed seeds the sampling of reveal orders.
	OrderSeed uint64 `json:"orderSeed"`
	// PadLeft pads rows on the left, as XLM-style models expect.
	PadLeft bool `json:"padLeft"`
	// MaxSentenceWords bounds sentence length. Masked word sets are keyed
	// by a 64-bit SubsetKey, so it is at most scoring.MaxSubsetWords.
	MaxSentenceWords int `json:"maxSentenceWords"`
	// MaxWordTokens bounds the sub-tokens of each sentence word. A word of
	// k pieces is scored over k! reveal orders.
	MaxWordTokens int `json:"maxWordTokens"`
}

// DefaultConfig returns the default estimator configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:        defaultBatchSize,
		MaxOrders:        scoring.DefaultMaxOrders,
		OrderSeed:        scoring.DefaultOrderSeed,
		MaxSentenceWords: scoring.MaxSubsetWords,
		MaxWordTokens:    composition.DefaultMaxWordTokens,
	}
}

// Deps are the model resources the estimator reads.
type Deps struct {
	Forwarder lm.Forwarder
	Encoder   *tokenization.WordEncoder
	Classes   *tokenization.TokenClasses
	Special   *tokenization.SpecialTokens
	Indexes   *composition.Cased
}

// Estimator implements scoring.Estimator for masked LMs. It is safe for
// concurrent use if the forwarder is.
type Estimator struct {
	cfg  Config
	deps Deps
}

var _ scoring.Estimator = &Estimator{}

// New creates an Estimator.
func New(config *Config, deps Deps) (*Estimator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxSentenceWords <= 0 || cfg.MaxSentenceWords > scoring.MaxSubsetWords {
		cfg.MaxSentenceWords = scoring.MaxSubsetWords
	}
	if cfg.MaxWordTokens <= 0 {
		cfg.MaxWordTokens = composition.DefaultMaxWordTokens
	}

	switch {
	case deps.Forwarder == nil:
		return nil, errors.New("bidirectional: forwarder is required")
	case deps.Encoder == nil:
		return nil, errors.New("bidirectional: word encoder is required")
	case deps.Classes == nil:
		return nil, errors.New("bidirectional: token classes are required")
	case deps.Special == nil || !deps.Special.HasMask:
		return nil, errors.New("bidirectional: a mask token is required")
	}

	return &Estimator{cfg: cfg, deps: deps}, nil
}

func (e *Estimator) batchConfig(size int) lm.BatchConfig {
	side := lm.PadRight
	if e.cfg.PadLeft {
		side = lm.PadLeft
	}
	return lm.BatchConfig{Size: size, PadID: e.deps.Special.Pad, PadSide: side}
}

// frame wraps body in the model's sentence framing.
func (e *Estimator) frame(body []uint32, tail ...uint32) []uint32 {
	sp := e.deps.Special
	row := make([]uint32, 0, len(body)+len(tail)+2)
	if sp.HasCLS {
		row = append(row, sp.CLS)
	}
	row = append(row, body...)
	row = append(row, tail...)
	if sp.HasSEP {
		row = append(row, sp.SEP)
	}
	return row
}

// prefixLen is the number of framing tokens before the first word.
func (e *Estimator) prefixLen() int {
	if e.deps.Special.HasCLS {
		return 1
	}
	return 0
}

func (e *Estimator) encode(words []string) ([][]uint32, error) {
	toks, err := e.deps.Encoder.EncodeWords(words)
	if err != nil {
		return nil, fmt.Errorf("bidirectional: %w", err)
	}
	return toks, nil
}
