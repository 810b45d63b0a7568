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

// Package recurrent estimates probabilities under word-level recurrent
// language models. Inputs are rows of word ids rather than sub-word tokens,
// and every forward pass starts from a reset recurrent state.
package recurrent

import (
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

const (
	defaultBatchSize = 500

	endMarker = "."
)

// ErrOutputTooSmall is returned when a word id has no logit in the model
// output.
var ErrOutputTooSmall = errors.New("recurrent: word id outside model output")

// Config holds the estimator parameters.
type Config struct {
	BatchSize int `json:"batchSize"`
	// MaxOrders and OrderSeed control reveal-order averaging of the
	// bidirectional variant.
	MaxOrders int    `json:"maxOrders"`
	OrderSeed uint64 `json:"orderSeed"`
	// MaxSentenceWords bounds sentence length of the bidirectional variant,
	// at most scoring.MaxSubsetWords.
	MaxSentenceWords int `json:"maxSentenceWords"`
	// MaxCandidates bounds how many ranked continuations the
	// unidirectional variant re-scores. Zero means no bound.
	MaxCandidates int `json:"maxCandidates"`
}

// DefaultConfig returns the default estimator configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:        defaultBatchSize,
		MaxOrders:        scoring.DefaultMaxOrders,
		OrderSeed:        scoring.DefaultOrderSeed,
		MaxSentenceWords: scoring.MaxSubsetWords,
	}
}

// Deps are the model resources the estimators read.
type Deps struct {
	Forwarder  lm.Forwarder
	WordIDs    *vocabulary.WordIDs
	Vocabulary *vocabulary.Vocabulary
}

func normalize(config *Config, deps Deps) (Config, error) {
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

	switch {
	case deps.Forwarder == nil:
		return cfg, errors.New("recurrent: forwarder is required")
	case deps.WordIDs == nil:
		return cfg, errors.New("recurrent: word id table is required")
	case deps.Vocabulary == nil:
		return cfg, errors.New("recurrent: vocabulary is required")
	}
	if _, err := deps.WordIDs.ID(endMarker); err != nil {
		return cfg, fmt.Errorf("recurrent: end marker: %w", err)
	}
	return cfg, nil
}

func batchConfig(size int) lm.BatchConfig {
	return lm.BatchConfig{Size: size, PadID: 0, PadSide: lm.PadRight}
}

func toRow(ids []int) []uint32 {
	row := make([]uint32, len(ids))
	for i, id := range ids {
		row[i] = uint32(id)
	}
	return row
}

// checkOutput requires every id to index into the logits of the model.
func checkOutput[T int | uint32](logits *lm.Logits, ids []T) error {
	for _, id := range ids {
		if int(id) >= logits.VocabSize {
			return fmt.Errorf("%w: id %d, output size %d", ErrOutputTooSmall, id, logits.VocabSize)
		}
	}
	return nil
}
