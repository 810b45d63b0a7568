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

// Package autoregressive estimates probabilities under causal language
// models, where the chain rule applies directly in left-to-right order.
package autoregressive

import (
	"context"
	"errors"
	"fmt"
	"math"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

const defaultBatchSize = 64

// PruningConfig controls the candidate pruning probe of WordProbabilities.
// The probe keeps every token whose next-token log-probability after the
// left context clears a floor, lowering the floor by Relaxation until at
// least MinCandidates eligible tokens survive.
type PruningConfig struct {
	Enabled          bool    `json:"enabled"`
	InitialThreshold float64 `json:"initialThreshold"`
	Relaxation       float64 `json:"relaxation"`
	MinCandidates    int     `json:"minCandidates"`
}

// Config holds the estimator parameters.
type Config struct {
	BatchSize int `json:"batchSize"`
	// TypeMasked restricts every next-token distribution to the class
	// (word start or continuation) of the token that actually follows, and
	// the pruning probe to word-start tokens.
	TypeMasked bool          `json:"typeMasked"`
	Pruning    PruningConfig `json:"pruning"`
}

// DefaultConfig returns the default estimator configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:  defaultBatchSize,
		TypeMasked: true,
		Pruning: PruningConfig{
			Enabled:          true,
			InitialThreshold: -10,
			Relaxation:       5,
			MinCandidates:    10,
		},
	}
}

// Deps are the model resources the estimator reads.
type Deps struct {
	Forwarder lm.Forwarder
	// Encoder must encode words the way they appear mid-sentence, i.e.
	// with a leading space for byte-level tokenizers.
	Encoder     *tokenization.WordEncoder
	Classes     *tokenization.TokenClasses
	Special     *tokenization.SpecialTokens
	VocabTokens *tokenization.VocabularyTokens
}

// Estimator implements scoring.Estimator for causal LMs.
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
	if cfg.Pruning.Enabled && cfg.Pruning.Relaxation <= 0 {
		return nil, errors.New("autoregressive: pruning relaxation must be positive")
	}

	switch {
	case deps.Forwarder == nil:
		return nil, errors.New("autoregressive: forwarder is required")
	case deps.Encoder == nil:
		return nil, errors.New("autoregressive: word encoder is required")
	case deps.Special == nil:
		return nil, errors.New("autoregressive: special tokens are required")
	case cfg.TypeMasked && deps.Classes == nil:
		return nil, errors.New("autoregressive: token classes are required for type masking")
	}

	return &Estimator{cfg: cfg, deps: deps}, nil
}

func (e *Estimator) batchConfig(size int) lm.BatchConfig {
	return lm.BatchConfig{Size: size, PadID: e.deps.Special.Pad, PadSide: lm.PadRight}
}

func (e *Estimator) allowedFor(next uint32) lm.Allowed {
	if !e.cfg.TypeMasked {
		return nil
	}
	return e.deps.Classes.AllowFor(next)
}

// rowLogProb sums the log-probability of every token after the first.
func (e *Estimator) rowLogProb(b *lm.Batch, logits *lm.Logits, r int, row []uint32) float64 {
	total := 0.0
	for n := 0; n+1 < len(row); n++ {
		next := row[n+1]
		total += lm.LogProb(logits.At(r, b.Position(r, n)), int(next), e.allowedFor(next))
	}
	return total
}

// SentenceProbability returns the sum of next-token log-probabilities of the
// sentence framed by end markers.
func (e *Estimator) SentenceProbability(ctx context.Context, words []string) (float64, error) {
	if err := scoring.ValidateSentence(words); err != nil {
		return 0, err
	}

	toks, err := e.deps.Encoder.EncodeWords(words)
	if err != nil {
		return 0, fmt.Errorf("autoregressive: %w", err)
	}

	row := []uint32{e.deps.Special.EndMarker}
	for _, t := range toks {
		row = append(row, t...)
	}
	row = append(row, e.deps.Special.EndMarker)

	var score float64
	err = lm.RunBatches(ctx, e.deps.Forwarder, [][]uint32{row}, e.batchConfig(1),
		func(_ int, b *lm.Batch, logits *lm.Logits) error {
			score = e.rowLogProb(b, logits, 0, row)
			return nil
		})
	if err != nil {
		return 0, err
	}
	return score, nil
}

// WordProbabilities scores the vocabulary words whose first token survives
// the pruning probe by the log-probability of the whole substituted
// sentence. The result carries the vocabulary indices of the scored words.
func (e *Estimator) WordProbabilities(ctx context.Context, words []string, position int) (*scoring.WordScores, error) {
	logger := klog.FromContext(ctx).WithName("autoregressive.WordProbabilities")

	if err := scoring.ValidatePosition(words, position); err != nil {
		return nil, err
	}

	leftToks, err := e.deps.Encoder.EncodeWords(words[:position])
	if err != nil {
		return nil, fmt.Errorf("autoregressive: %w", err)
	}
	rightToks, err := e.deps.Encoder.EncodeWords(words[position+1:])
	if err != nil {
		return nil, fmt.Errorf("autoregressive: %w", err)
	}

	left := []uint32{e.deps.Special.EndMarker}
	for _, t := range leftToks {
		left = append(left, t...)
	}
	var right []uint32
	for _, t := range rightToks {
		right = append(right, t...)
	}
	right = append(right, e.deps.Special.EndMarker)

	var tops sets.Set[uint32]
	if e.cfg.Pruning.Enabled {
		if tops, err = e.probe(ctx, left); err != nil {
			return nil, err
		}
	}

	vocab := e.deps.VocabTokens.ForPosition(position)
	out := &scoring.WordScores{Scores: []float64{}, Indices: []int{}}
	var rows [][]uint32
	for wi, wordToks := range vocab {
		if tops != nil && !tops.Has(wordToks[0]) {
			continue
		}
		row := make([]uint32, 0, len(left)+len(wordToks)+len(right))
		row = append(row, left...)
		row = append(row, wordToks...)
		rows = append(rows, append(row, right...))
		out.Indices = append(out.Indices, wi)
	}

	if len(rows) == 0 {
		logger.Info("no vocabulary word survived pruning", "position", position)
		return out, nil
	}

	out.Scores = make([]float64, len(rows))
	err = lm.RunBatches(ctx, e.deps.Forwarder, rows, e.batchConfig(e.cfg.BatchSize),
		func(first int, b *lm.Batch, logits *lm.Logits) error {
			for r := range b.Rows {
				out.Scores[first+r] = e.rowLogProb(b, logits, r, rows[first+r])
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	logger.V(logging.DEBUG).Info("scored candidates",
		"position", position, "candidates", len(rows), "vocabulary", len(vocab))
	return out, nil
}

// probe returns the tokens clearing the relaxed floor after left.
func (e *Estimator) probe(ctx context.Context, left []uint32) (sets.Set[uint32], error) {
	var logProbs []float64
	err := lm.RunBatches(ctx, e.deps.Forwarder, [][]uint32{left}, e.batchConfig(1),
		func(_ int, b *lm.Batch, logits *lm.Logits) error {
			logProbs = lm.LogSoftmax(logits.At(0, b.Position(0, len(left)-1)), nil)
			return nil
		})
	if err != nil {
		return nil, err
	}

	eligible := func(id int) bool {
		return !e.cfg.TypeMasked || e.deps.Classes.IsStart(uint32(id))
	}
	// tokens at -Inf or NaN never clear a floor
	total := 0
	for id, lp := range logProbs {
		if eligible(id) && !math.IsInf(lp, -1) && !math.IsNaN(lp) {
			total++
		}
	}

	p := e.cfg.Pruning
	for retry := 0; ; retry++ {
		floor := p.InitialThreshold - float64(retry)*p.Relaxation
		tops := sets.New[uint32]()
		for id, lp := range logProbs {
			if lp > floor && eligible(id) {
				tops.Insert(uint32(id))
			}
		}

		if tops.Len() >= p.MinCandidates || tops.Len() == total {
			klog.FromContext(ctx).V(logging.TRACE).Info("pruning probe done",
				"retries", retry, "floor", floor, "candidates", tops.Len())
			return tops, nil
		}
	}
}
