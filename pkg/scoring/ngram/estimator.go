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

// Package ngram scores sentences exactly under a fixed-order n-gram model.
package ngram

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/ngram"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

// Padding frames a sentence before evaluation.
type Padding struct {
	Prefix []string `json:"prefix"`
	Suffix []string `json:"suffix"`
}

// PaddingForOrder returns the framing the bigram and trigram models were
// trained with.
func PaddingForOrder(order int) (Padding, error) {
	switch order {
	case 2:
		return Padding{Prefix: []string{"<BOS2>"}, Suffix: []string{"."}}, nil
	case 3:
		return Padding{Prefix: []string{"<BOS1>", "<BOS2>"}, Suffix: []string{".", "<EOS1>"}}, nil
	default:
		return Padding{}, fmt.Errorf("no default padding for order %d", order)
	}
}

// Deps are the resources the estimator reads.
type Deps struct {
	Model      ngram.Evaluator
	Vocabulary *vocabulary.Vocabulary
	// Padding overrides PaddingForOrder when set.
	Padding *Padding
}

// Estimator evaluates padded word sequences.
type Estimator struct {
	model   ngram.Evaluator
	vocab   *vocabulary.Vocabulary
	padding Padding
}

var _ scoring.Estimator = &Estimator{}

// New creates an Estimator.
func New(deps Deps) (*Estimator, error) {
	if deps.Model == nil || deps.Vocabulary == nil {
		return nil, errors.New("ngram: model and vocabulary are required")
	}

	var padding Padding
	if deps.Padding != nil {
		padding = *deps.Padding
	} else {
		var err error
		if padding, err = PaddingForOrder(deps.Model.Order()); err != nil {
			return nil, fmt.Errorf("ngram: %w", err)
		}
	}

	return &Estimator{model: deps.Model, vocab: deps.Vocabulary, padding: padding}, nil
}

func (e *Estimator) frame(words []string) []string {
	out := make([]string, 0, len(e.padding.Prefix)+len(words)+len(e.padding.Suffix))
	out = append(out, e.padding.Prefix...)
	out = append(out, words...)
	return append(out, e.padding.Suffix...)
}

// SentenceProbability evaluates the padded sentence once.
func (e *Estimator) SentenceProbability(_ context.Context, words []string) (float64, error) {
	if err := scoring.ValidateSentence(words); err != nil {
		return 0, err
	}
	return e.model.EvaluateSentence(e.frame(words)), nil
}

// WordProbabilities substitutes every vocabulary word at position and
// evaluates each resulting sentence.
func (e *Estimator) WordProbabilities(ctx context.Context, words []string, position int) (*scoring.WordScores, error) {
	if err := scoring.ValidatePosition(words, position); err != nil {
		return nil, err
	}

	framed := e.frame(words)
	slot := len(e.padding.Prefix) + position
	candidates := e.vocab.ForPosition(position)

	out := &scoring.WordScores{Scores: make([]float64, len(candidates))}
	for i, w := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		framed[slot] = w
		out.Scores[i] = e.model.EvaluateSentence(framed)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("ngram.WordProbabilities").Info("evaluated candidates",
		"position", position, "candidates", len(candidates))
	return out, nil
}
