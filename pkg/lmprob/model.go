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

// Package lmprob is the single entry point for scoring sentences and word
// candidates. A Model dispatches once, at construction, to the estimator
// registered for its identity.
package lmprob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/composition"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/ngram"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scorecache"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/autoregressive"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/bidirectional"
	scoringngram "github.com/llm-d/llm-d-sentence-prob/pkg/scoring/ngram"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/recurrent"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

// Deps are the loaded resources a Model is built from. Each family reads the
// fields it needs.
type Deps struct {
	Forwarder  lm.Forwarder
	Tokenizer  tokenization.Tokenizer
	Vocabulary *vocabulary.Vocabulary
	WordIDs    *vocabulary.WordIDs
	NgramModel ngram.Evaluator

	// IndexCache shares composition indexes between masked models.
	// Optional.
	IndexCache *composition.Cache
	// PoolConfig configures vocabulary encoding. Optional.
	PoolConfig *tokenization.Config
	// Scores memoizes sentence scores. Optional.
	Scores scorecache.Store
}

// Model scores sentences and word candidates with one language model.
type Model struct {
	name      string
	identity  Identity
	estimator scoring.Estimator
	scores    scorecache.Store

	// closers are resources the model owns.
	closers []io.Closer
}

// New builds a Model for cfg.Identity from already loaded resources.
func New(ctx context.Context, cfg *ModelConfig, deps Deps) (*Model, error) {
	if cfg == nil {
		return nil, errors.New("model configuration is required")
	}
	id, err := ParseIdentity(cfg.Identity)
	if err != nil {
		return nil, err
	}

	estimator, err := newEstimator(ctx, id, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s estimator: %w", id, err)
	}

	klog.FromContext(ctx).Info("model ready", "name", cfg.name(), "identity", id, "family", id.Family())
	return &Model{
		name:      cfg.name(),
		identity:  id,
		estimator: estimator,
		scores:    deps.Scores,
	}, nil
}

func newEstimator(ctx context.Context, id Identity, cfg *ModelConfig, deps Deps) (scoring.Estimator, error) {
	p := profiles[id]
	if deps.Vocabulary == nil {
		return nil, errors.New("a vocabulary is required")
	}

	switch p.family {
	case FamilyMasked, FamilyAutoregressive:
		if deps.Forwarder == nil || deps.Tokenizer == nil {
			return nil, errors.New("a forwarder and a tokenizer are required")
		}
		return newTransformerEstimator(ctx, p, cfg, deps)
	case FamilyBidirectionalRecurrent, FamilyRecurrent:
		rd := recurrent.Deps{Forwarder: deps.Forwarder, WordIDs: deps.WordIDs, Vocabulary: deps.Vocabulary}
		if p.family == FamilyBidirectionalRecurrent {
			return recurrent.NewBidirectional(cfg.RecurrentConfig, rd)
		}
		return recurrent.NewUnidirectional(cfg.RecurrentConfig, rd)
	case FamilyNgram:
		if deps.NgramModel == nil {
			return nil, errors.New("an n-gram model is required")
		}
		if order := deps.NgramModel.Order(); order != p.order {
			return nil, fmt.Errorf("n-gram model has order %d, want %d", order, p.order)
		}
		return scoringngram.New(scoringngram.Deps{Model: deps.NgramModel, Vocabulary: deps.Vocabulary})
	default:
		return nil, fmt.Errorf("%w: %q", scoring.ErrUnknownIdentity, id)
	}
}

func newTransformerEstimator(ctx context.Context, p profile, cfg *ModelConfig, deps Deps) (scoring.Estimator, error) {
	names := p.special
	if cfg.SpecialTokens != nil {
		names = *cfg.SpecialTokens
	}
	special, err := tokenization.ResolveSpecialTokens(deps.Tokenizer, names)
	if err != nil {
		return nil, err
	}
	classes, err := tokenization.Classify(deps.Tokenizer, p.scheme)
	if err != nil {
		return nil, err
	}

	encoder := tokenization.NewWordEncoder(deps.Tokenizer, p.leadingSpace)
	vocabTokens, err := tokenization.NewEncodingPool(deps.PoolConfig, encoder).EncodeVocabulary(ctx, deps.Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vocabulary: %w", err)
	}

	if p.family == FamilyAutoregressive {
		ac := autoregressive.DefaultConfig()
		if cfg.AutoregressiveConfig != nil {
			c := *cfg.AutoregressiveConfig
			ac = &c
		}
		ac.TypeMasked = p.typeMasked

		return autoregressive.New(ac, autoregressive.Deps{
			Forwarder:   deps.Forwarder,
			Encoder:     encoder,
			Classes:     classes,
			Special:     special,
			VocabTokens: vocabTokens,
		})
	}

	indexes := deps.IndexCache
	if indexes == nil {
		if indexes, err = composition.NewCache(2, nil); err != nil {
			return nil, err
		}
	}
	cased, err := indexes.BuildCased(ctx, vocabTokens.Lower, vocabTokens.Capitalized)
	if err != nil {
		return nil, fmt.Errorf("failed to build composition index: %w", err)
	}

	bc := bidirectional.DefaultConfig()
	if cfg.BidirectionalConfig != nil {
		c := *cfg.BidirectionalConfig
		bc = &c
	}
	bc.PadLeft = bc.PadLeft || p.padLeft

	return bidirectional.New(bc, bidirectional.Deps{
		Forwarder: deps.Forwarder,
		Encoder:   encoder,
		Classes:   classes,
		Special:   special,
		Indexes:   cased,
	})
}

// Identity returns the model identity.
func (m *Model) Identity() Identity {
	return m.identity
}

// Name returns the name scores are cached under.
func (m *Model) Name() string {
	return m.name
}

// ExactWordProbabilities reports whether WordProbabilities returns exact
// conditionals.
func (m *Model) ExactWordProbabilities() bool {
	return m.identity.ExactWordProbabilities()
}

// SentenceProbability returns the joint log-probability of words.
func (m *Model) SentenceProbability(ctx context.Context, words []string) (float64, error) {
	if m.scores == nil {
		return m.estimator.SentenceProbability(ctx, words)
	}

	logger := klog.FromContext(ctx).WithName("lmprob.SentenceProbability")
	key := scorecache.NewKey(m.name, words)
	score, found, err := m.scores.Get(ctx, key)
	if err != nil {
		logger.Error(err, "score cache lookup failed", "model", m.name)
	} else if found {
		return score, nil
	}

	score, err = m.estimator.SentenceProbability(ctx, words)
	if err != nil {
		return 0, err
	}
	if err := m.scores.Put(ctx, key, score); err != nil {
		logger.Error(err, "failed to cache score", "model", m.name)
	}
	return score, nil
}

// WordProbabilities returns log-probabilities of vocabulary candidates at
// position. The capitalized vocabulary is used at position 0. Indices is set
// when only a subset of the vocabulary was scored.
func (m *Model) WordProbabilities(ctx context.Context, words []string, position int) (*scoring.WordScores, error) {
	if err := scoring.ValidatePosition(words, position); err != nil {
		return nil, err
	}
	return m.estimator.WordProbabilities(ctx, words, position)
}

// Close releases resources the model owns.
func (m *Model) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
