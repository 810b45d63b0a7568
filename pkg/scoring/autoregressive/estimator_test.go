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

package autoregressive_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/lmtest"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/autoregressive"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
)

var pieces = []string{"<pad>", ".", " the", " cat", " dog", " sat", "s", " sun", "ny"}

const (
	idDot = 1
	idThe = 2
	idCat = 3
	idDog = 4
	idSat = 5
)

var vocab = []string{"the", "cat", "dog", "sat", "sunny"}

type fixture struct {
	estimator *autoregressive.Estimator
	forwarder *lmtest.Forwarder
	classes   *tokenization.TokenClasses
	fn        lmtest.LogitsFunc
}

func newFixture(t *testing.T, cfg *autoregressive.Config, fn lmtest.LogitsFunc) *fixture {
	t.Helper()

	tok := tokenization.NewStaticTokenizer(pieces, "")
	encoder := tokenization.NewWordEncoder(tok, true)

	classes, err := tokenization.Classify(tok, tokenization.SchemeByteLevel)
	require.NoError(t, err)

	special, err := tokenization.ResolveSpecialTokens(tok, tokenization.SpecialTokenNames{Pad: "<pad>", EndMarker: "."})
	require.NoError(t, err)

	vocabToks, err := tokenization.NewEncodingPool(nil, encoder).EncodeAll(context.Background(), vocab)
	require.NoError(t, err)

	if fn == nil {
		fn = lmtest.Hashed(7, true)
	}
	fw := &lmtest.Forwarder{VocabSize: len(pieces), Fn: fn}

	est, err := autoregressive.New(cfg, autoregressive.Deps{
		Forwarder:   fw,
		Encoder:     encoder,
		Classes:     classes,
		Special:     special,
		VocabTokens: &tokenization.VocabularyTokens{Lower: vocabToks, Capitalized: vocabToks},
	})
	require.NoError(t, err)

	return &fixture{estimator: est, forwarder: fw, classes: classes, fn: fn}
}

func (f *fixture) manualChain(row []int64, typed bool) float64 {
	total := 0.0
	for n := 0; n+1 < len(row); n++ {
		out := make([]float32, len(pieces))
		f.fn(row[:n+1], n, out)
		next := uint32(row[n+1])
		var allowed lm.Allowed
		if typed {
			allowed = f.classes.AllowFor(next)
		}
		total += lm.LogProb(out, int(next), allowed)
	}
	return total
}

func TestSentenceProbabilityIsChainRule(t *testing.T) {
	row := []int64{idDot, idThe, idCat, idSat, idDot}

	typed := newFixture(t, nil, nil)
	got, err := typed.estimator.SentenceProbability(context.Background(), []string{"the", "cat", "sat"})
	require.NoError(t, err)
	assert.InDelta(t, typed.manualChain(row, true), got, 1e-9)

	naiveCfg := autoregressive.DefaultConfig()
	naiveCfg.TypeMasked = false
	naive := newFixture(t, naiveCfg, nil)
	got, err = naive.estimator.SentenceProbability(context.Background(), []string{"the", "cat", "sat"})
	require.NoError(t, err)
	assert.InDelta(t, naive.manualChain(row, false), got, 1e-9)

	passes, rows, _ := naive.forwarder.Stats()
	assert.Equal(t, 1, passes)
	assert.Equal(t, 1, rows)
}

func TestWordProbabilitiesWithoutPruning(t *testing.T) {
	cfg := autoregressive.DefaultConfig()
	cfg.Pruning.Enabled = false
	f := newFixture(t, cfg, nil)

	words := []string{"the", "cat", "sat"}
	scores, err := f.estimator.WordProbabilities(context.Background(), words, 1)
	require.NoError(t, err)

	require.Len(t, scores.Scores, len(vocab))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, scores.Indices)

	for i, w := range vocab {
		want, err := f.estimator.SentenceProbability(context.Background(), []string{"the", w, "sat"})
		require.NoError(t, err)
		assert.InDelta(t, want, scores.Scores[i], 1e-9, w)
	}
}

// favourCat makes " cat" the obvious continuation everywhere.
func favourCat(_ []int64, _ int, out []float32) {
	for v := range out {
		out[v] = -100
	}
	out[idCat] = 0
	out[idDog] = -3
}

func TestWordProbabilitiesPrunes(t *testing.T) {
	cfg := autoregressive.DefaultConfig()
	cfg.Pruning.MinCandidates = 2
	f := newFixture(t, cfg, favourCat)

	scores, err := f.estimator.WordProbabilities(context.Background(), []string{"the", "cat", "sat"}, 1)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, scores.Indices, "cat and dog clear the first floor")
	assert.Len(t, scores.Scores, len(scores.Indices))
	assert.Greater(t, scores.Scores[0], scores.Scores[1])
}

func TestWordProbabilitiesRelaxesUntilExhausted(t *testing.T) {
	cfg := autoregressive.DefaultConfig()
	cfg.Pruning.MinCandidates = 1000
	f := newFixture(t, cfg, favourCat)

	scores, err := f.estimator.WordProbabilities(context.Background(), []string{"the", "cat", "sat"}, 1)
	require.NoError(t, err)

	// every word starts with a start token
	assert.Equal(t, []int{0, 1, 2, 3, 4}, scores.Indices)
}

func TestWordProbabilitiesWithNaNLogits(t *testing.T) {
	nanDog := func(row []int64, pos int, out []float32) {
		favourCat(row, pos, out)
		out[idDog] = float32(math.NaN())
	}
	f := newFixture(t, nil, nanDog)

	// a NaN logit poisons the whole distribution, so nothing clears a floor
	scores, err := f.estimator.WordProbabilities(context.Background(), []string{"the", "cat", "sat"}, 1)
	require.NoError(t, err)
	assert.Empty(t, scores.Indices)
	assert.Empty(t, scores.Scores)
}

func TestWordProbabilitiesBatchInvariance(t *testing.T) {
	cfg := autoregressive.DefaultConfig()
	cfg.Pruning.Enabled = false
	large := newFixture(t, cfg, nil)

	small := autoregressive.DefaultConfig()
	small.Pruning.Enabled = false
	small.BatchSize = 1
	one := newFixture(t, small, nil)

	words := []string{"the", "dog", "sat", "the", "cat"}
	a, err := large.estimator.WordProbabilities(context.Background(), words, 3)
	require.NoError(t, err)
	b, err := one.estimator.WordProbabilities(context.Background(), words, 3)
	require.NoError(t, err)

	assert.InDeltaSlice(t, a.Scores, b.Scores, 1e-9)
	passes, _, _ := one.forwarder.Stats()
	assert.Equal(t, len(vocab), passes)
}

func TestInputErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.estimator.SentenceProbability(ctx, nil)
	assert.ErrorIs(t, err, scoring.ErrEmptySentence)

	_, err = f.estimator.WordProbabilities(ctx, []string{"the"}, 3)
	assert.ErrorIs(t, err, scoring.ErrPositionOutOfRange)

	_, err = f.estimator.SentenceProbability(ctx, []string{"zebra"})
	assert.ErrorIs(t, err, tokenization.ErrUnknownPiece)

	_, err = autoregressive.New(&autoregressive.Config{Pruning: autoregressive.PruningConfig{Enabled: true}}, autoregressive.Deps{})
	assert.Error(t, err)
}
