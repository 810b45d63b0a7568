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

package bidirectional_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-sentence-prob/pkg/composition"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/lmtest"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/bidirectional"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
)

var pieces = []string{
	"[PAD]", "[CLS]", "[SEP]", "[MASK]", ".", "the", "cat", "dog", "sat", "sun", "##ny", "day",
}

const (
	idCLS  = 1
	idSEP  = 2
	idMask = 3
	idDot  = 4
	idThe  = 5
	idCat  = 6
	idDog  = 7
	idSat  = 8
	idSun  = 9
	idNy   = 10
)

type fixture struct {
	estimator *bidirectional.Estimator
	forwarder *lmtest.Forwarder
	classes   *tokenization.TokenClasses
	fn        lmtest.LogitsFunc
}

func newFixture(t *testing.T, cfg *bidirectional.Config, indexCfg *composition.Config, vocab ...string) *fixture {
	t.Helper()

	tok := tokenization.NewStaticTokenizer(pieces, "##")
	encoder := tokenization.NewWordEncoder(tok, false)

	classes, err := tokenization.Classify(tok, tokenization.SchemeWordPiece)
	require.NoError(t, err)

	special, err := tokenization.ResolveSpecialTokens(tok, tokenization.SpecialTokenNames{
		CLS: "[CLS]", SEP: "[SEP]", Mask: "[MASK]", Pad: "[PAD]", EndMarker: ".",
	})
	require.NoError(t, err)

	if len(vocab) == 0 {
		vocab = []string{"cat", "dog"}
	}
	vocabToks, err := encoder.EncodeWords(vocab)
	require.NoError(t, err)

	cache, err := composition.NewCache(2, indexCfg)
	require.NoError(t, err)
	indexes, err := cache.BuildCased(context.Background(), vocabToks, vocabToks)
	require.NoError(t, err)

	fn := lmtest.Hashed(42, false)
	fw := &lmtest.Forwarder{VocabSize: len(pieces), Fn: fn}

	est, err := bidirectional.New(cfg, bidirectional.Deps{
		Forwarder: fw,
		Encoder:   encoder,
		Classes:   classes,
		Special:   special,
		Indexes:   indexes,
	})
	require.NoError(t, err)

	return &fixture{estimator: est, forwarder: fw, classes: classes, fn: fn}
}

// logProb evaluates the fake model directly on one row.
func (f *fixture) logProb(row []int64, pos int, token uint32, allowed lm.Allowed) float64 {
	out := make([]float32, len(pieces))
	f.fn(row, pos, out)
	return lm.LogProb(out, int(token), allowed)
}

func TestSentenceProbabilityMatchesManualChain(t *testing.T) {
	f := newFixture(t, nil, nil)

	got, err := f.estimator.SentenceProbability(context.Background(), []string{"the", "cat"})
	require.NoError(t, err)

	allow := f.classes.AllowFor
	end := f.logProb([]int64{idCLS, idThe, idCat, idMask, idSEP}, 3, idDot, f.classes.AllowStarts())

	both := []int64{idCLS, idMask, idMask, idDot, idSEP}
	onlyThe := []int64{idCLS, idMask, idCat, idDot, idSEP}
	onlyCat := []int64{idCLS, idThe, idMask, idDot, idSEP}

	// order (0, 1): reveal "the" with both masked, then "cat"
	chain01 := f.logProb(both, 1, idThe, allow(idThe)) + f.logProb(onlyCat, 2, idCat, allow(idCat))
	// order (1, 0)
	chain10 := f.logProb(both, 2, idCat, allow(idCat)) + f.logProb(onlyThe, 1, idThe, allow(idThe))

	assert.InDelta(t, (chain01+chain10)/2+end, got, 1e-9)
}

func TestSentenceProbabilityIsDeterministic(t *testing.T) {
	f := newFixture(t, nil, nil)
	words := []string{"the", "cat", "sat", "the", "dog", "sat"}

	first, err := f.estimator.SentenceProbability(context.Background(), words)
	require.NoError(t, err)
	second, err := f.estimator.SentenceProbability(context.Background(), words)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Less(t, first, 0.0)
	assert.False(t, math.IsInf(first, 0))
}

func TestSentenceRowsForMultiTokenWord(t *testing.T) {
	f := newFixture(t, nil, nil)

	score, err := f.estimator.SentenceProbability(context.Background(), []string{"sunny", "day"})
	require.NoError(t, err)
	assert.False(t, math.IsInf(score, 0))

	// end-marker row, then {0,1}: base + two partial reveals of "sunny",
	// {1}: base, {0}: base + two partial reveals.
	passes, rows, releases := f.forwarder.Stats()
	assert.Equal(t, 2, passes)
	assert.Equal(t, 1+3+1+3, rows)
	assert.Equal(t, passes, releases)
}

func TestSentenceProbabilityBatchInvariance(t *testing.T) {
	words := []string{"the", "sunny", "cat", "sat"}

	large := newFixture(t, &bidirectional.Config{BatchSize: 500}, nil)
	small := newFixture(t, &bidirectional.Config{BatchSize: 1}, nil)

	a, err := large.estimator.SentenceProbability(context.Background(), words)
	require.NoError(t, err)
	b, err := small.estimator.SentenceProbability(context.Background(), words)
	require.NoError(t, err)

	assert.InDelta(t, a, b, 1e-9)
}

func TestWordProbabilitiesTwoWordVocabulary(t *testing.T) {
	f := newFixture(t, nil, nil, "cat", "dog")

	scores, err := f.estimator.WordProbabilities(context.Background(), []string{"the", "cat", "sat"}, 1)
	require.NoError(t, err)
	require.Equal(t, 2, scores.Len())
	assert.Nil(t, scores.Indices)

	row := []int64{idCLS, idThe, idMask, idSat, idDot, idSEP}
	starts := f.classes.AllowStarts()
	assert.InDelta(t, f.logProb(row, 2, idCat, starts), scores.Scores[0], 1e-9)
	assert.InDelta(t, f.logProb(row, 2, idDog, starts), scores.Scores[1], 1e-9)
	assert.LessOrEqual(t, math.Exp(scores.Scores[0])+math.Exp(scores.Scores[1]), 1.0)
}

func TestWordProbabilitiesBatchInvariance(t *testing.T) {
	vocab := []string{"cat", "dog", "sunny", "sat", "day"}
	words := []string{"the", "dog", "sat"}

	large := newFixture(t, nil, nil, vocab...)
	small := newFixture(t, nil, &composition.Config{BatchSize: 1, MaxWordTokens: 6}, vocab...)

	a, err := large.estimator.WordProbabilities(context.Background(), words, 2)
	require.NoError(t, err)
	b, err := small.estimator.WordProbabilities(context.Background(), words, 2)
	require.NoError(t, err)

	require.Len(t, a.Scores, len(vocab))
	assert.InDeltaSlice(t, a.Scores, b.Scores, 1e-9)

	passes, _, _ := small.forwarder.Stats()
	assert.Equal(t, 4, passes, "[M], [M M], [sun M], [M ##ny]")
}

func TestWordProbabilitiesMultiTokenCandidate(t *testing.T) {
	f := newFixture(t, nil, nil, "cat", "sunny")

	scores, err := f.estimator.WordProbabilities(context.Background(), []string{"the", "cat", "sat"}, 1)
	require.NoError(t, err)
	require.Equal(t, 2, scores.Len())

	starts, suffixes := f.classes.AllowStarts(), f.classes.AllowSuffixes()
	hidden := []int64{idCLS, idThe, idMask, idMask, idSat, idDot, idSEP}
	sunShown := []int64{idCLS, idThe, idSun, idMask, idSat, idDot, idSEP}
	nyShown := []int64{idCLS, idThe, idMask, idNy, idSat, idDot, idSEP}

	// reveal "sun" first, then "##ny"; and the other way round
	sunFirst := f.logProb(hidden, 2, idSun, starts) + f.logProb(sunShown, 3, idNy, suffixes)
	nyFirst := f.logProb(hidden, 3, idNy, suffixes) + f.logProb(nyShown, 2, idSun, starts)

	assert.InDelta(t, (sunFirst+nyFirst)/2, scores.Scores[1], 1e-9)
	assert.InDelta(t, f.logProb([]int64{idCLS, idThe, idMask, idSat, idDot, idSEP}, 2, idCat, starts),
		scores.Scores[0], 1e-9)
}

func TestLeftPaddingMatchesRightPadding(t *testing.T) {
	vocab := []string{"cat", "sunny", "dog", "day"}
	right := newFixture(t, nil, nil, vocab...)
	left := newFixture(t, &bidirectional.Config{PadLeft: true}, nil, vocab...)
	ctx := context.Background()

	// candidates of one and two pieces share a batch, so short rows are padded
	words := []string{"the", "dog", "sat"}
	a, err := right.estimator.WordProbabilities(ctx, words, 1)
	require.NoError(t, err)
	b, err := left.estimator.WordProbabilities(ctx, words, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, a.Scores, b.Scores, 1e-9)

	sentence := []string{"the", "sunny", "day"}
	x, err := right.estimator.SentenceProbability(ctx, sentence)
	require.NoError(t, err)
	y, err := left.estimator.SentenceProbability(ctx, sentence)
	require.NoError(t, err)
	assert.InDelta(t, x, y, 1e-9)
}

func TestSentenceProbabilityLongSentence(t *testing.T) {
	f := newFixture(t, nil, nil)

	words := make([]string, 13)
	for i := range words {
		words[i] = []string{"the", "cat", "sat", "day"}[i%4]
	}

	score, err := f.estimator.SentenceProbability(context.Background(), words)
	require.NoError(t, err)
	assert.False(t, math.IsInf(score, 0))

	// one end-marker row plus at most one row per step of each sampled order
	_, rows, _ := f.forwarder.Stats()
	assert.LessOrEqual(t, rows, 1+scoring.DefaultMaxOrders*len(words))
}

func TestWordProbabilitiesMasksWrongClass(t *testing.T) {
	f := newFixture(t, nil, nil)

	// a candidate made of a lone continuation piece can never start a word
	indexes, err := composition.NewCache(1, nil)
	require.NoError(t, err)
	cased, err := indexes.BuildCased(context.Background(), [][]uint32{{idNy}, {idCat}}, [][]uint32{{idNy}, {idCat}})
	require.NoError(t, err)

	tok := tokenization.NewStaticTokenizer(pieces, "##")
	special, err := tokenization.ResolveSpecialTokens(tok, tokenization.SpecialTokenNames{
		CLS: "[CLS]", SEP: "[SEP]", Mask: "[MASK]", Pad: "[PAD]", EndMarker: ".",
	})
	require.NoError(t, err)

	est, err := bidirectional.New(nil, bidirectional.Deps{
		Forwarder: f.forwarder,
		Encoder:   tokenization.NewWordEncoder(tok, false),
		Classes:   f.classes,
		Special:   special,
		Indexes:   cased,
	})
	require.NoError(t, err)

	scores, err := est.WordProbabilities(context.Background(), []string{"the", "cat"}, 1)
	require.NoError(t, err)
	assert.True(t, math.IsInf(scores.Scores[0], -1))
	assert.False(t, math.IsInf(scores.Scores[1], 0))
}

func TestDegenerateChain(t *testing.T) {
	tok := tokenization.NewStaticTokenizer(pieces, "##")
	special, err := tokenization.ResolveSpecialTokens(tok, tokenization.SpecialTokenNames{
		CLS: "[CLS]", SEP: "[SEP]", Mask: "[MASK]", Pad: "[PAD]", EndMarker: ".",
	})
	require.NoError(t, err)

	// "the" is the only start token, so revealing it is certain
	classes := tokenization.NewTokenClasses(len(pieces), []uint32{idThe}, []uint32{idNy})
	cased, err := composition.NewCache(1, nil)
	require.NoError(t, err)
	indexes, err := cased.BuildCased(context.Background(), [][]uint32{{idThe}}, [][]uint32{{idThe}})
	require.NoError(t, err)

	est, err := bidirectional.New(nil, bidirectional.Deps{
		Forwarder: &lmtest.Forwarder{VocabSize: len(pieces), Fn: lmtest.Hashed(1, false)},
		Encoder:   tokenization.NewWordEncoder(tok, false),
		Classes:   classes,
		Special:   special,
		Indexes:   indexes,
	})
	require.NoError(t, err)

	_, err = est.SentenceProbability(context.Background(), []string{"the"})
	assert.ErrorIs(t, err, scoring.ErrDegenerateChain)
}

func TestInputErrors(t *testing.T) {
	f := newFixture(t, &bidirectional.Config{MaxSentenceWords: 3}, nil)
	ctx := context.Background()

	_, err := f.estimator.SentenceProbability(ctx, nil)
	assert.ErrorIs(t, err, scoring.ErrEmptySentence)

	_, err = f.estimator.SentenceProbability(ctx, []string{"the", "cat", "sat", "the"})
	assert.ErrorIs(t, err, scoring.ErrSentenceTooLong)

	_, err = f.estimator.SentenceProbability(ctx, []string{"the", "zebra"})
	assert.ErrorIs(t, err, tokenization.ErrUnknownPiece)

	short := newFixture(t, &bidirectional.Config{MaxWordTokens: 1}, nil)
	_, err = short.estimator.SentenceProbability(ctx, []string{"the", "sunny"})
	assert.ErrorIs(t, err, composition.ErrTooManyTokens)

	_, err = f.estimator.WordProbabilities(ctx, []string{"the", "cat"}, 2)
	assert.ErrorIs(t, err, scoring.ErrPositionOutOfRange)

	_, err = bidirectional.New(nil, bidirectional.Deps{})
	assert.Error(t, err)
}
