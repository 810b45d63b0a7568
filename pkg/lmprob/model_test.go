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

package lmprob_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/lmtest"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lmprob"
	"github.com/llm-d/llm-d-sentence-prob/pkg/ngram"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scorecache"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring/recurrent"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

const bigramARPA = `\data\
ngram 1=8
ngram 2=3

\1-grams:
-1.0	<BOS2>	-0.5
-0.5	the	-0.3
-0.7	cat	-0.2
-0.9	dog
-0.6	.
-1.1	The	-0.1
-1.5	Cat
-1.6	Dog

\2-grams:
-0.2	<BOS2> The
-0.1	The cat
-0.4	cat .
\end\
`

var words = []string{"the", "cat", "dog"}

func newVocab(t *testing.T) *vocabulary.Vocabulary {
	t.Helper()
	v, err := vocabulary.FromLowercase(words)
	require.NoError(t, err)
	return v
}

func loadBigram(t *testing.T) *ngram.Model {
	t.Helper()
	m, err := ngram.LoadARPA(context.Background(), strings.NewReader(bigramARPA))
	require.NoError(t, err)
	return m
}

// countingEvaluator counts whole-sentence evaluations.
type countingEvaluator struct {
	ngram.Evaluator
	calls int
}

func (c *countingEvaluator) EvaluateSentence(words []string) float64 {
	c.calls++
	return c.Evaluator.EvaluateSentence(words)
}

func TestUnknownIdentity(t *testing.T) {
	_, err := lmprob.New(context.Background(), &lmprob.ModelConfig{Identity: "gpt5"}, lmprob.Deps{})
	assert.ErrorIs(t, err, scoring.ErrUnknownIdentity)

	_, err = lmprob.ParseIdentity("")
	assert.ErrorIs(t, err, scoring.ErrUnknownIdentity)
}

func TestIdentityRegistry(t *testing.T) {
	assert.Len(t, lmprob.Identities(), 12)

	exact := map[lmprob.Identity]bool{lmprob.RNN: true, lmprob.Bigram: true, lmprob.Trigram: true}
	for _, id := range lmprob.Identities() {
		parsed, err := lmprob.ParseIdentity(string(id))
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
		assert.Equal(t, exact[id], id.ExactWordProbabilities(), id)
	}

	assert.Equal(t, lmprob.FamilyMasked, lmprob.XLM.Family())
	assert.Equal(t, lmprob.FamilyAutoregressive, lmprob.NaiveGPT2.Family())
	assert.Equal(t, lmprob.FamilyBidirectionalRecurrent, lmprob.BiLSTM.Family())
	assert.Equal(t, lmprob.FamilyRecurrent, lmprob.LSTM.Family())
	assert.Equal(t, lmprob.FamilyNgram, lmprob.Trigram.Family())
	assert.Equal(t, "gpt2-xl", lmprob.GPT2.DefaultTokenizer())
}

func TestNgramModel(t *testing.T) {
	ctx := context.Background()
	arpa := loadBigram(t)

	model, err := lmprob.New(ctx, &lmprob.ModelConfig{Identity: "bigram"}, lmprob.Deps{
		NgramModel: arpa,
		Vocabulary: newVocab(t),
	})
	require.NoError(t, err)
	assert.Equal(t, lmprob.Bigram, model.Identity())
	assert.True(t, model.ExactWordProbabilities())

	got, err := model.SentenceProbability(ctx, []string{"The", "cat"})
	require.NoError(t, err)
	assert.InDelta(t, (-0.2-0.1-0.4)*math.Ln10, got, 1e-12)

	scores, err := model.WordProbabilities(ctx, []string{"The", "cat"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, scores.Len())
	assert.InDelta(t, got, scores.Scores[0], 1e-12, "The is the capitalized candidate at index 0")

	_, err = model.WordProbabilities(ctx, []string{"The", "cat"}, 2)
	assert.ErrorIs(t, err, scoring.ErrPositionOutOfRange)
	_, err = model.WordProbabilities(ctx, []string{"The", "cat"}, -1)
	assert.ErrorIs(t, err, scoring.ErrPositionOutOfRange)
}

func TestNgramOrderMismatch(t *testing.T) {
	_, err := lmprob.New(context.Background(), &lmprob.ModelConfig{Identity: "trigram"}, lmprob.Deps{
		NgramModel: loadBigram(t),
		Vocabulary: newVocab(t),
	})
	assert.Error(t, err)
}

func TestScoreCache(t *testing.T) {
	ctx := context.Background()
	store, err := scorecache.NewInMemoryStore(nil)
	require.NoError(t, err)

	counting := &countingEvaluator{Evaluator: loadBigram(t)}
	model, err := lmprob.New(ctx, &lmprob.ModelConfig{Name: "bigram-test", Identity: "bigram"}, lmprob.Deps{
		NgramModel: counting,
		Vocabulary: newVocab(t),
		Scores:     store,
	})
	require.NoError(t, err)
	assert.Equal(t, "bigram-test", model.Name())

	first, err := model.SentenceProbability(ctx, []string{"The", "cat"})
	require.NoError(t, err)
	second, err := model.SentenceProbability(ctx, []string{"The", "cat"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.calls)

	cached, found, err := store.Get(ctx, scorecache.NewKey("bigram-test", []string{"The", "cat"}))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first, cached)

	// word probabilities always recompute
	_, err = model.WordProbabilities(ctx, []string{"The", "cat"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, counting.calls)
}

func TestRecurrentModels(t *testing.T) {
	ctx := context.Background()
	ids, err := vocabulary.NewWordIDs(map[string]int{
		".": 0, "the": 1, "cat": 2, "dog": 3, "The": 4, "Cat": 5, "Dog": 6,
	})
	require.NoError(t, err)

	for _, identity := range []string{"bilstm", "lstm", "rnn"} {
		t.Run(identity, func(t *testing.T) {
			fw := &lmtest.Forwarder{VocabSize: ids.Size(), Fn: lmtest.Hashed(17, identity != "bilstm")}
			deps := lmprob.Deps{Forwarder: fw, WordIDs: ids, Vocabulary: newVocab(t)}

			model, err := lmprob.New(ctx, &lmprob.ModelConfig{Identity: identity}, deps)
			require.NoError(t, err)

			var direct scoring.Estimator
			rd := recurrent.Deps{Forwarder: fw, WordIDs: ids, Vocabulary: deps.Vocabulary}
			if identity == "bilstm" {
				direct, err = recurrent.NewBidirectional(nil, rd)
			} else {
				direct, err = recurrent.NewUnidirectional(nil, rd)
			}
			require.NoError(t, err)

			sentence := []string{"The", "dog", "cat"}
			got, err := model.SentenceProbability(ctx, sentence)
			require.NoError(t, err)
			want, err := direct.SentenceProbability(ctx, sentence)
			require.NoError(t, err)
			assert.InDelta(t, want, got, 1e-12)

			scores, err := model.WordProbabilities(ctx, sentence, 1)
			require.NoError(t, err)
			assert.Equal(t, 3, scores.Len())
		})
	}

	_, err = lmprob.New(ctx, &lmprob.ModelConfig{Identity: "lstm"}, lmprob.Deps{Vocabulary: newVocab(t)})
	assert.Error(t, err)
}

func TestMaskedModel(t *testing.T) {
	ctx := context.Background()
	tok := tokenization.NewStaticTokenizer([]string{
		"[PAD]", "[CLS]", "[SEP]", "[MASK]", ".", "the", "cat", "dog", "The", "Cat", "Dog",
	}, "##")
	fw := &lmtest.Forwarder{VocabSize: tok.VocabSize(), Fn: lmtest.Hashed(3, false)}

	for _, identity := range []string{"bert", "bert_whole_word", "electra"} {
		model, err := lmprob.New(ctx, &lmprob.ModelConfig{Identity: identity}, lmprob.Deps{
			Forwarder:  fw,
			Tokenizer:  tok,
			Vocabulary: newVocab(t),
		})
		require.NoError(t, err, identity)

		got, err := model.SentenceProbability(ctx, []string{"The", "cat"})
		require.NoError(t, err)
		assert.False(t, math.IsInf(got, 0))

		scores, err := model.WordProbabilities(ctx, []string{"The", "cat", "dog"}, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, scores.Len())
		assert.Nil(t, scores.Indices)

		sum := 0.0
		for _, s := range scores.Scores {
			sum += math.Exp(s)
		}
		assert.LessOrEqual(t, sum, 1.0+1e-9)
	}

	_, err := lmprob.New(ctx, &lmprob.ModelConfig{Identity: "roberta"}, lmprob.Deps{
		Forwarder:  fw,
		Tokenizer:  tok,
		Vocabulary: newVocab(t),
	})
	assert.Error(t, err, "roberta special tokens are not in the vocabulary")
}

func TestAutoregressiveModel(t *testing.T) {
	ctx := context.Background()
	tok := tokenization.NewStaticTokenizer([]string{
		"<|endoftext|>", ".", " the", " cat", " dog", " The", " Cat", " Dog",
	}, "")
	fw := &lmtest.Forwarder{VocabSize: tok.VocabSize(), Fn: lmtest.Hashed(5, true)}

	for _, identity := range []string{"gpt2", "naive_gpt2"} {
		model, err := lmprob.New(ctx, &lmprob.ModelConfig{Identity: identity}, lmprob.Deps{
			Forwarder:  fw,
			Tokenizer:  tok,
			Vocabulary: newVocab(t),
		})
		require.NoError(t, err, identity)
		assert.False(t, model.ExactWordProbabilities())

		_, err = model.SentenceProbability(ctx, []string{"The", "cat"})
		require.NoError(t, err)

		scores, err := model.WordProbabilities(ctx, []string{"The", "cat"}, 1)
		require.NoError(t, err)
		assert.Len(t, scores.Indices, scores.Len())
	}

	_, err := lmprob.New(ctx, &lmprob.ModelConfig{Identity: "gpt2"}, lmprob.Deps{Vocabulary: newVocab(t)})
	assert.Error(t, err)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigAndLoader(t *testing.T) {
	dir := t.TempDir()
	arpaPath := writeFile(t, dir, "bigram.arpa", bigramARPA)
	lowPath := writeFile(t, dir, "low.txt", strings.Join(words, "\n")+"\n")

	configPath := writeFile(t, dir, "config.yaml", `
indexCacheSize: 4
scoreCacheConfig:
  inMemoryConfig:
    size: 100
models:
  - name: small-bigram
    identity: bigram
    arpaPath: `+arpaPath+`
    vocabularyConfig:
      lowercasePath: `+lowPath+`
`)

	cfg, err := lmprob.LoadConfig(configPath)
	require.NoError(t, err)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, 4, cfg.IndexCacheSize)
	assert.NotNil(t, cfg.TokenizersPoolConfig, "defaults survive parsing")

	ctx := context.Background()
	loader, err := lmprob.NewLoader(ctx, cfg)
	require.NoError(t, err)

	models, err := loader.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "small-bigram", models[0].Name())

	got, err := models[0].SentenceProbability(ctx, []string{"The", "cat"})
	require.NoError(t, err)
	assert.InDelta(t, (-0.2-0.1-0.4)*math.Ln10, got, 1e-12)
	assert.NoError(t, models[0].Close())

	_, err = loader.Load(ctx, &lmprob.ModelConfig{
		Identity:         "gpt2",
		VocabularyConfig: &lmprob.VocabularyConfig{LowercasePath: lowPath},
	})
	assert.Error(t, err, "no forwarder configured")

	bad := writeFile(t, dir, "bad.yaml", "models:\n  - identity: gpt5\n")
	_, err = lmprob.LoadConfig(bad)
	assert.ErrorIs(t, err, scoring.ErrUnknownIdentity)
}
