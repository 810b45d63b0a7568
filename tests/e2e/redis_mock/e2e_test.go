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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"math"
	"testing"

	"github.com/llm-d/llm-d-sentence-prob/examples/testdata"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/lmtest"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lmprob"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scorecache"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

// TestScoresAreShared verifies that a second loader reads the score the
// first one wrote to Redis.
func (s *ModelSuite) TestScoresAreShared() {
	words := testdata.SentenceWords()

	first := s.loadModel()
	score, err := first.SentenceProbability(s.ctx, words)
	s.Require().NoError(err)
	s.Less(score, 0.0)

	keys := s.server.Keys()
	s.Require().Len(keys, 1, "expected one cached score")

	key := scorecache.NewKey(testdata.ModelName, words)
	s.Contains(keys[0], key.String())

	// a value only Redis knows about proves the second model reads it
	s.Require().NoError(s.server.Set(keys[0], "-1.5"))

	second := s.loadModel()
	cached, err := second.SentenceProbability(s.ctx, words)
	s.Require().NoError(err)
	s.InDelta(-1.5, cached, 1e-12)
}

// TestWordProbabilitiesAreNotCached verifies candidate vectors never reach
// the score cache.
func (s *ModelSuite) TestWordProbabilitiesAreNotCached() {
	model := s.loadModel()
	words := testdata.SentenceWords()

	scores, err := model.WordProbabilities(s.ctx, words, 1)
	s.Require().NoError(err)
	s.Equal(len(testdata.WordList()), scores.Len())
	s.True(model.ExactWordProbabilities())
	s.Empty(s.server.Keys())

	best := 0
	for i, v := range scores.Scores {
		if v > scores.Scores[best] {
			best = i
		}
	}
	s.Equal("cat", testdata.WordList()[scores.Index(best)], "The cat sat is the listed continuation")
}

// TestHuggingFaceTokenizer scores with a real BERT tokenizer and a
// deterministic fake network.
func (s *ModelSuite) TestHuggingFaceTokenizer() {
	if testing.Short() {
		s.T().Skip("skipping tokenizer download in short mode")
	}

	tokenizers, err := tokenization.NewCachedHFTokenizer(tokenization.DefaultHFTokenizerConfig())
	s.Require().NoError(err)
	tok, err := tokenizers.Get(defaultModelName)
	s.Require().NoError(err)

	vocab, err := vocabulary.FromLowercase(testdata.WordList())
	s.Require().NoError(err)

	model, err := lmprob.New(s.ctx, &lmprob.ModelConfig{Identity: string(lmprob.BERT)}, lmprob.Deps{
		Forwarder:  &lmtest.Forwarder{VocabSize: tok.VocabSize(), Fn: lmtest.Hashed(1, false)},
		Tokenizer:  tok,
		Vocabulary: vocab,
	})
	s.Require().NoError(err)

	score, err := model.SentenceProbability(s.ctx, testdata.SentenceWords())
	s.Require().NoError(err)
	s.False(math.IsInf(score, 0))

	scores, err := model.WordProbabilities(s.ctx, testdata.SentenceWords(), 2)
	s.Require().NoError(err)
	s.Equal(vocab.Len(), scores.Len())
}
