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

package recurrent

import (
	"cmp"
	"context"
	"slices"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

// UnidirectionalEstimator scores with a left-to-right recurrent LM.
type UnidirectionalEstimator struct {
	cfg  Config
	deps Deps
}

var _ scoring.Estimator = &UnidirectionalEstimator{}

// NewUnidirectional creates a UnidirectionalEstimator.
func NewUnidirectional(config *Config, deps Deps) (*UnidirectionalEstimator, error) {
	cfg, err := normalize(config, deps)
	if err != nil {
		return nil, err
	}
	return &UnidirectionalEstimator{cfg: cfg, deps: deps}, nil
}

// framed returns the ids of ". words ." .
func (e *UnidirectionalEstimator) framed(words []string) ([]uint32, error) {
	ids, err := e.deps.WordIDs.IDs(words)
	if err != nil {
		return nil, err
	}
	end, _ := e.deps.WordIDs.ID(endMarker)

	row := make([]uint32, 0, len(ids)+2)
	row = append(row, uint32(end))
	row = append(row, toRow(ids)...)
	return append(row, uint32(end)), nil
}

func chainLogProb(b *lm.Batch, logits *lm.Logits, r int, row []uint32) float64 {
	total := 0.0
	for n := 0; n+1 < len(row); n++ {
		total += lm.LogProb(logits.At(r, b.Position(r, n)), int(row[n+1]), nil)
	}
	return total
}

// SentenceProbability is the exact left-to-right chain log-probability of
// the sentence framed by end markers.
func (e *UnidirectionalEstimator) SentenceProbability(ctx context.Context, words []string) (float64, error) {
	if err := scoring.ValidateSentence(words); err != nil {
		return 0, err
	}

	row, err := e.framed(words)
	if err != nil {
		return 0, err
	}

	var score float64
	err = lm.RunBatches(ctx, e.deps.Forwarder, [][]uint32{row}, batchConfig(1),
		func(_ int, b *lm.Batch, logits *lm.Logits) error {
			if err := checkOutput(logits, row); err != nil {
				return err
			}
			score = chainLogProb(b, logits, 0, row)
			return nil
		})
	return score, err
}

// WordProbabilities ranks the model's continuations after the left context,
// keeps the ones in the vocabulary in rank order, and re-scores the full
// sentence with each of them substituted.
func (e *UnidirectionalEstimator) WordProbabilities(ctx context.Context, words []string, position int) (*scoring.WordScores, error) {
	if err := scoring.ValidatePosition(words, position); err != nil {
		return nil, err
	}

	row, err := e.framed(words)
	if err != nil {
		return nil, err
	}

	var logProbs []float64
	err = lm.RunBatches(ctx, e.deps.Forwarder, [][]uint32{row}, batchConfig(1),
		func(_ int, b *lm.Batch, logits *lm.Logits) error {
			if err := checkOutput(logits, row); err != nil {
				return err
			}
			// the framed target sits at position+1, predicted from position
			logProbs = lm.LogSoftmax(logits.At(0, b.Position(0, position)), nil)
			return nil
		})
	if err != nil {
		return nil, err
	}

	vocab := e.deps.Vocabulary.ForPosition(position)
	vocabIndex := make(map[int]int, len(vocab))
	for i, w := range vocab {
		if id, err := e.deps.WordIDs.ID(w); err == nil {
			if _, dup := vocabIndex[id]; !dup {
				vocabIndex[id] = i
			}
		}
	}

	ranked := make([]int, len(logProbs))
	for i := range ranked {
		ranked[i] = i
	}
	slices.SortStableFunc(ranked, func(a, b int) int {
		return cmp.Compare(logProbs[b], logProbs[a])
	})

	out := &scoring.WordScores{Scores: []float64{}, Indices: []int{}}
	var rows [][]uint32
	for _, id := range ranked {
		vi, ok := vocabIndex[id]
		if !ok {
			continue
		}
		candidate := slices.Clone(row)
		candidate[position+1] = uint32(id)
		rows = append(rows, candidate)
		out.Indices = append(out.Indices, vi)
		if e.cfg.MaxCandidates > 0 && len(rows) == e.cfg.MaxCandidates {
			break
		}
	}

	if len(rows) == 0 {
		return out, nil
	}

	out.Scores = make([]float64, len(rows))
	err = lm.RunBatches(ctx, e.deps.Forwarder, rows, batchConfig(e.cfg.BatchSize),
		func(first int, b *lm.Batch, logits *lm.Logits) error {
			for r := range b.Rows {
				out.Scores[first+r] = chainLogProb(b, logits, r, rows[first+r])
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("recurrent.WordProbabilities").Info("re-scored candidates",
		"position", position, "candidates", len(rows))
	return out, nil
}
