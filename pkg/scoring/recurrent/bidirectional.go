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
	"context"
	"fmt"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
)

// BidirectionalEstimator scores with a bidirectional recurrent LM that
// predicts masked words from both sides.
type BidirectionalEstimator struct {
	cfg  Config
	deps Deps
}

var _ scoring.Estimator = &BidirectionalEstimator{}

// NewBidirectional creates a BidirectionalEstimator.
func NewBidirectional(config *Config, deps Deps) (*BidirectionalEstimator, error) {
	cfg, err := normalize(config, deps)
	if err != nil {
		return nil, err
	}
	return &BidirectionalEstimator{cfg: cfg, deps: deps}, nil
}

// maskedRow returns the word ids of words followed by the end marker, with
// every word outside revealed replaced by the mask id.
func (e *BidirectionalEstimator) maskedRow(ids []int, revealed uint64) []uint32 {
	end, _ := e.deps.WordIDs.ID(endMarker)
	row := make([]uint32, len(ids)+1)
	for i, id := range ids {
		if revealed&(1<<uint(i)) != 0 {
			row[i] = uint32(id)
		} else {
			row[i] = uint32(e.deps.WordIDs.Mask())
		}
	}
	row[len(ids)] = uint32(end)
	return row
}

// SentenceProbability averages the chain log-probability over reveal
// orders. Each step reads the revealed word at its position in the row where
// exactly the previously revealed words are visible.
func (e *BidirectionalEstimator) SentenceProbability(ctx context.Context, words []string) (float64, error) {
	if err := scoring.ValidateSentence(words); err != nil {
		return 0, err
	}
	if len(words) > e.cfg.MaxSentenceWords {
		return 0, fmt.Errorf("%w: %d words, limit %d", scoring.ErrSentenceTooLong, len(words), e.cfg.MaxSentenceWords)
	}

	ids, err := e.deps.WordIDs.IDs(words)
	if err != nil {
		return 0, err
	}

	orders := scoring.ChainOrders(len(words), e.cfg.MaxOrders, e.cfg.OrderSeed)

	type lookup struct{ row, pos int }
	rowIDs := make(map[uint64]int)
	var rows [][]uint32
	lookupIDs := make(map[lookup]int)
	var lookups []lookup

	steps := make([][]int, len(orders))
	for o, order := range orders {
		steps[o] = make([]int, len(order))
		for i, w := range order {
			revealed := scoring.SubsetKey(order[:i])
			r, ok := rowIDs[revealed]
			if !ok {
				r = len(rows)
				rows = append(rows, e.maskedRow(ids, revealed))
				rowIDs[revealed] = r
			}
			l := lookup{row: r, pos: w}
			id, ok := lookupIDs[l]
			if !ok {
				id = len(lookups)
				lookups = append(lookups, l)
				lookupIDs[l] = id
			}
			steps[o][i] = id
		}
	}

	byRow := make([][]int, len(rows))
	for id, l := range lookups {
		byRow[l.row] = append(byRow[l.row], id)
	}

	values := make([]float64, len(lookups))
	err = lm.RunBatches(ctx, e.deps.Forwarder, rows, batchConfig(e.cfg.BatchSize),
		func(first int, b *lm.Batch, logits *lm.Logits) error {
			if err := checkOutput(logits, ids); err != nil {
				return err
			}
			for r := range b.Rows {
				for _, id := range byRow[first+r] {
					pos := lookups[id].pos
					values[id] = lm.LogProb(logits.At(r, b.Position(r, pos)), ids[pos], nil)
				}
			}
			return nil
		})
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, stepIDs := range steps {
		for _, id := range stepIDs {
			total += values[id]
		}
	}
	return total / float64(len(orders)), nil
}

// WordProbabilities masks position and returns the model's log-probability
// of every vocabulary word there.
func (e *BidirectionalEstimator) WordProbabilities(ctx context.Context, words []string, position int) (*scoring.WordScores, error) {
	if err := scoring.ValidatePosition(words, position); err != nil {
		return nil, err
	}

	if len(words) > scoring.MaxSubsetWords {
		return nil, fmt.Errorf("%w: %d words, limit %d", scoring.ErrSentenceTooLong, len(words), scoring.MaxSubsetWords)
	}

	ids, err := e.deps.WordIDs.IDs(words)
	if err != nil {
		return nil, err
	}
	vocabIDs, err := e.deps.WordIDs.IDs(e.deps.Vocabulary.ForPosition(position))
	if err != nil {
		return nil, fmt.Errorf("recurrent: vocabulary: %w", err)
	}

	all := uint64(1)<<uint(len(ids)) - 1
	row := e.maskedRow(ids, all&^(1<<uint(position)))

	out := &scoring.WordScores{Scores: make([]float64, len(vocabIDs))}
	err = lm.RunBatches(ctx, e.deps.Forwarder, [][]uint32{row}, batchConfig(1),
		func(_ int, b *lm.Batch, logits *lm.Logits) error {
			if err := checkOutput(logits, vocabIDs); err != nil {
				return err
			}
			logProbs := lm.LogSoftmax(logits.At(0, b.Position(0, position)), nil)
			for i, id := range vocabIDs {
				out.Scores[i] = logProbs[id]
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}
