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

package bidirectional

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

// WordProbabilities scores every vocabulary word at position. Each
// partial-unmask pattern of the composition index is spliced into the
// sentence in place of the word and the slots of each batch are read back
// into a per-call sheet.
func (e *Estimator) WordProbabilities(ctx context.Context, words []string, position int) (*scoring.WordScores, error) {
	if err := scoring.ValidatePosition(words, position); err != nil {
		return nil, err
	}

	ix := e.deps.Indexes.ForPosition(position)

	leftToks, err := e.encode(words[:position])
	if err != nil {
		return nil, err
	}
	rightToks, err := e.encode(words[position+1:])
	if err != nil {
		return nil, err
	}

	var left, right []uint32
	if e.deps.Special.HasCLS {
		left = append(left, e.deps.Special.CLS)
	}
	for _, t := range leftToks {
		left = append(left, t...)
	}
	for _, t := range rightToks {
		right = append(right, t...)
	}
	right = append(right, e.deps.Special.EndMarker)
	if e.deps.Special.HasSEP {
		right = append(right, e.deps.Special.SEP)
	}

	rows := make([][]uint32, ix.NumPatterns())
	for id := range rows {
		pattern := ix.Render(id, e.deps.Special.Mask)
		row := make([]uint32, 0, len(left)+len(pattern)+len(right))
		row = append(row, left...)
		row = append(row, pattern...)
		rows[id] = append(row, right...)
	}

	sheet := ix.NewSheet()
	err = lm.RunBatches(ctx, e.deps.Forwarder, rows, e.batchConfig(ix.BatchSize()),
		func(first int, b *lm.Batch, logits *lm.Logits) error {
			batch, _ := ix.Locate(first)
			for _, ref := range ix.BatchSlots(batch) {
				width := len(ix.Pattern(first + ref.Row))
				allowed := e.deps.Classes.WindowAllowed(ref.Position, width)
				pos := b.Position(ref.Row, len(left)+ref.Position)
				sheet.Set(ref.Cell, lm.LogProb(logits.At(ref.Row, pos), int(ref.Token), allowed))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("bidirectional.WordProbabilities").Info("scored vocabulary",
		"position", position, "words", ix.NumWords(), "patterns", ix.NumPatterns(), "batches", ix.NumBatches())

	return &scoring.WordScores{Scores: sheet.Scores()}, nil
}
