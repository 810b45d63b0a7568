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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/composition"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

// rowKey identifies a sentence row: the masked word subset, and for rows
// that partially reveal one masked word, that word and the bitmask of its
// revealed sub-tokens. Base rows have word -1.
type rowKey struct {
	masked   uint64
	word     int
	revealed uint64
}

type lookupKey struct {
	row, pos int
}

type lookup struct {
	row, pos int
	token    uint32
}

// condKey is a (masked subset, revealed word) pair.
type condKey struct {
	masked uint64
	word   int
}

// sentencePlan holds every row and lookup needed to score one sentence.
type sentencePlan struct {
	e       *Estimator
	toks    [][]uint32
	offsets []int

	rows    [][]uint32
	rowIDs  map[rowKey]int
	lookups []lookup
	lookIDs map[lookupKey]int
	byRow   [][]int

	// conds[k] lists, per sub-token order, the lookup ids of each step.
	conds map[condKey][][]int
}

// SentenceProbability returns the mean chain log-probability over reveal
// orders plus the log-probability of the end marker given the full
// sentence.
func (e *Estimator) SentenceProbability(ctx context.Context, words []string) (float64, error) {
	logger := klog.FromContext(ctx).WithName("bidirectional.SentenceProbability")

	if err := scoring.ValidateSentence(words); err != nil {
		return 0, err
	}
	if len(words) > e.cfg.MaxSentenceWords {
		return 0, fmt.Errorf("%w: %d words, limit %d", scoring.ErrSentenceTooLong, len(words), e.cfg.MaxSentenceWords)
	}

	toks, err := e.encode(words)
	if err != nil {
		return 0, err
	}
	for i, t := range toks {
		if len(t) > e.cfg.MaxWordTokens {
			return 0, fmt.Errorf("bidirectional: %w: %q has %d, limit %d",
				composition.ErrTooManyTokens, words[i], len(t), e.cfg.MaxWordTokens)
		}
	}

	endMarker, err := e.endMarkerLogProb(ctx, toks)
	if err != nil {
		return 0, err
	}

	orders := scoring.ChainOrders(len(words), e.cfg.MaxOrders, e.cfg.OrderSeed)
	plan := e.newSentencePlan(toks)
	for _, order := range orders {
		for i, w := range order {
			plan.require(scoring.SubsetKey(order[i:]), w)
		}
	}

	values := make([]float64, len(plan.lookups))
	err = lm.RunBatches(ctx, e.deps.Forwarder, plan.rows, e.batchConfig(e.cfg.BatchSize),
		func(first int, b *lm.Batch, logits *lm.Logits) error {
			for r := range b.Rows {
				for _, id := range plan.byRow[first+r] {
					l := plan.lookups[id]
					values[id] = lm.LogProb(logits.At(r, b.Position(r, l.pos)), int(l.token), e.deps.Classes.AllowFor(l.token))
				}
			}
			return nil
		})
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, order := range orders {
		chain := 0.0
		for i, w := range order {
			chain += plan.conditional(values, scoring.SubsetKey(order[i:]), w)
		}
		if chain == 0 {
			return 0, fmt.Errorf("%w: order %v", scoring.ErrDegenerateChain, order)
		}
		total += chain
	}

	score := total/float64(len(orders)) + endMarker
	logger.V(logging.DEBUG).Info("scored sentence",
		"words", len(words), "orders", len(orders), "rows", len(plan.rows), "score", score)
	return score, nil
}

// endMarkerLogProb scores the end marker at the end of the full sentence,
// restricted to word-start tokens.
func (e *Estimator) endMarkerLogProb(ctx context.Context, toks [][]uint32) (float64, error) {
	var body []uint32
	for _, t := range toks {
		body = append(body, t...)
	}
	row := e.frame(body, e.deps.Special.Mask)
	pos := e.prefixLen() + len(body)

	var out float64
	err := lm.RunBatches(ctx, e.deps.Forwarder, [][]uint32{row}, e.batchConfig(1),
		func(_ int, b *lm.Batch, logits *lm.Logits) error {
			out = lm.LogProb(logits.At(0, b.Position(0, pos)), int(e.deps.Special.EndMarker), e.deps.Classes.AllowStarts())
			return nil
		})
	return out, err
}

func (e *Estimator) newSentencePlan(toks [][]uint32) *sentencePlan {
	offsets := make([]int, len(toks))
	pos := e.prefixLen()
	for i, t := range toks {
		offsets[i] = pos
		pos += len(t)
	}

	return &sentencePlan{
		e:       e,
		toks:    toks,
		offsets: offsets,
		rowIDs:  make(map[rowKey]int),
		lookIDs: make(map[lookupKey]int),
		conds:   make(map[condKey][][]int),
	}
}

// row returns the id of the row for key, building it on first use.
func (p *sentencePlan) row(key rowKey) int {
	if id, ok := p.rowIDs[key]; ok {
		return id
	}

	mask := p.e.deps.Special.Mask
	var body []uint32
	for w, t := range p.toks {
		if key.masked&(1<<uint(w)) == 0 {
			body = append(body, t...)
			continue
		}
		for k, tok := range t {
			if w == key.word && key.revealed&(1<<uint(k)) != 0 {
				body = append(body, tok)
			} else {
				body = append(body, mask)
			}
		}
	}

	id := len(p.rows)
	p.rows = append(p.rows, p.e.frame(body, p.e.deps.Special.EndMarker))
	p.byRow = append(p.byRow, nil)
	p.rowIDs[key] = id
	return id
}

func (p *sentencePlan) lookup(row, pos int, token uint32) int {
	key := lookupKey{row: row, pos: pos}
	if id, ok := p.lookIDs[key]; ok {
		return id
	}
	id := len(p.lookups)
	p.lookups = append(p.lookups, lookup{row: row, pos: pos, token: token})
	p.lookIDs[key] = id
	p.byRow[row] = append(p.byRow[row], id)
	return id
}

// require registers the rows and lookups needed to score revealing word
// while the words in masked are hidden.
func (p *sentencePlan) require(masked uint64, word int) {
	key := condKey{masked: masked, word: word}
	if _, ok := p.conds[key]; ok {
		return
	}

	t := p.toks[word]
	perms := utils.Permutations(len(t))
	steps := make([][]int, len(perms))
	for i, perm := range perms {
		var revealed uint64
		steps[i] = make([]int, len(perm))
		for s, k := range perm {
			rk := rowKey{masked: masked, word: -1}
			if revealed != 0 {
				rk = rowKey{masked: masked, word: word, revealed: revealed}
			}
			steps[i][s] = p.lookup(p.row(rk), p.offsets[word]+k, t[k])
			revealed |= 1 << uint(k)
		}
	}
	p.conds[key] = steps
}

// conditional is the log-probability of revealing word given masked: the
// sum over its sub-token steps, averaged over sub-token orders.
func (p *sentencePlan) conditional(values []float64, masked uint64, word int) float64 {
	steps := p.conds[condKey{masked: masked, word: word}]
	total := 0.0
	for _, ids := range steps {
		for _, id := range ids {
			total += values[id]
		}
	}
	return total / float64(len(steps))
}
