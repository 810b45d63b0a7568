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

// Package composition builds the token-composition index: for every
// vocabulary word, every partial-unmask pattern met while revealing its
// sub-word tokens one at a time in every order, deduplicated across the
// vocabulary and partitioned into fixed-size inference batches.
//
// The index is an arena. Patterns are addressed by integer id, a pattern's
// batch is id/BatchSize and its row within the batch is id%BatchSize. Every
// (word, order, step) owns exactly one Slot pointing into the arena.
package composition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/metrics"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils"
)

const (
	defaultBatchSize = 500
	// DefaultMaxWordTokens is the sub-token budget of one word.
	DefaultMaxWordTokens = 6

	// Masked marks a still-hidden cell in a pattern.
	Masked int64 = -1
)

var (
	// ErrEmptyTokens is returned when a vocabulary word has no tokens.
	ErrEmptyTokens = errors.New("composition: vocabulary word has no tokens")
	// ErrTooManyTokens is returned when a word exceeds the sub-token budget.
	ErrTooManyTokens = errors.New("composition: vocabulary word has too many tokens")
	// ErrEmptyVocabulary is returned when building from no words.
	ErrEmptyVocabulary = errors.New("composition: empty vocabulary")
)

// Config holds the index build parameters.
type Config struct {
	// BatchSize is the number of pattern rows per forward pass.
	BatchSize int `json:"batchSize"`
	// MaxWordTokens bounds the number of sub-tokens per vocabulary word.
	MaxWordTokens int `json:"maxWordTokens"`
}

// DefaultConfig returns the default index configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:     defaultBatchSize,
		MaxWordTokens: DefaultMaxWordTokens,
	}
}

// Slot locates one conditional probability: the row holding Pattern, the
// cell Position within it and the Token revealed there.
type Slot struct {
	Pattern  int
	Position int
	Token    uint32
}

// SlotRef is a Slot as seen from inside one batch.
type SlotRef struct {
	// Cell is the slot's offset in a Sheet.
	Cell     int
	Row      int
	Position int
	Token    uint32
}

type wordEntry struct {
	tokens []uint32
	orders int
	// first is the offset of the word's first slot in the slot arena.
	first int
}

// Index is immutable after Build and safe for concurrent use.
type Index struct {
	cfg Config

	patterns [][]int64
	words    []wordEntry
	slots    []Slot

	batchSlots [][]SlotRef
}

// Build constructs the index for the given per-word token sequences.
func Build(words [][]uint32, config *Config) (*Index, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxWordTokens <= 0 {
		cfg.MaxWordTokens = DefaultMaxWordTokens
	}

	if len(words) == 0 {
		return nil, ErrEmptyVocabulary
	}

	ix := &Index{
		cfg:   cfg,
		words: make([]wordEntry, len(words)),
	}
	interned := make(map[uint64][]int)
	perms := make(map[int][][]int)

	for w, tokens := range words {
		switch {
		case len(tokens) == 0:
			return nil, fmt.Errorf("%w: word %d", ErrEmptyTokens, w)
		case len(tokens) > cfg.MaxWordTokens:
			return nil, fmt.Errorf("%w: word %d has %d, limit %d", ErrTooManyTokens, w, len(tokens), cfg.MaxWordTokens)
		}

		orders, ok := perms[len(tokens)]
		if !ok {
			orders = utils.Permutations(len(tokens))
			perms[len(tokens)] = orders
		}

		ix.words[w] = wordEntry{
			tokens: slices.Clone(tokens),
			orders: len(orders),
			first:  len(ix.slots),
		}

		for _, order := range orders {
			pattern := make([]int64, len(tokens))
			for i := range pattern {
				pattern[i] = Masked
			}
			for _, pos := range order {
				ix.slots = append(ix.slots, Slot{
					Pattern:  ix.intern(interned, pattern),
					Position: pos,
					Token:    tokens[pos],
				})
				pattern[pos] = int64(tokens[pos])
			}
		}
	}

	ix.partition()
	metrics.IndexBuilds.Inc()

	return ix, nil
}

// intern returns the id of pattern, adding a copy to the arena if unseen.
func (ix *Index) intern(interned map[uint64][]int, pattern []int64) int {
	h := hashPattern(pattern)
	for _, id := range interned[h] {
		if slices.Equal(ix.patterns[id], pattern) {
			return id
		}
	}

	id := len(ix.patterns)
	ix.patterns = append(ix.patterns, slices.Clone(pattern))
	interned[h] = append(interned[h], id)
	return id
}

func hashPattern(pattern []int64) uint64 {
	buf := make([]byte, 8*len(pattern))
	for i, c := range pattern {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(c))
	}
	return xxhash.Sum64(buf)
}

func (ix *Index) partition() {
	ix.batchSlots = make([][]SlotRef, ix.NumBatches())
	for cell, s := range ix.slots {
		b, row := ix.Locate(s.Pattern)
		ix.batchSlots[b] = append(ix.batchSlots[b], SlotRef{
			Cell:     cell,
			Row:      row,
			Position: s.Position,
			Token:    s.Token,
		})
	}
}

// BatchSize is the number of pattern rows per batch.
func (ix *Index) BatchSize() int { return ix.cfg.BatchSize }

// NumPatterns is the number of distinct patterns.
func (ix *Index) NumPatterns() int { return len(ix.patterns) }

// NumBatches is the number of batches the patterns span.
func (ix *Index) NumBatches() int {
	return (len(ix.patterns) + ix.cfg.BatchSize - 1) / ix.cfg.BatchSize
}

// NumWords is the vocabulary size the index was built for.
func (ix *Index) NumWords() int { return len(ix.words) }

// Pattern returns pattern id. Hidden cells hold Masked.
func (ix *Index) Pattern(id int) []int64 { return ix.patterns[id] }

// Locate returns the batch and row of pattern id.
func (ix *Index) Locate(id int) (batch, row int) {
	return id / ix.cfg.BatchSize, id % ix.cfg.BatchSize
}

// BatchPatterns returns the half-open range of pattern ids in batch b.
func (ix *Index) BatchPatterns(b int) (first, last int) {
	first = b * ix.cfg.BatchSize
	return first, min(first+ix.cfg.BatchSize, len(ix.patterns))
}

// BatchSlots returns every slot whose pattern lives in batch b.
func (ix *Index) BatchSlots(b int) []SlotRef { return ix.batchSlots[b] }

// Render returns pattern id with hidden cells replaced by mask.
func (ix *Index) Render(id int, mask uint32) []uint32 {
	p := ix.patterns[id]
	out := make([]uint32, len(p))
	for i, c := range p {
		if c == Masked {
			out[i] = mask
		} else {
			out[i] = uint32(c)
		}
	}
	return out
}

// Tokens returns the token sequence of word w.
func (ix *Index) Tokens(w int) []uint32 { return ix.words[w].tokens }

// Orders is the number of reveal orders of word w.
func (ix *Index) Orders(w int) int { return ix.words[w].orders }

// Slot returns the slot of word w at the given order and step.
func (ix *Index) Slot(w, order, step int) Slot {
	e := ix.words[w]
	return ix.slots[e.first+order*len(e.tokens)+step]
}

// Sheet is per-call scratch space holding one value per slot.
type Sheet struct {
	ix     *Index
	values []float64
}

// NewSheet allocates a Sheet with every cell at -Inf.
func (ix *Index) NewSheet() *Sheet {
	values := make([]float64, len(ix.slots))
	for i := range values {
		values[i] = math.Inf(-1)
	}
	return &Sheet{ix: ix, values: values}
}

// Set stores the value of a cell.
func (s *Sheet) Set(cell int, v float64) { s.values[cell] = v }

// Scores reduces the sheet to one score per word: the sum over steps,
// averaged over reveal orders.
func (s *Sheet) Scores() []float64 {
	out := make([]float64, len(s.ix.words))
	for w, e := range s.ix.words {
		steps := len(e.tokens)
		total := 0.0
		for o := range e.orders {
			base := e.first + o*steps
			for _, v := range s.values[base : base+steps] {
				total += v
			}
		}
		out[w] = total / float64(e.orders)
	}
	return out
}
