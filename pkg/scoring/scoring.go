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

// Package scoring defines the contract shared by every probability
// estimator.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils"
)

const (
	// DefaultMaxOrders caps the number of word reveal orders averaged over.
	DefaultMaxOrders = 500
	// DefaultOrderSeed seeds the sampling of reveal orders.
	DefaultOrderSeed = 1234
	// MaxSubsetWords is the longest sentence a SubsetKey can describe.
	MaxSubsetWords = 64
)

var (
	// ErrUnknownIdentity is returned when constructing a model with an
	// identity no estimator is registered for.
	ErrUnknownIdentity = errors.New("scoring: unknown model identity")
	// ErrDegenerateChain signals an all-zero chain log-probability, which
	// only happens when the precomputed rows and lookups disagree.
	ErrDegenerateChain = errors.New("scoring: degenerate zero chain probability")
	// ErrPositionOutOfRange is returned for a word position outside the
	// sentence.
	ErrPositionOutOfRange = errors.New("scoring: position out of range")
	// ErrEmptySentence is returned for a sentence without words.
	ErrEmptySentence = errors.New("scoring: empty sentence")
	// ErrSentenceTooLong is returned when a sentence exceeds an estimator's
	// word limit.
	ErrSentenceTooLong = errors.New("scoring: sentence too long")
)

// WordScores are log-probabilities of vocabulary candidates at one position.
type WordScores struct {
	Scores []float64
	// Indices maps Scores[i] to a vocabulary index. Nil means Scores covers
	// the full vocabulary in order.
	Indices []int
}

// Len is the number of scored candidates.
func (w *WordScores) Len() int { return len(w.Scores) }

// Index returns the vocabulary index of candidate i.
func (w *WordScores) Index(i int) int {
	if w.Indices == nil {
		return i
	}
	return w.Indices[i]
}

// Estimator computes sentence and word probabilities under one model.
type Estimator interface {
	// SentenceProbability returns the joint log-probability of words.
	SentenceProbability(ctx context.Context, words []string) (float64, error)
	// WordProbabilities scores every vocabulary candidate at position,
	// holding the other words fixed.
	WordProbabilities(ctx context.Context, words []string, position int) (*WordScores, error)
}

// ValidateSentence rejects empty sentences.
func ValidateSentence(words []string) error {
	if len(words) == 0 {
		return ErrEmptySentence
	}
	return nil
}

// ValidatePosition checks that position addresses a word of words.
func ValidatePosition(words []string, position int) error {
	if err := ValidateSentence(words); err != nil {
		return err
	}
	if position < 0 || position >= len(words) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPositionOutOfRange, position, len(words))
	}
	return nil
}

// ChainOrders returns the reveal orders of n words to average over: every
// permutation when n! <= maxOrders, otherwise maxOrders distinct random
// permutations drawn from a generator seeded with seed.
func ChainOrders(n, maxOrders int, seed uint64) [][]int {
	if maxOrders <= 0 {
		maxOrders = DefaultMaxOrders
	}
	if utils.Factorial(n, maxOrders) <= maxOrders {
		return utils.Permutations(n)
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	seen := make(map[string]struct{}, maxOrders)
	orders := make([][]int, 0, maxOrders)
	key := make([]byte, n)

	for len(orders) < maxOrders {
		order := rng.Perm(n)
		for i, v := range order {
			key[i] = byte(v)
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		orders = append(orders, order)
	}

	return orders
}

// SubsetKey encodes a set of word indices (each < MaxSubsetWords) as a
// bitmask.
func SubsetKey(indices []int) uint64 {
	var key uint64
	for _, i := range indices {
		key |= 1 << uint(i)
	}
	return key
}
