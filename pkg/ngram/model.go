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

// Package ngram implements a fixed-order backoff n-gram language model read
// from ARPA text. Probabilities are held as natural logarithms.
package ngram

import (
	"strings"
)

// LogZero stands in for the log-probability of words the model has never
// seen, including through <unk>.
const LogZero = -1e30

const (
	unknownWord = "<unk>"
	keySep      = " "
)

// Evaluator scores whole word sequences.
type Evaluator interface {
	// Order is the n in n-gram.
	Order() int
	// EvaluateSentence returns the log-probability of words[Order()-1:]
	// given the preceding words. Callers pad the sequence themselves.
	EvaluateSentence(words []string) float64
}

type entry struct {
	logProb    float64
	logBackoff float64
}

// Model is a backoff n-gram model.
type Model struct {
	order int
	// grams[k] holds the (k+1)-grams keyed by their space-joined words.
	grams []map[string]entry
}

var _ Evaluator = &Model{}

// NewModel creates an empty model of the given order.
func NewModel(order int) *Model {
	m := &Model{order: order, grams: make([]map[string]entry, order)}
	for i := range m.grams {
		m.grams[i] = make(map[string]entry)
	}
	return m
}

// Order returns the model order.
func (m *Model) Order() int {
	return m.order
}

// NumGrams returns how many n-grams of length n the model holds.
func (m *Model) NumGrams(n int) int {
	if n < 1 || n > m.order {
		return 0
	}
	return len(m.grams[n-1])
}

// Add sets the log-probability and backoff weight of an n-gram.
func (m *Model) Add(words []string, logProb, logBackoff float64) {
	m.grams[len(words)-1][strings.Join(words, keySep)] = entry{logProb: logProb, logBackoff: logBackoff}
}

// LogProb returns log P(word | history), backing off to shorter histories
// when the full n-gram is unknown. Only the last Order()-1 history words
// are read.
func (m *Model) LogProb(history []string, word string) float64 {
	if n := m.order - 1; len(history) > n {
		history = history[len(history)-n:]
	}

	backoff := 0.0
	for start := 0; start <= len(history); start++ {
		hist := history[start:]
		key := strings.Join(append(append(make([]string, 0, len(hist)+1), hist...), word), keySep)
		if e, ok := m.grams[len(hist)][key]; ok {
			return backoff + e.logProb
		}
		if len(hist) > 0 {
			if e, ok := m.grams[len(hist)-1][strings.Join(hist, keySep)]; ok {
				backoff += e.logBackoff
			}
		}
	}

	if e, ok := m.grams[0][unknownWord]; ok {
		return backoff + e.logProb
	}
	return LogZero
}

// EvaluateSentence sums the log-probability of every word from position
// Order()-1 on.
func (m *Model) EvaluateSentence(words []string) float64 {
	total := 0.0
	for i := m.order - 1; i < len(words); i++ {
		total += m.LogProb(words[:i], words[i])
	}
	return total
}
