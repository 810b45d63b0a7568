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

package lmprob

import (
	"fmt"
	"slices"

	"github.com/llm-d/llm-d-sentence-prob/pkg/scoring"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
)

// Identity names a supported model.
type Identity string

const (
	BERT          Identity = "bert"
	BERTWholeWord Identity = "bert_whole_word"
	ELECTRA       Identity = "electra"
	RoBERTa       Identity = "roberta"
	XLM           Identity = "xlm"
	GPT2          Identity = "gpt2"
	NaiveGPT2     Identity = "naive_gpt2"
	BiLSTM        Identity = "bilstm"
	LSTM          Identity = "lstm"
	RNN           Identity = "rnn"
	Bigram        Identity = "bigram"
	Trigram       Identity = "trigram"
)

// Family is the estimator a model identity dispatches to.
type Family int

const (
	FamilyMasked Family = iota
	FamilyAutoregressive
	FamilyBidirectionalRecurrent
	FamilyRecurrent
	FamilyNgram
)

func (f Family) String() string {
	switch f {
	case FamilyMasked:
		return "masked"
	case FamilyAutoregressive:
		return "autoregressive"
	case FamilyBidirectionalRecurrent:
		return "bidirectional-recurrent"
	case FamilyRecurrent:
		return "recurrent"
	case FamilyNgram:
		return "ngram"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// profile is everything fixed by a model identity.
type profile struct {
	family Family
	// exact marks identities whose word probabilities are exact
	// conditionals rather than estimates.
	exact bool

	// transformer models
	tokenizer    string
	scheme       tokenization.Scheme
	special      tokenization.SpecialTokenNames
	leadingSpace bool
	padLeft      bool
	typeMasked   bool

	// n-gram models
	order int
}

var (
	bertSpecial = tokenization.SpecialTokenNames{
		CLS: "[CLS]", SEP: "[SEP]", Mask: "[MASK]", Pad: "[PAD]", EndMarker: ".",
	}
	gpt2Special = tokenization.SpecialTokenNames{Pad: "<|endoftext|>", EndMarker: "."}
)

var profiles = map[Identity]profile{
	BERT: {
		family: FamilyMasked, tokenizer: "bert-large-cased",
		scheme: tokenization.SchemeWordPiece, special: bertSpecial,
	},
	BERTWholeWord: {
		family: FamilyMasked, tokenizer: "bert-large-cased-whole-word-masking",
		scheme: tokenization.SchemeWordPiece, special: bertSpecial,
	},
	ELECTRA: {
		family: FamilyMasked, tokenizer: "google/electra-large-generator",
		scheme: tokenization.SchemeWordPiece, special: bertSpecial,
	},
	RoBERTa: {
		family: FamilyMasked, tokenizer: "roberta-large",
		scheme: tokenization.SchemeByteLevel, leadingSpace: true,
		special: tokenization.SpecialTokenNames{
			CLS: "<s>", SEP: "</s>", Mask: "<mask>", Pad: "<pad>", EndMarker: ".",
		},
	},
	XLM: {
		family: FamilyMasked, tokenizer: "xlm-mlm-en-2048",
		scheme: tokenization.SchemeEndOfWord, padLeft: true,
		special: tokenization.SpecialTokenNames{
			CLS: "</s>", SEP: "</s>", Mask: "<special1>", Pad: "<pad>", EndMarker: ".",
		},
	},
	GPT2: {
		family: FamilyAutoregressive, tokenizer: "gpt2-xl",
		scheme: tokenization.SchemeByteLevel, leadingSpace: true, typeMasked: true,
		special: gpt2Special,
	},
	NaiveGPT2: {
		family: FamilyAutoregressive, tokenizer: "gpt2-xl",
		scheme: tokenization.SchemeByteLevel, leadingSpace: true,
		special: gpt2Special,
	},
	BiLSTM:  {family: FamilyBidirectionalRecurrent},
	LSTM:    {family: FamilyRecurrent},
	RNN:     {family: FamilyRecurrent, exact: true},
	Bigram:  {family: FamilyNgram, exact: true, order: 2},
	Trigram: {family: FamilyNgram, exact: true, order: 3},
}

// ParseIdentity validates name against the supported identities.
func ParseIdentity(name string) (Identity, error) {
	id := Identity(name)
	if _, ok := profiles[id]; !ok {
		return "", fmt.Errorf("%w: %q", scoring.ErrUnknownIdentity, name)
	}
	return id, nil
}

// Identities lists the supported identities in name order.
func Identities() []Identity {
	ids := make([]Identity, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Family returns the estimator family of a valid identity.
func (id Identity) Family() Family {
	return profiles[id].family
}

// ExactWordProbabilities reports whether word probabilities of this identity
// are exact conditionals.
func (id Identity) ExactWordProbabilities() bool {
	return profiles[id].exact
}

// DefaultTokenizer is the HuggingFace model the identity's tokenizer is
// loaded from when none is configured.
func (id Identity) DefaultTokenizer() string {
	return profiles[id].tokenizer
}
