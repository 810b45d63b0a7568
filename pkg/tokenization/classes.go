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

package tokenization

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
)

// Scheme names how a tokenizer marks word boundaries.
type Scheme string

const (
	// SchemeWordPiece marks continuation pieces with a "#" prefix.
	SchemeWordPiece Scheme = "wordpiece"
	// SchemeByteLevel marks word starts with a leading space.
	SchemeByteLevel Scheme = "bytelevel"
	// SchemeEndOfWord marks word-final pieces with "</w>".
	SchemeEndOfWord Scheme = "endofword"
)

const endOfWordMarker = "</w>"

// IsStartToken reports whether a token with the given surface form belongs to
// the word-start class under scheme. Every token is either a start or a
// continuation.
func IsStartToken(scheme Scheme, surface string) bool {
	switch scheme {
	case SchemeWordPiece:
		return !strings.HasPrefix(surface, "#")
	case SchemeByteLevel:
		return strings.HasPrefix(surface, " ") || strings.HasPrefix(surface, ".")
	case SchemeEndOfWord:
		final := strings.HasSuffix(surface, endOfWordMarker) ||
			(len(surface) > 1 && strings.HasSuffix(surface, " "))
		return !final || surface == "."+endOfWordMarker
	default:
		return true
	}
}

// TokenClasses partitions a vocabulary into word-start and continuation
// tokens.
//
// Under SchemeEndOfWord the word-final pieces form the Suffixes class and
// FinalMarked is set.
type TokenClasses struct {
	Starts   sets.Set[uint32]
	Suffixes sets.Set[uint32]

	FinalMarked bool

	startMask  lm.Allowed
	suffixMask lm.Allowed
}

// NewTokenClasses builds classes for a vocabulary of vocabSize ids. Ids in
// neither list are allowed nowhere.
func NewTokenClasses(vocabSize int, starts, suffixes []uint32) *TokenClasses {
	c := &TokenClasses{
		Starts:     sets.New(starts...),
		Suffixes:   sets.New(suffixes...),
		startMask:  make(lm.Allowed, vocabSize),
		suffixMask: make(lm.Allowed, vocabSize),
	}
	for _, id := range starts {
		if int(id) < vocabSize {
			c.startMask[id] = true
		}
	}
	for _, id := range suffixes {
		if int(id) < vocabSize {
			c.suffixMask[id] = true
		}
	}
	return c
}

// Classify decodes every token id and assigns it to a class.
func Classify(tok Tokenizer, scheme Scheme) (*TokenClasses, error) {
	switch scheme {
	case SchemeWordPiece, SchemeByteLevel, SchemeEndOfWord:
	default:
		return nil, fmt.Errorf("tokenization: unknown scheme %q", scheme)
	}

	n := tok.VocabSize()
	var starts, suffixes []uint32
	for id := range uint32(n) {
		if IsStartToken(scheme, tok.Decode(id)) {
			starts = append(starts, id)
		} else {
			suffixes = append(suffixes, id)
		}
	}
	classes := NewTokenClasses(n, starts, suffixes)
	classes.FinalMarked = scheme == SchemeEndOfWord
	return classes, nil
}

// IsStart reports whether id begins a word.
func (c *TokenClasses) IsStart(id uint32) bool { return c.Starts.Has(id) }

// IsSuffix reports whether id continues a word.
func (c *TokenClasses) IsSuffix(id uint32) bool { return c.Suffixes.Has(id) }

// AllowStarts returns the mask admitting word-start tokens only.
func (c *TokenClasses) AllowStarts() lm.Allowed { return c.startMask }

// AllowSuffixes returns the mask admitting continuation tokens only.
func (c *TokenClasses) AllowSuffixes() lm.Allowed { return c.suffixMask }

// AllowFor returns the mask of the class id belongs to. An id in neither
// class gets the start mask, under which it has no probability.
func (c *TokenClasses) AllowFor(id uint32) lm.Allowed {
	if c.IsSuffix(id) {
		return c.suffixMask
	}
	return c.startMask
}

// WindowAllowed returns the class admitted at sub-token k of a word spanning
// length tokens: the first piece must be a start and the rest
// continuations, or, when FinalMarked, only the last piece is word-final.
func (c *TokenClasses) WindowAllowed(k, length int) lm.Allowed {
	if c.FinalMarked {
		if k == length-1 {
			return c.suffixMask
		}
		return c.startMask
	}
	if k == 0 {
		return c.startMask
	}
	return c.suffixMask
}
