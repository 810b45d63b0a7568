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
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// ErrUnknownPiece is returned when a StaticTokenizer cannot cover the input.
var ErrUnknownPiece = errors.New("tokenization: no piece matches input")

// StaticTokenizer is a greedy longest-match tokenizer over a fixed piece
// list, where a piece's id is its index.
//
// With a ContinuationPrefix (e.g. "##") the input is split on whitespace and
// every piece after the first in a word carries the prefix, as in WordPiece.
// Without one the whole string is matched as is, so pieces may carry their
// own leading space.
type StaticTokenizer struct {
	pieces             []string
	ids                map[string]uint32
	continuationPrefix string
	maxPieceLen        int
}

var _ Tokenizer = &StaticTokenizer{}

// NewStaticTokenizer builds a tokenizer from pieces.
func NewStaticTokenizer(pieces []string, continuationPrefix string) *StaticTokenizer {
	t := &StaticTokenizer{
		pieces:             pieces,
		ids:                make(map[string]uint32, len(pieces)),
		continuationPrefix: continuationPrefix,
	}
	for i, p := range pieces {
		if _, dup := t.ids[p]; !dup {
			t.ids[p] = uint32(i)
		}
		t.maxPieceLen = max(t.maxPieceLen, len(p))
	}
	return t
}

// LoadStaticTokenizer reads a one-piece-per-line vocabulary file such as a
// BERT vocab.txt.
func LoadStaticTokenizer(path, continuationPrefix string) (*StaticTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary %s: %w", path, err)
	}
	defer f.Close()

	var pieces []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pieces = append(pieces, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}

	return NewStaticTokenizer(pieces, continuationPrefix), nil
}

func (t *StaticTokenizer) Encode(text string, _ bool) ([]uint32, error) {
	if id, ok := t.ids[text]; ok {
		return []uint32{id}, nil
	}

	if t.continuationPrefix == "" {
		return t.greedy(text, "")
	}

	var out []uint32
	for _, word := range strings.Fields(text) {
		ids, err := t.greedy(word, t.continuationPrefix)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (t *StaticTokenizer) greedy(text, prefix string) ([]uint32, error) {
	var out []uint32
	first := true
	for len(text) > 0 {
		matched := false
		for end := min(len(text), t.maxPieceLen); end > 0; end-- {
			if !utf8.ValidString(text[:end]) {
				continue
			}
			candidate := text[:end]
			if !first {
				candidate = prefix + candidate
			}
			if id, ok := t.ids[candidate]; ok {
				out = append(out, id)
				text = text[end:]
				first = false
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPiece, text)
		}
	}
	return out, nil
}

func (t *StaticTokenizer) Decode(id uint32) string {
	if int(id) >= len(t.pieces) {
		return ""
	}
	return t.pieces[id]
}

func (t *StaticTokenizer) VocabSize() int {
	return len(t.pieces)
}
