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

import "fmt"

// WordEncoder encodes single words into sub-word token sequences.
type WordEncoder struct {
	tok          Tokenizer
	leadingSpace bool
}

// NewWordEncoder creates a WordEncoder. With leadingSpace set every word is
// encoded as " "+word, which is how byte-level tokenizers see a word in the
// middle of a sentence.
func NewWordEncoder(tok Tokenizer, leadingSpace bool) *WordEncoder {
	return &WordEncoder{tok: tok, leadingSpace: leadingSpace}
}

// Tokenizer returns the underlying tokenizer.
func (e *WordEncoder) Tokenizer() Tokenizer {
	return e.tok
}

// EncodeWord returns the sub-word tokens of word without special tokens.
func (e *WordEncoder) EncodeWord(word string) ([]uint32, error) {
	text := word
	if e.leadingSpace {
		text = " " + word
	}

	ids, err := e.tok.Encode(text, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode word %q: %w", word, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyEncoding, word)
	}
	return ids, nil
}

// EncodeWords encodes each word separately.
func (e *WordEncoder) EncodeWords(words []string) ([][]uint32, error) {
	out := make([][]uint32, len(words))
	for i, w := range words {
		ids, err := e.EncodeWord(w)
		if err != nil {
			return nil, err
		}
		out[i] = ids
	}
	return out, nil
}
