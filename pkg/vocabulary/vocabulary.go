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

// Package vocabulary holds the fixed candidate word lists scored by
// WordProbabilities and the word-to-id tables used by recurrent models.
package vocabulary

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrCaseMismatch is returned when the lowercase and capitalized lists
// differ in length.
var ErrCaseMismatch = errors.New("vocabulary: lowercase and capitalized lists differ in length")

// Vocabulary is a fixed candidate word list in two case variants. Entry i of
// Lower and Capitalized are the same word.
type Vocabulary struct {
	Lower       []string
	Capitalized []string
}

// New creates a Vocabulary from both case variants.
func New(lower, capitalized []string) (*Vocabulary, error) {
	if len(lower) != len(capitalized) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrCaseMismatch, len(lower), len(capitalized))
	}
	if len(lower) == 0 {
		return nil, errors.New("vocabulary: empty word list")
	}
	return &Vocabulary{Lower: lower, Capitalized: capitalized}, nil
}

// FromLowercase derives the capitalized variant by upper-casing the first
// letter of each word.
func FromLowercase(lower []string) (*Vocabulary, error) {
	caser := cases.Title(language.English, cases.NoLower)
	capitalized := make([]string, len(lower))
	for i, w := range lower {
		capitalized[i] = caser.String(w)
	}
	return New(lower, capitalized)
}

// Len is the number of candidate words.
func (v *Vocabulary) Len() int {
	return len(v.Lower)
}

// ForPosition returns the capitalized list for the first word of a sentence
// and the lowercase list otherwise.
func (v *Vocabulary) ForPosition(position int) []string {
	if position == 0 {
		return v.Capitalized
	}
	return v.Lower
}

// LoadWordList reads one word per line, skipping blank lines.
func LoadWordList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open word list %s: %w", path, err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" {
			words = append(words, w)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read word list %s: %w", path, err)
	}
	return words, nil
}

// Load reads a lowercase word list and, if capitalizedPath is non-empty, its
// capitalized counterpart.
func Load(lowerPath, capitalizedPath string) (*Vocabulary, error) {
	lower, err := LoadWordList(lowerPath)
	if err != nil {
		return nil, err
	}
	if capitalizedPath == "" {
		return FromLowercase(lower)
	}

	capitalized, err := LoadWordList(capitalizedPath)
	if err != nil {
		return nil, err
	}
	return New(lower, capitalized)
}
