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

package vocabulary

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils"
)

// ErrUnknownWord is returned for words missing from a WordIDs table.
var ErrUnknownWord = errors.New("vocabulary: unknown word")

// WordIDs maps words to the integer ids a recurrent model was trained with.
// The mask id is one past the largest word id.
type WordIDs struct {
	ids   map[string]int
	words []string
	mask  int
}

// NewWordIDs builds a table from a word-to-id map.
func NewWordIDs(ids map[string]int) (*WordIDs, error) {
	if len(ids) == 0 {
		return nil, errors.New("vocabulary: empty word id table")
	}

	maxID := -1
	for w, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("vocabulary: negative id %d for %q", id, w)
		}
		maxID = max(maxID, id)
	}

	words := make([]string, maxID+1)
	for w, id := range ids {
		if words[id] != "" {
			return nil, fmt.Errorf("vocabulary: id %d assigned to both %q and %q", id, words[id], w)
		}
		words[id] = w
	}

	return &WordIDs{ids: ids, words: words, mask: maxID + 1}, nil
}

// LoadWordIDs reads a JSON object mapping words to ids.
func LoadWordIDs(path string) (*WordIDs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read word ids %s: %w", path, err)
	}

	var ids map[string]int
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse word ids %s: %w", path, err)
	}
	return NewWordIDs(ids)
}

// ID returns the id of word.
func (w *WordIDs) ID(word string) (int, error) {
	id, ok := w.ids[word]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownWord, word)
	}
	return id, nil
}

// IDs maps every word. It fails on the first unknown one.
func (w *WordIDs) IDs(words []string) ([]int, error) {
	return utils.SliceMapE(words, w.ID)
}

// Word returns the word with the given id, or "" if none.
func (w *WordIDs) Word(id int) string {
	if id < 0 || id >= len(w.words) {
		return ""
	}
	return w.words[id]
}

// Mask is the id used for a masked word.
func (w *WordIDs) Mask() int {
	return w.mask
}

// Size is the number of ids including the mask id.
func (w *WordIDs) Size() int {
	return w.mask + 1
}
