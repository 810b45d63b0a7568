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

package scorecache

import (
	"context"

	"github.com/llm-d/llm-d-sentence-prob/pkg/metrics"
)

type instrumentedStore struct {
	next Store
}

func NewInstrumentedStore(next Store) Store {
	return &instrumentedStore{next: next}
}

// Get records a lookup, and a hit when the wrapped store has key.
func (m *instrumentedStore) Get(ctx context.Context, key Key) (float64, bool, error) {
	metrics.ScoreLookups.Inc()
	score, found, err := m.next.Get(ctx, key)
	if found {
		metrics.ScoreHits.Inc()
	}
	return score, found, err
}

// Put records an admission and stores the score in the wrapped store.
func (m *instrumentedStore) Put(ctx context.Context, key Key, score float64) error {
	err := m.next.Put(ctx, key, score)
	if err == nil {
		metrics.ScoreAdmissions.Inc()
	}
	return err
}
