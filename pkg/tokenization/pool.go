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
	"context"
	"fmt"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

const defaultWorkers = 5

// Config holds the configuration for the encoding Pool.
type Config struct {
	WorkersCount       int `json:"workersCount"`
	*HFTokenizerConfig
}

// DefaultConfig returns a default configuration for the encoding Pool.
func DefaultConfig() *Config {
	return &Config{
		WorkersCount:      defaultWorkers,
		HFTokenizerConfig: DefaultHFTokenizerConfig(),
	}
}

// Task represents a unit of work for encoding one vocabulary word.
type Task struct {
	Index int
	Word  string
}

// Pool encodes word lists with a fixed number of workers. Results keep the
// input order.
type Pool struct {
	workers int
	encoder *WordEncoder
}

// NewEncodingPool creates a Pool over encoder.
func NewEncodingPool(config *Config, encoder *WordEncoder) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	workers := config.WorkersCount
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pool{workers: workers, encoder: encoder}
}

type encodeRun struct {
	queue   workqueue.TypedInterface[Task]
	results [][]uint32

	mu  sync.Mutex
	err error
}

func (r *encodeRun) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// EncodeAll encodes every word and returns the token sequences in input
// order. The first failure is returned.
func (pool *Pool) EncodeAll(ctx context.Context, words []string) ([][]uint32, error) {
	run := &encodeRun{
		queue:   workqueue.NewTyped[Task](),
		results: make([][]uint32, len(words)),
	}
	for i, w := range words {
		run.queue.Add(Task{Index: i, Word: w})
	}
	// queued items are still handed out after shutdown
	run.queue.ShutDown()

	var wg sync.WaitGroup
	for i := 0; i < pool.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.workerLoop(ctx, run)
		}()
	}
	wg.Wait()

	if run.err != nil {
		return nil, run.err
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("encoded vocabulary", "words", len(words), "workers", pool.workers)
	return run.results, nil
}

// workerLoop is the main processing loop for each worker.
func (pool *Pool) workerLoop(ctx context.Context, run *encodeRun) {
	for {
		task, shutdown := run.queue.Get()
		if shutdown {
			return
		}

		if err := ctx.Err(); err != nil {
			run.fail(err)
		} else if err := pool.processTask(run, task); err != nil {
			run.fail(err)
		}
		run.queue.Done(task)
	}
}

func (pool *Pool) processTask(run *encodeRun, task Task) error {
	ids, err := pool.encoder.EncodeWord(task.Word)
	if err != nil {
		return fmt.Errorf("vocabulary word %d: %w", task.Index, err)
	}
	run.results[task.Index] = ids
	return nil
}

// VocabularyTokens are the sub-word encodings of both case variants of a
// vocabulary, aligned with its word lists.
type VocabularyTokens struct {
	Lower       [][]uint32
	Capitalized [][]uint32
}

// ForPosition returns the capitalized encodings for the first word and the
// lowercase ones otherwise.
func (v *VocabularyTokens) ForPosition(position int) [][]uint32 {
	if position == 0 {
		return v.Capitalized
	}
	return v.Lower
}

// EncodeVocabulary encodes both case variants of vocab.
func (pool *Pool) EncodeVocabulary(ctx context.Context, vocab *vocabulary.Vocabulary) (*VocabularyTokens, error) {
	lower, err := pool.EncodeAll(ctx, vocab.Lower)
	if err != nil {
		return nil, fmt.Errorf("lowercase vocabulary: %w", err)
	}
	capitalized, err := pool.EncodeAll(ctx, vocab.Capitalized)
	if err != nil {
		return nil, fmt.Errorf("capitalized vocabulary: %w", err)
	}
	return &VocabularyTokens{Lower: lower, Capitalized: capitalized}, nil
}
