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

package lm

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

// BatchConfig controls how RunBatches splits rows.
type BatchConfig struct {
	Size    int
	PadID   uint32
	PadSide PadSide
}

// BatchFunc receives the logits for rows[first : first+batch.Rows].
type BatchFunc func(first int, batch *Batch, logits *Logits) error

// RunBatches sends rows through fw in consecutive batches of at most
// cfg.Size rows, in order, calling fn after each one. If fw is a Releaser,
// Release is called after every batch.
func RunBatches(ctx context.Context, fw Forwarder, rows [][]uint32, cfg BatchConfig, fn BatchFunc) error {
	if cfg.Size <= 0 {
		return fmt.Errorf("lm: invalid batch size %d", cfg.Size)
	}

	logger := klog.FromContext(ctx).V(logging.TRACE).WithName("lm.RunBatches")
	releaser, _ := fw.(Releaser)

	for first := 0; first < len(rows); first += cfg.Size {
		last := min(first+cfg.Size, len(rows))

		batch, err := NewBatch(rows[first:last], cfg.PadID, cfg.PadSide)
		if err != nil {
			return err
		}

		logits, err := fw.Forward(ctx, batch)
		if err != nil {
			return fmt.Errorf("forward pass over rows [%d, %d): %w", first, last, err)
		}
		if err := logits.Validate(batch); err != nil {
			return err
		}

		logger.Info("batch done", "first", first, "rows", batch.Rows, "seqLen", batch.SeqLen)

		if err := fn(first, batch, logits); err != nil {
			return err
		}

		if releaser != nil {
			if err := releaser.Release(ctx); err != nil {
				return fmt.Errorf("release after batch: %w", err)
			}
		}
	}

	return nil
}
