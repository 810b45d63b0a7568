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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-sentence-prob/pkg/metrics"
)

type instrumentedForwarder struct {
	next Forwarder
}

// NewInstrumentedForwarder wraps a Forwarder and emits metrics for every
// forward pass. Release calls are passed through when next supports them.
func NewInstrumentedForwarder(next Forwarder) Forwarder {
	fw := &instrumentedForwarder{next: next}
	if r, ok := next.(Releaser); ok {
		return &instrumentedReleaser{instrumentedForwarder: fw, releaser: r}
	}
	return fw
}

func (f *instrumentedForwarder) Forward(ctx context.Context, batch *Batch) (*Logits, error) {
	timer := prometheus.NewTimer(metrics.ForwardLatency)
	defer timer.ObserveDuration()

	metrics.ForwardPasses.Inc()
	metrics.ForwardRows.Add(float64(batch.Rows))

	return f.next.Forward(ctx, batch)
}

type instrumentedReleaser struct {
	*instrumentedForwarder
	releaser Releaser
}

func (f *instrumentedReleaser) Release(ctx context.Context) error {
	return f.releaser.Release(ctx)
}
