// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "lmprob"

var (
	// ForwardPasses counts batched model invocations.
	ForwardPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "model", Name: "forward_passes_total",
		Help: "Total number of batched forward passes",
	})
	// ForwardRows counts the rows sent through forward passes.
	ForwardRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "model", Name: "forward_rows_total",
		Help: "Total number of rows scored by forward passes",
	})
	ForwardLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "model", Name: "forward_latency_seconds",
		Help:    "Latency of forward passes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ScoreLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "score_cache", Name: "lookups_total",
		Help: "Total number of sentence score cache lookups",
	})
	ScoreHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "score_cache", Name: "hits_total",
		Help: "Number of sentence scores found in the cache",
	})
	ScoreAdmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "score_cache", Name: "admissions_total",
		Help: "Total number of sentence scores written to the cache",
	})

	// IndexBuilds counts token-composition index constructions.
	IndexBuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "composition", Name: "index_builds_total",
		Help: "Total number of token-composition indexes built",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ForwardPasses, ForwardRows, ForwardLatency,
		ScoreLookups, ScoreHits, ScoreAdmissions,
		IndexBuilds,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) (float64, bool) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, false
	}
	return m.GetCounter().GetValue(), true
}

func logMetrics(ctx context.Context) {
	passes, ok := counterValue(ForwardPasses)
	if !ok {
		return
	}
	rows, ok := counterValue(ForwardRows)
	if !ok {
		return
	}
	lookups, ok := counterValue(ScoreLookups)
	if !ok {
		return
	}
	hits, ok := counterValue(ScoreHits)
	if !ok {
		return
	}
	builds, ok := counterValue(IndexBuilds)
	if !ok {
		return
	}

	var latencyMetric dto.Metric
	if err := ForwardLatency.Write(&latencyMetric); err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	latencyAvg := 0.0
	if latencyCount > 0 {
		latencyAvg = latencySum / float64(latencyCount)
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"forward_passes", passes,
		"forward_rows", rows,
		"score_lookups", lookups,
		"score_hits", hits,
		"index_builds", builds,
		"latency_count", latencyCount,
		"latency_avg", latencyAvg,
	)
}
