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

import "math"

// Allowed marks which vocabulary ids may receive probability mass at a
// position. A nil Allowed permits every id.
type Allowed []bool

// Permits reports whether id is allowed.
func (a Allowed) Permits(id int) bool {
	return a == nil || (id >= 0 && id < len(a) && a[id])
}

// LogSumExp returns log(sum(exp(x))) over the allowed entries of logits,
// or -Inf when nothing is allowed.
func LogSumExp(logits []float32, allowed Allowed) float64 {
	maxVal := math.Inf(-1)
	for id, x := range logits {
		if allowed.Permits(id) && float64(x) > maxVal {
			maxVal = float64(x)
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}

	sum := 0.0
	for id, x := range logits {
		if allowed.Permits(id) {
			sum += math.Exp(float64(x) - maxVal)
		}
	}
	return maxVal + math.Log(sum)
}

// LogProb returns the log-softmax of id restricted to allowed. A disallowed
// id gets -Inf.
func LogProb(logits []float32, id int, allowed Allowed) float64 {
	if !allowed.Permits(id) || id < 0 || id >= len(logits) {
		return math.Inf(-1)
	}
	return float64(logits[id]) - LogSumExp(logits, allowed)
}

// LogSoftmax returns the full masked log-softmax vector. Disallowed ids are
// -Inf.
func LogSoftmax(logits []float32, allowed Allowed) []float64 {
	lse := LogSumExp(logits, allowed)
	out := make([]float64, len(logits))
	for id, x := range logits {
		if allowed.Permits(id) {
			out[id] = float64(x) - lse
		} else {
			out[id] = math.Inf(-1)
		}
	}
	return out
}
