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

// Package lmtest provides deterministic in-process forwarders for tests.
package lmtest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
)

// LogitsFunc fills out with the logits at unpadded position pos of row.
type LogitsFunc func(row []int64, pos int, out []float32)

// Forwarder evaluates a LogitsFunc over every real position of every row.
// Padded positions are left at zero, so results do not depend on how rows
// are batched.
type Forwarder struct {
	VocabSize int
	Fn        LogitsFunc

	mu       sync.Mutex
	passes   int
	rows     int
	releases int
}

var _ lm.Forwarder = &Forwarder{}
var _ lm.Releaser = &Forwarder{}

func (f *Forwarder) Forward(_ context.Context, b *lm.Batch) (*lm.Logits, error) {
	out := &lm.Logits{
		Rows:      b.Rows,
		SeqLen:    b.SeqLen,
		VocabSize: f.VocabSize,
		Data:      make([]float32, b.Rows*b.SeqLen*f.VocabSize),
	}

	for r := range b.Rows {
		start := r*b.SeqLen + b.Offsets[r]
		row := b.InputIDs[start : start+b.Lengths[r]]
		for pos := range row {
			f.Fn(row, pos, out.At(r, b.Position(r, pos)))
		}
	}

	f.mu.Lock()
	f.passes++
	f.rows += b.Rows
	f.mu.Unlock()

	return out, nil
}

func (f *Forwarder) Release(context.Context) error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	return nil
}

// Stats returns the number of forward passes, rows and releases seen.
func (f *Forwarder) Stats() (passes, rows, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes, f.rows, f.releases
}

// Hashed returns a LogitsFunc whose values are a pseudo-random function of
// the tokens in row[:limit(pos)] and pos. Pass causal=true to only look at
// the prefix up to and including pos.
func Hashed(seed uint64, causal bool) LogitsFunc {
	return func(row []int64, pos int, out []float32) {
		n := len(row)
		if causal {
			n = pos + 1
		}

		buf := make([]byte, 8*(n+2))
		binary.LittleEndian.PutUint64(buf, seed)
		binary.LittleEndian.PutUint64(buf[8:], uint64(pos))
		for i, id := range row[:n] {
			binary.LittleEndian.PutUint64(buf[16+8*i:], uint64(id))
		}
		base := xxhash.Sum64(buf)

		var idBuf [16]byte
		binary.LittleEndian.PutUint64(idBuf[:], base)
		for v := range out {
			binary.LittleEndian.PutUint64(idBuf[8:], uint64(v))
			h := xxhash.Sum64(idBuf[:])
			out[v] = float32(h%10000)/1000 - 5
		}
	}
}
