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

// Package lm defines the forward-pass contract the estimators consume from a
// loaded language model: padded token batches in, per-position logits out.
package lm

import (
	"context"
	"errors"
	"fmt"
)

// PadSide selects where padding goes when rows of different length share a
// batch.
type PadSide int

const (
	PadRight PadSide = iota
	PadLeft
)

var (
	// ErrEmptyBatch is returned when a batch is built from no rows.
	ErrEmptyBatch = errors.New("lm: empty batch")
	// ErrShapeMismatch is returned when a forwarder returns logits that do
	// not match the batch that was sent.
	ErrShapeMismatch = errors.New("lm: logits shape does not match batch")
)

// Batch is a rectangular block of padded token rows.
type Batch struct {
	Rows   int
	SeqLen int
	// InputIDs and AttentionMask are flat [Rows*SeqLen] row-major slices.
	InputIDs      []int64
	AttentionMask []int64
	// Offsets[r] is where row r's first real token sits in its padded row.
	Offsets []int
	// Lengths[r] is the unpadded length of row r.
	Lengths []int
}

// NewBatch pads rows to a common length with padID.
func NewBatch(rows [][]uint32, padID uint32, side PadSide) (*Batch, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyBatch
	}

	seqLen := 0
	for _, row := range rows {
		seqLen = max(seqLen, len(row))
	}

	b := &Batch{
		Rows:          len(rows),
		SeqLen:        seqLen,
		InputIDs:      make([]int64, len(rows)*seqLen),
		AttentionMask: make([]int64, len(rows)*seqLen),
		Offsets:       make([]int, len(rows)),
		Lengths:       make([]int, len(rows)),
	}

	for r, row := range rows {
		offset := 0
		if side == PadLeft {
			offset = seqLen - len(row)
		}
		b.Offsets[r] = offset
		b.Lengths[r] = len(row)

		base := r * seqLen
		for i := range seqLen {
			b.InputIDs[base+i] = int64(padID)
		}
		for i, id := range row {
			b.InputIDs[base+offset+i] = int64(id)
			b.AttentionMask[base+offset+i] = 1
		}
	}

	return b, nil
}

// Position maps an unpadded position in row r to its padded position.
func (b *Batch) Position(r, pos int) int {
	return b.Offsets[r] + pos
}

// Logits holds the model output for a batch.
type Logits struct {
	Rows      int
	SeqLen    int
	VocabSize int
	// Data is a flat [Rows*SeqLen*VocabSize] row-major slice.
	Data []float32
}

// At returns the logit vector at padded position pos of row r. The slice
// aliases Data.
func (l *Logits) At(r, pos int) []float32 {
	start := (r*l.SeqLen + pos) * l.VocabSize
	return l.Data[start : start+l.VocabSize]
}

// Validate checks that the logits were produced for b.
func (l *Logits) Validate(b *Batch) error {
	if l.Rows != b.Rows || l.SeqLen != b.SeqLen || len(l.Data) != l.Rows*l.SeqLen*l.VocabSize {
		return fmt.Errorf("%w: got %dx%dx%d (%d values), want %dx%d",
			ErrShapeMismatch, l.Rows, l.SeqLen, l.VocabSize, len(l.Data), b.Rows, b.SeqLen)
	}
	return nil
}

// Forwarder runs a model forward pass over a batch.
type Forwarder interface {
	Forward(ctx context.Context, batch *Batch) (*Logits, error)
}

// Releaser is implemented by forwarders that hold device memory between
// calls. Release is invoked after every batch.
type Releaser interface {
	Release(ctx context.Context) error
}
