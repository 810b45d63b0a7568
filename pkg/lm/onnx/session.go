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

// Package onnx runs forward passes through ONNX Runtime. Masked and causal
// transformers as well as recurrent LMs exported to ONNX are supported as
// long as they take input_ids (plus optionally attention_mask and
// token_type_ids) and produce [batch, seq, vocab] logits.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
)

const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	tokenTypeIDs  = "token_type_ids"

	defaultLogitsOutput = "logits"
)

// Config configures an ONNX session.
type Config struct {
	ModelPath string `json:"modelPath"`
	// SharedLibraryPath points at libonnxruntime. The first session created
	// in the process fixes it.
	SharedLibraryPath string `json:"sharedLibraryPath"`
	// LogitsOutput names the logits output. Defaults to "logits", falling
	// back to the model's first output.
	LogitsOutput string `json:"logitsOutput,omitempty"`
	// VocabSize overrides the vocabulary dimension when the model declares
	// it as dynamic.
	VocabSize int `json:"vocabSize,omitempty"`

	IntraOpThreads int `json:"intraOpThreads,omitempty"`
	InterOpThreads int `json:"interOpThreads,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogitsOutput:   defaultLogitsOutput,
		IntraOpThreads: 4,
		InterOpThreads: 1,
	}
}

var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// Session is an lm.Forwarder backed by an ONNX Runtime session. It is safe
// for sequential use only.
type Session struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputNames []string
	vocabSize  int64
}

var _ lm.Forwarder = &Session{}

// NewSession loads the model and validates its inputs and outputs.
func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil || cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}

	if err := initORT(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}

	inputNames, err := selectInputs(inputs)
	if err != nil {
		return nil, err
	}

	output, err := selectOutput(outputs, cfg.LogitsOutput)
	if err != nil {
		return nil, err
	}

	vocabSize := output.Dimensions[2]
	if cfg.VocabSize > 0 {
		vocabSize = int64(cfg.VocabSize)
	}
	if vocabSize <= 0 {
		return nil, fmt.Errorf("onnx: output %q has dynamic vocabulary dimension; set vocabSize", output.Name)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: %w", err)
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := opts.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, []string{output.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	klog.Background().WithName("onnx").Info("session created",
		"model", cfg.ModelPath, "inputs", inputNames, "output", output.Name, "vocabSize", vocabSize)

	return &Session{
		session:    session,
		inputNames: inputNames,
		vocabSize:  vocabSize,
	}, nil
}

func selectInputs(inputs []ort.InputOutputInfo) ([]string, error) {
	present := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		present[in.Name] = true
	}
	if !present[inputIDs] {
		return nil, fmt.Errorf("onnx: model missing required input %q", inputIDs)
	}

	names := []string{inputIDs}
	for _, optional := range []string{attentionMask, tokenTypeIDs} {
		if present[optional] {
			names = append(names, optional)
		}
	}
	return names, nil
}

func selectOutput(outputs []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if len(outputs) == 0 {
		return ort.InputOutputInfo{}, errors.New("onnx: model has no outputs")
	}

	chosen := outputs[0]
	for _, out := range outputs {
		if out.Name == name {
			chosen = out
			break
		}
	}

	if len(chosen.Dimensions) != 3 {
		return ort.InputOutputInfo{}, fmt.Errorf("onnx: expected 3D logits output, got %v", chosen.Dimensions)
	}
	return chosen, nil
}

// Forward implements lm.Forwarder.
func (s *Session) Forward(ctx context.Context, b *lm.Batch) (*lm.Logits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shape := ort.NewShape(int64(b.Rows), int64(b.SeqLen))

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()

	for _, name := range s.inputNames {
		var data []int64
		switch name {
		case inputIDs:
			data = b.InputIDs
		case attentionMask:
			data = b.AttentionMask
		case tokenTypeIDs:
			data = make([]int64, len(b.InputIDs))
		}

		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx: failed to create %s tensor: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(b.Rows), int64(b.SeqLen), s.vocabSize))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := s.session.Run(inputs, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}

	src := out.GetData()
	data := make([]float32, len(src))
	copy(data, src)

	return &lm.Logits{
		Rows:      b.Rows,
		SeqLen:    b.SeqLen,
		VocabSize: int(s.vocabSize),
		Data:      data,
	}, nil
}

// Close releases the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Destroy()
}
