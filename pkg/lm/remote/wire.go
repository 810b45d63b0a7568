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

package remote

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
)

// Operations understood by a model server.
const (
	OpForward = "forward"
	OpRelease = "release"
)

// Request is sent to the model server. It is encoded as a msgpack array.
type Request struct {
	_             struct{} `msgpack:",array"`
	Op            string
	Model         string
	Rows          int
	SeqLen        int
	InputIDs      []int64
	AttentionMask []int64
}

// Response is returned by the model server. A non-empty Error means the
// server failed the request.
type Response struct {
	_         struct{} `msgpack:",array"`
	Rows      int
	SeqLen    int
	VocabSize int
	Logits    []float32
	Error     string
}

// NewForwardRequest encodes a batch as a forward request.
func NewForwardRequest(model string, b *lm.Batch) *Request {
	return &Request{
		Op:            OpForward,
		Model:         model,
		Rows:          b.Rows,
		SeqLen:        b.SeqLen,
		InputIDs:      b.InputIDs,
		AttentionMask: b.AttentionMask,
	}
}

// EncodeRequest marshals a request.
func EncodeRequest(req *Request) ([]byte, error) {
	return msgpack.Marshal(req)
}

// DecodeRequest unmarshals a request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse marshals a response.
func EncodeResponse(resp *Response) ([]byte, error) {
	return msgpack.Marshal(resp)
}

// DecodeResponse unmarshals a response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// ToLogits converts a forward response to lm.Logits.
func (r *Response) ToLogits() *lm.Logits {
	return &lm.Logits{
		Rows:      r.Rows,
		SeqLen:    r.SeqLen,
		VocabSize: r.VocabSize,
		Data:      r.Logits,
	}
}
