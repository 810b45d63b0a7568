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

import "fmt"

// SpecialTokenNames are the surface forms of a model's special tokens.
// Empty names are not resolved.
type SpecialTokenNames struct {
	CLS       string `json:"cls,omitempty"`
	SEP       string `json:"sep,omitempty"`
	Mask      string `json:"mask,omitempty"`
	Pad       string `json:"pad,omitempty"`
	EndMarker string `json:"endMarker,omitempty"`
}

// SpecialTokens are resolved special token ids.
type SpecialTokens struct {
	CLS, SEP, Mask, Pad uint32
	// EndMarker is the sentence-final "." token.
	EndMarker uint32

	HasCLS, HasSEP, HasMask bool
}

// ResolveSpecialTokens encodes each configured name and requires it to map to
// exactly one id. Pad and EndMarker are required.
func ResolveSpecialTokens(tok Tokenizer, names SpecialTokenNames) (*SpecialTokens, error) {
	resolve := func(field, name string) (uint32, bool, error) {
		if name == "" {
			return 0, false, nil
		}
		ids, err := tok.Encode(name, false)
		if err != nil {
			return 0, false, fmt.Errorf("failed to encode %s token %q: %w", field, name, err)
		}
		if len(ids) != 1 {
			return 0, false, fmt.Errorf("%s token %q encodes to %d ids, want 1", field, name, len(ids))
		}
		return ids[0], true, nil
	}

	var (
		out SpecialTokens
		ok  bool
		err error
	)
	if out.CLS, out.HasCLS, err = resolve("cls", names.CLS); err != nil {
		return nil, err
	}
	if out.SEP, out.HasSEP, err = resolve("sep", names.SEP); err != nil {
		return nil, err
	}
	if out.Mask, out.HasMask, err = resolve("mask", names.Mask); err != nil {
		return nil, err
	}
	if out.Pad, ok, err = resolve("pad", names.Pad); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("pad token is required")
	}
	if out.EndMarker, ok, err = resolve("end marker", names.EndMarker); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("end marker token is required")
	}

	return &out, nil
}
