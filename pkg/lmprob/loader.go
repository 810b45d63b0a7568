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

package lmprob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/composition"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/onnx"
	"github.com/llm-d/llm-d-sentence-prob/pkg/lm/remote"
	"github.com/llm-d/llm-d-sentence-prob/pkg/metrics"
	"github.com/llm-d/llm-d-sentence-prob/pkg/ngram"
	"github.com/llm-d/llm-d-sentence-prob/pkg/scorecache"
	"github.com/llm-d/llm-d-sentence-prob/pkg/tokenization"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
	"github.com/llm-d/llm-d-sentence-prob/pkg/vocabulary"
)

// Loader builds models from configuration. Tokenizers, composition indexes
// and the score cache are shared by every model it loads.
type Loader struct {
	config *Config

	tokenizers *tokenization.CachedHFTokenizer
	indexes    *composition.Cache
	scores     scorecache.Store
}

// NewLoader creates a Loader given a Config.
func NewLoader(ctx context.Context, config *Config) (*Loader, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	poolConfig := config.TokenizersPoolConfig
	if poolConfig == nil {
		poolConfig = tokenization.DefaultConfig()
	}

	tokenizers, err := tokenization.NewCachedHFTokenizer(poolConfig.HFTokenizerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer cache: %w", err)
	}

	size := config.IndexCacheSize
	if size <= 0 {
		size = defaultIndexCacheSize
	}
	indexes, err := composition.NewCache(size, config.CompositionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create composition index cache: %w", err)
	}

	var scores scorecache.Store
	if config.ScoreCacheConfig != nil {
		if scores, err = scorecache.NewStore(ctx, config.ScoreCacheConfig); err != nil {
			return nil, err
		}
	}

	if config.EnableMetrics {
		metrics.Register()
		if config.MetricsLoggingInterval > 0 {
			metrics.StartMetricsLogging(ctx, config.MetricsLoggingInterval)
		}
	}

	return &Loader{
		config:     config,
		tokenizers: tokenizers,
		indexes:    indexes,
		scores:     scores,
	}, nil
}

// NewModel loads a single model with a default Loader.
func NewModel(ctx context.Context, mc *ModelConfig) (*Model, error) {
	loader, err := NewLoader(ctx, nil)
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx, mc)
}

// LoadAll loads every configured model, closing the ones already loaded if
// one fails.
func (l *Loader) LoadAll(ctx context.Context) ([]*Model, error) {
	models := make([]*Model, 0, len(l.config.Models))
	for _, mc := range l.config.Models {
		m, err := l.Load(ctx, mc)
		if err != nil {
			for _, loaded := range models {
				_ = loaded.Close()
			}
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// Load reads every resource mc names and builds the Model.
func (l *Loader) Load(ctx context.Context, mc *ModelConfig) (model *Model, err error) {
	if mc == nil {
		return nil, errors.New("model configuration is required")
	}
	id, err := ParseIdentity(mc.Identity)
	if err != nil {
		return nil, err
	}
	logger := klog.FromContext(ctx).WithName("lmprob.Loader").WithValues("model", mc.name())

	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
		}
	}()

	deps := Deps{
		IndexCache: l.indexes,
		PoolConfig: l.config.TokenizersPoolConfig,
		Scores:     l.scores,
	}

	if mc.VocabularyConfig == nil {
		return nil, fmt.Errorf("model %s: vocabulary configuration is required", mc.name())
	}
	if deps.Vocabulary, err = vocabulary.Load(mc.VocabularyConfig.LowercasePath, mc.VocabularyConfig.CapitalizedPath); err != nil {
		return nil, err
	}

	family := id.Family()
	if family != FamilyNgram {
		fw, closer, err := l.newForwarder(mc)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mc.name(), err)
		}
		closers = append(closers, closer)
		deps.Forwarder = fw
	}

	switch family {
	case FamilyMasked, FamilyAutoregressive:
		name := mc.Tokenizer
		if name == "" {
			name = id.DefaultTokenizer()
		}
		if deps.Tokenizer, err = l.tokenizers.Get(name); err != nil {
			return nil, err
		}
	case FamilyBidirectionalRecurrent, FamilyRecurrent:
		if deps.WordIDs, err = vocabulary.LoadWordIDs(mc.WordIDsPath); err != nil {
			return nil, err
		}
	case FamilyNgram:
		if deps.NgramModel, err = ngram.LoadARPAFile(ctx, mc.ARPAPath); err != nil {
			return nil, err
		}
	}

	model, err = New(ctx, mc, deps)
	if err != nil {
		return nil, err
	}
	model.closers = closers

	logger.V(logging.DEBUG).Info("loaded model resources", "vocabulary", deps.Vocabulary.Len())
	return model, nil
}

// newForwarder creates the first configured forwarder.
func (l *Loader) newForwarder(mc *ModelConfig) (lm.Forwarder, io.Closer, error) {
	var fw lm.Forwarder
	var closer io.Closer

	switch {
	case mc.ONNXConfig != nil:
		session, err := onnx.NewSession(mc.ONNXConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ONNX session: %w", err)
		}
		fw, closer = session, session
	case mc.RemoteConfig != nil:
		client, err := remote.NewClient(mc.RemoteConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create remote forwarder: %w", err)
		}
		fw, closer = client, client
	default:
		return nil, nil, errors.New("no valid forwarder configuration provided")
	}

	if l.config.EnableMetrics {
		fw = lm.NewInstrumentedForwarder(fw)
	}
	return fw, closer, nil
}
