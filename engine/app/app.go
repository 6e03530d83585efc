// Package app wires the question answering pipeline from configuration. The
// binaries share it so the API, the worker and the CLI answer identically.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vivitsaS/drive-qa/engine/dataset"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/generate"
	"github.com/vivitsaS/drive-qa/engine/imagery"
	"github.com/vivitsaS/drive-qa/engine/prompt"
	"github.com/vivitsaS/drive-qa/engine/rag"
	"github.com/vivitsaS/drive-qa/engine/retrieve"
	"github.com/vivitsaS/drive-qa/pkg/config"
	"github.com/vivitsaS/drive-qa/pkg/fn"
	"github.com/vivitsaS/drive-qa/pkg/metrics"
	"github.com/vivitsaS/drive-qa/pkg/resilience"
)

// App holds the wired components.
type App struct {
	Config    config.Config
	Metrics   *metrics.Metrics
	Store     *dataset.Store
	Retriever *retrieve.Retriever
	Assembler *prompt.Assembler
	Generator *generate.Generator
	Service   *rag.Service
}

// Option customises New.
type Option func(*settings)

type settings struct {
	models        generate.ContentGenerator
	includePrompt bool
	offline       bool
}

// WithModels replaces the Gemini client, mainly for tests.
func WithModels(m generate.ContentGenerator) Option {
	return func(s *settings) { s.models = m }
}

// Offline builds only the data side; Generator and Service stay nil.
func Offline() Option {
	return func(s *settings) { s.offline = true }
}

// WithPrompt copies rendered prompts into responses.
func WithPrompt() Option {
	return func(s *settings) { s.includePrompt = true }
}

// New builds the pipeline described by cfg. Metrics may be nil.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st settings
	for _, o := range opts {
		o(&st)
	}

	store := dataset.NewStore(cfg.Data.Path, logger)
	if m != nil {
		store = store.WithObserver(m)
	}
	images := imagery.New(imagery.Options{
		ImageRoot:  cfg.Data.ImageRoot,
		PathPrefix: cfg.Data.ImagePrefix,
		MaxEdge:    cfg.Data.MaxImageEdge,
	}, logger)
	ret := retrieve.New(store, images, retrieve.Options{ContextWindow: cfg.Data.HistoryWindow}, logger)
	asm := prompt.New(ret)
	a := &App{Config: cfg, Metrics: m, Store: store, Retriever: ret, Assembler: asm}
	if st.offline {
		return a, nil
	}

	genCfg := GeneratorConfig(cfg.Model)
	breakerOpts := resilience.BreakerOpts{
		FailThreshold: cfg.Model.BreakerThreshold,
		Timeout:       cfg.Model.BreakerTimeout,
		HalfOpenMax:   1,
		IsFailure:     domain.IsRetryable,
	}
	if m != nil {
		breakerOpts.OnStateChange = m.BreakerObserver("model")
	}
	genOpts := []generate.Option{
		generate.WithLimiter(resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Model.RateLimit, Burst: cfg.Model.RateBurst})),
		generate.WithBreaker(resilience.NewBreaker(breakerOpts)),
	}
	if m != nil {
		genOpts = append(genOpts, generate.WithObserver(m))
	}

	var gen *generate.Generator
	if st.models != nil {
		gen = generate.New(st.models, genCfg, logger, genOpts...)
	} else {
		var err error
		gen, err = generate.NewGemini(ctx, cfg.Model.APIKey, genCfg, logger, genOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: model client: %w", err)
		}
	}

	ragOpts := rag.DefaultOptions()
	ragOpts.GenerateRetry = RetryPolicy(cfg.Model.RetryAttempts)
	ragOpts.IncludePrompt = st.includePrompt
	if m != nil {
		ragOpts.Observer = m
	}

	a.Generator = gen
	a.Service = rag.New(asm, gen, ragOpts, logger)
	return a, nil
}

// GeneratorConfig maps the model section onto the generator's settings.
func GeneratorConfig(mc config.ModelConfig) generate.Config {
	return generate.Config{
		Model:             mc.Name,
		ContextWindow:     mc.ContextWindow,
		MaxOutputTokens:   mc.MaxOutputTokens,
		Temperature:       mc.Temperature,
		Timeout:           mc.Timeout,
		SystemInstruction: mc.SystemInstruction,
	}
}

// RetryPolicy returns the Generate retry policy for attempts; 1 or less
// disables retries.
func RetryPolicy(attempts int) fn.RetryOpts {
	if attempts <= 1 {
		return fn.NoRetry
	}
	return fn.RetryOpts{
		MaxAttempts: attempts,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     8 * time.Second,
		Jitter:      true,
	}
}
