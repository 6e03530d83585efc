// Package generate sends assembled content to a multimodal language model and
// maps its responses and failures onto result envelopes.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/prompt"
	"github.com/vivitsaS/drive-qa/pkg/fn"
	"github.com/vivitsaS/drive-qa/pkg/resilience"
)

// Metadata keys set on model results.
const (
	MetaModel        = "model"
	MetaModelMessage = "model_message"
	MetaRetryable    = "retryable"
	MetaFinishReason = "finish_reason"
	MetaEstimated    = "estimated_tokens"
)

// tokensPerImage is the flat token cost the model charges for one image.
const tokensPerImage = 258

// ContentGenerator is the model API. genai.Models implements it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Observer records model calls. *metrics.Metrics implements it.
type Observer interface {
	ObserveModelCall(model, outcome string, d time.Duration, promptTokens, outputTokens int)
}

// Config configures a Generator.
type Config struct {
	Model             string        `yaml:"model"`
	ContextWindow     int           `yaml:"context_window"`
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	Temperature       float64       `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	SystemInstruction string        `yaml:"system_instruction"`
}

// DefaultConfig returns the defaults for the Gemini flash model.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-1.5-flash",
		ContextWindow:   1_048_576,
		MaxOutputTokens: 4096,
		Temperature:     0.1,
		Timeout:         60 * time.Second,
	}
}

// ModelInfo describes the configured model.
type ModelInfo struct {
	Model           string        `json:"model"`
	ContextWindow   int           `json:"context_window"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Temperature     float64       `json:"temperature"`
	Timeout         time.Duration `json:"timeout"`
}

// Validation is the outcome of a successful content check. Parts has every
// image loaded inline.
type Validation struct {
	Parts           []prompt.Part `json:"-"`
	TextParts       int           `json:"text_parts"`
	ImageParts      int           `json:"image_parts"`
	EstimatedTokens int           `json:"estimated_tokens"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Answer is a model response.
type Answer struct {
	Text          string         `json:"text"`
	Model         string         `json:"model"`
	PromptTokens  int            `json:"prompt_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	FinishReason  string         `json:"finish_reason,omitempty"`
	FunctionCalls []FunctionCall `json:"function_calls,omitempty"`
}

// Generator calls the model through a rate limiter and a circuit breaker.
type Generator struct {
	models  ContentGenerator
	cfg     Config
	limiter *resilience.Limiter
	breaker *resilience.Breaker
	obs     Observer
	logger  *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLimiter gates model calls on l.
func WithLimiter(l *resilience.Limiter) Option {
	return func(g *Generator) { g.limiter = l }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(g *Generator) { g.breaker = b }
}

// WithObserver records model calls on o.
func WithObserver(o Observer) Option {
	return func(g *Generator) { g.obs = o }
}

// New creates a Generator. Zero fields of cfg take their defaults. Unless
// replaced, the breaker trips on retryable model errors only.
func New(models ContentGenerator, cfg Config, logger *slog.Logger, opts ...Option) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	g := &Generator{models: models, cfg: cfg, logger: logger.With("component", "generate")}
	for _, o := range opts {
		o(g)
	}
	if g.limiter == nil {
		g.limiter = resilience.NewLimiter(resilience.LimiterOpts{})
	}
	if g.breaker == nil {
		g.breaker = resilience.NewBreaker(resilience.BreakerOpts{IsFailure: domain.IsRetryable})
	}
	return g
}

// NewGemini creates a Generator backed by the Gemini API.
func NewGemini(ctx context.Context, apiKey string, cfg Config, logger *slog.Logger, opts ...Option) (*Generator, error) {
	if apiKey == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "generate.NewGemini", "api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: create client: %w", err)
	}
	return New(client.Models, cfg, logger, opts...), nil
}

// ModelInfo describes the configured model.
func (g *Generator) ModelInfo() ModelInfo {
	return ModelInfo{
		Model:           g.cfg.Model,
		ContextWindow:   g.cfg.ContextWindow,
		MaxOutputTokens: g.cfg.MaxOutputTokens,
		Temperature:     g.cfg.Temperature,
		Timeout:         g.cfg.Timeout,
	}
}

// EstimateTokens approximates the token count of parts: a quarter token per
// character of text plus a flat cost per image.
func EstimateTokens(parts []prompt.Part) int {
	n := 0
	for _, p := range parts {
		if p.IsImage() {
			n += tokensPerImage
			continue
		}
		n += (utf8.RuneCountInString(p.Text) + 3) / 4
	}
	return n
}

// Validate checks parts before they are sent: there must be some non-blank
// text, every image must resolve to bytes of an image MIME type, and the
// estimate must fit the context window. Images given by path are loaded.
func (g *Generator) Validate(parts []prompt.Part) fn.Result[Validation] {
	const op = "generate.Validate"
	if len(parts) == 0 {
		return fn.Err[Validation](domain.Errorf(domain.ErrContentValidation, op, "no content parts"))
	}

	v := Validation{Parts: make([]prompt.Part, len(parts))}
	hasText := false
	for i, p := range parts {
		if !p.IsImage() {
			if strings.TrimSpace(p.Text) != "" {
				hasText = true
			}
			v.TextParts++
			v.Parts[i] = p
			continue
		}
		if !strings.HasPrefix(p.MIMEType, "image/") {
			return fn.Err[Validation](domain.Errorf(domain.ErrContentValidation, op, "part %d: unsupported mime type %q", i, p.MIMEType))
		}
		if len(p.Data) == 0 {
			if p.Path == "" {
				return fn.Err[Validation](domain.Errorf(domain.ErrContentValidation, op, "part %d: image has neither data nor path", i))
			}
			data, err := os.ReadFile(p.Path)
			if err != nil {
				return fn.Err[Validation](&domain.Error{Op: op, Detail: fmt.Sprintf("part %d: load image", i), Wrapped: domain.ErrContentValidation, Cause: err})
			}
			if len(data) == 0 {
				return fn.Err[Validation](domain.Errorf(domain.ErrContentValidation, op, "part %d: image %s is empty", i, p.Path))
			}
			p.Data = data
		}
		v.ImageParts++
		v.Parts[i] = p
	}
	if !hasText {
		return fn.Err[Validation](domain.Errorf(domain.ErrContentValidation, op, "prompt text is empty"))
	}

	v.EstimatedTokens = EstimateTokens(v.Parts)
	if v.EstimatedTokens > g.cfg.ContextWindow {
		return fn.Err[Validation](domain.Errorf(domain.ErrContentValidation, op,
			"estimated %d tokens exceed the %d token context window", v.EstimatedTokens, g.cfg.ContextWindow),
			fn.Meta{MetaEstimated: v.EstimatedTokens})
	}
	return fn.Ok(v, fn.Meta{MetaEstimated: v.EstimatedTokens})
}

// Generate validates parts and sends them as one user turn. Tools, when
// given, are offered to the model as function declarations.
func (g *Generator) Generate(ctx context.Context, parts []prompt.Part, tools ...*genai.FunctionDeclaration) fn.Result[Answer] {
	v := g.Validate(parts)
	if v.IsErr() {
		return fn.Forward[Answer](v)
	}
	return g.GenerateValidated(ctx, v.Must(), tools...)
}

// GenerateValidated sends content that Validate already accepted, without
// checking or loading it again.
func (g *Generator) GenerateValidated(ctx context.Context, v Validation, tools ...*genai.FunctionDeclaration) fn.Result[Answer] {
	contents := []*genai.Content{genai.NewContentFromParts(toGenaiParts(v.Parts), genai.RoleUser)}
	config := g.requestConfig(tools)

	start := time.Now()
	res := g.call(ctx, contents, config)
	g.observe(res, time.Since(start))
	if res.IsErr() {
		g.logger.Warn("model call failed", "model", g.cfg.Model, "retryable", domain.IsRetryable(res.Error()), "err", res.Error())
	}
	return res.WithMeta(fn.Meta{MetaModel: g.cfg.Model})
}

func (g *Generator) call(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) fn.Result[Answer] {
	const op = "generate.Generate"
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	if err := g.limiter.Wait(ctx); err != nil {
		return modelErr(op, !errors.Is(err, context.Canceled), err, err.Error())
	}
	res := resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[Answer] {
		resp, err := g.models.GenerateContent(ctx, g.cfg.Model, contents, config)
		if err != nil {
			return g.mapError(op, err)
		}
		return g.answer(op, resp)
	})
	if errors.Is(res.Error(), resilience.ErrCircuitOpen) && !errors.Is(res.Error(), domain.ErrModel) {
		return modelErr(op, true, res.Error(), res.Error().Error())
	}
	return res
}

func (g *Generator) requestConfig(tools []*genai.FunctionDeclaration) *genai.GenerateContentConfig {
	temp := float32(g.cfg.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(min(g.cfg.MaxOutputTokens, 1<<31-1)),
	}
	if g.cfg.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(g.cfg.SystemInstruction, genai.RoleUser)
	}
	if len(tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: tools}}
	}
	return config
}

func toGenaiParts(parts []prompt.Part) []*genai.Part {
	out := make([]*genai.Part, len(parts))
	for i, p := range parts {
		if p.IsImage() {
			out[i] = genai.NewPartFromBytes(p.Data, p.MIMEType)
		} else {
			out[i] = genai.NewPartFromText(p.Text)
		}
	}
	return out
}

// mapError classifies a failed call. Timeouts, rate limits, server errors and
// transport failures are retryable; client errors and caller cancellation are not.
func (g *Generator) mapError(op string, err error) fn.Result[Answer] {
	var apiErr genai.APIError
	switch {
	case errors.As(err, &apiErr):
		retryable := apiErr.Code == http.StatusTooManyRequests ||
			apiErr.Code == http.StatusRequestTimeout ||
			apiErr.Code >= http.StatusInternalServerError
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return modelErr(op, retryable, err, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return modelErr(op, true, err, fmt.Sprintf("model call timed out after %s", g.cfg.Timeout))
	case errors.Is(err, context.Canceled):
		return modelErr(op, false, err, "model call cancelled")
	default:
		return modelErr(op, true, err, err.Error())
	}
}

var blockedFinish = map[genai.FinishReason]bool{
	genai.FinishReasonSafety:            true,
	genai.FinishReasonProhibitedContent: true,
	genai.FinishReasonBlocklist:         true,
	genai.FinishReasonSPII:              true,
	genai.FinishReasonImageSafety:       true,
}

func (g *Generator) answer(op string, resp *genai.GenerateContentResponse) fn.Result[Answer] {
	if resp == nil {
		return modelErr(op, false, errors.New("empty response"), "")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		msg := fb.BlockReasonMessage
		if msg == "" {
			msg = string(fb.BlockReason)
		}
		return modelErr(op, false, fmt.Errorf("prompt blocked: %s", fb.BlockReason), msg)
	}

	var finish genai.FinishReason
	var finishMsg string
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		finish = resp.Candidates[0].FinishReason
		finishMsg = resp.Candidates[0].FinishMessage
	}
	if blockedFinish[finish] {
		if finishMsg == "" {
			finishMsg = string(finish)
		}
		return modelErr(op, false, fmt.Errorf("response blocked: %s", finish), finishMsg).
			WithMeta(fn.Meta{MetaFinishReason: string(finish)})
	}

	a := Answer{
		Text:         strings.TrimSpace(resp.Text()),
		Model:        g.cfg.Model,
		FinishReason: string(finish),
	}
	if u := resp.UsageMetadata; u != nil {
		a.PromptTokens = int(u.PromptTokenCount)
		a.OutputTokens = int(u.CandidatesTokenCount)
	}
	for _, c := range resp.FunctionCalls() {
		a.FunctionCalls = append(a.FunctionCalls, FunctionCall{Name: c.Name, Args: c.Args})
	}
	if a.Text == "" && len(a.FunctionCalls) == 0 {
		detail := "empty response"
		if finish != "" {
			detail += " (finish reason " + string(finish) + ")"
		}
		return modelErr(op, false, errors.New(detail), finishMsg)
	}

	meta := fn.Meta{MetaFinishReason: a.FinishReason}
	if finish == genai.FinishReasonMaxTokens {
		return fn.Warn(a, "answer truncated at the output token limit", meta)
	}
	return fn.Ok(a, meta)
}

func modelErr(op string, retryable bool, cause error, modelMessage string) fn.Result[Answer] {
	meta := fn.Meta{MetaRetryable: retryable}
	if modelMessage != "" {
		meta[MetaModelMessage] = modelMessage
	}
	return fn.Err[Answer](domain.NewModelError(op, retryable, cause), meta)
}

func (g *Generator) observe(res fn.Result[Answer], d time.Duration) {
	if g.obs == nil {
		return
	}
	outcome := "success"
	switch {
	case res.IsErr() && domain.IsRetryable(res.Error()):
		outcome = "retryable"
	case res.IsErr():
		outcome = "fatal"
	}
	a := res.UnwrapOr(Answer{})
	g.obs.ObserveModelCall(g.cfg.Model, outcome, d, a.PromptTokens, a.OutputTokens)
}
