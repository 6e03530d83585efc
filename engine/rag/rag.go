// Package rag answers questions about driving scenes. Each request runs an
// explicit state machine: it validates the inputs, retrieves the scene
// context, assembles and validates the model content, generates an answer,
// and packages it with the dataset's ground truth for comparison.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/generate"
	"github.com/vivitsaS/drive-qa/engine/prompt"
	"github.com/vivitsaS/drive-qa/engine/retrieve"
	"github.com/vivitsaS/drive-qa/pkg/fn"
)

// State names one step of a request.
type State string

const (
	StateValidateInputs  State = "Validate Inputs"
	StateBuildContext    State = "Build Context"
	StateAssemblePrompt  State = "Assemble Prompt"
	StateValidateContent State = "Validate Content"
	StateGenerate        State = "Generate"
	StatePackageResult   State = "Package Result"
	StateDone            State = "Done"
)

// States lists the working states in the order a request visits them.
var States = []State{StateValidateInputs, StateBuildContext, StateAssemblePrompt, StateValidateContent, StateGenerate, StatePackageResult}

// Metadata keys set on every result.
const (
	MetaStage     = "stage"
	MetaKind      = "kind"
	MetaRequestID = "request_id"
	MetaWarnings  = "warnings"
	MetaStageMS   = "stage_ms"
)

// ContextBuilder retrieves the context bundle. *prompt.Assembler implements it.
type ContextBuilder interface {
	BuildContext(ctx context.Context, scene, kf domain.Ref, cat domain.Category, serial int) fn.Result[*retrieve.Bundle]
}

// Model validates content and generates answers from validated content.
// *generate.Generator implements it.
type Model interface {
	Validate(parts []prompt.Part) fn.Result[generate.Validation]
	GenerateValidated(ctx context.Context, v generate.Validation, tools ...*genai.FunctionDeclaration) fn.Result[generate.Answer]
	ModelInfo() generate.ModelInfo
}

// Observer records request and stage outcomes. *metrics.Metrics implements it.
type Observer interface {
	ObserveStage(stage, status string, d time.Duration)
	ObserveRequest(status, category string)
}

// Request addresses one QA pair, optionally with a replacement question.
type Request = domain.Query

// Response is the payload of a successful request.
type Response struct {
	RequestID         string          `json:"request_id"`
	Question          string          `json:"question"`
	Answer            string          `json:"answer"`
	GroundTruthAnswer string          `json:"ground_truth_answer"`
	Category          domain.Category `json:"category"`
	Serial            int             `json:"serial"`
	SceneToken        string          `json:"scene_token"`
	KeyframeToken     string          `json:"keyframe_token"`
	Model             string          `json:"model"`
	PromptTokens      int             `json:"prompt_tokens,omitempty"`
	OutputTokens      int             `json:"output_tokens,omitempty"`
	Facets            map[string]bool `json:"facets"`
	Missing           []string        `json:"missing,omitempty"`
	Prompt            string          `json:"prompt,omitempty"`
	Duration          time.Duration   `json:"duration"`
}

// Options configures the Service.
type Options struct {
	// GenerateRetry wraps the Generate state. The default makes one attempt.
	// When retries are enabled and ShouldRetry is nil, only retryable model
	// errors are repeated.
	GenerateRetry fn.RetryOpts
	// IncludePrompt copies the rendered prompt into the Response.
	IncludePrompt bool
	// Tools are offered to the model with every request.
	Tools []*genai.FunctionDeclaration
	// Observer, when set, records stage and request outcomes.
	Observer Observer
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{GenerateRetry: fn.NoRetry}
}

// Service is the question answering orchestrator.
type Service struct {
	builder ContextBuilder
	model   Model
	opts    Options
	logger  *slog.Logger
	steps   map[State]step
}

type step struct {
	exec fn.Stage[*run, *run]
	next State
}

// run carries one request through the states.
type run struct {
	id         string
	req        Request
	start      time.Time
	bundle     *retrieve.Bundle
	parts      []prompt.Part
	prompt     string
	content    generate.Validation
	answer     generate.Answer
	meta       fn.Meta
	warnings   []string
	response   *Response
	stageTimes map[State]time.Duration
}

// New creates a Service.
func New(builder ContextBuilder, model Model, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GenerateRetry.MaxAttempts < 1 {
		opts.GenerateRetry.MaxAttempts = 1
	}
	if opts.GenerateRetry.ShouldRetry == nil {
		opts.GenerateRetry.ShouldRetry = domain.IsRetryable
	}
	s := &Service{builder: builder, model: model, opts: opts, logger: logger.With("component", "rag")}
	s.steps = map[State]step{
		StateValidateInputs:  {s.validateInputs, StateBuildContext},
		StateBuildContext:    {s.buildContext, StateAssemblePrompt},
		StateAssemblePrompt:  {s.assemblePrompt, StateValidateContent},
		StateValidateContent: {s.validateContent, StateGenerate},
		StateGenerate:        {s.generate, StatePackageResult},
		StatePackageResult:   {s.packageResult, StateDone},
	}
	return s
}

// ModelInfo describes the model answering questions.
func (s *Service) ModelInfo() generate.ModelInfo { return s.model.ModelInfo() }

type requestIDKey struct{}

// ContextWithRequestID makes Ask use id instead of generating one.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Ask answers one question. The result is an error naming the failing state
// and error kind in its metadata, a warning when context facets were missing
// or the answer was truncated, or a success.
func (s *Service) Ask(ctx context.Context, req Request) fn.Result[*Response] {
	r := &run{
		id:         requestID(ctx),
		req:        req,
		start:      time.Now(),
		meta:       fn.Meta{},
		stageTimes: make(map[State]time.Duration, len(States)),
	}

	for state := StateValidateInputs; state != StateDone; {
		st := s.steps[state]
		start := time.Now()
		res := fn.TracedStage(string(state), st.exec)(ctx, r)
		d := time.Since(start)
		r.stageTimes[state] = d
		s.observeStage(state, res.Status(), d)

		if res.IsErr() {
			return s.finish(r, s.fail(r, state, res))
		}
		if res.IsWarning() {
			r.warnings = append(r.warnings, res.Message())
		}
		maps.Copy(r.meta, res.Meta())
		state = st.next
	}

	stageMS := make(map[string]int64, len(r.stageTimes))
	for st, d := range r.stageTimes {
		stageMS[string(st)] = d.Milliseconds()
	}
	meta := fn.Meta{MetaRequestID: r.id, MetaStage: string(StateDone), MetaStageMS: stageMS}
	if len(r.warnings) > 0 {
		meta[MetaWarnings] = r.warnings
		return s.finish(r, fn.Warn(r.response, strings.Join(r.warnings, "; "), r.meta, meta))
	}
	return s.finish(r, fn.Ok(r.response, r.meta, meta))
}

func (s *Service) fail(r *run, state State, res fn.Result[*run]) fn.Result[*Response] {
	err := res.Error()
	kind := domain.KindOf(err)
	return fn.Err[*Response](fmt.Errorf("%s: %w", state, err), res.Meta(), fn.Meta{
		MetaStage:     string(state),
		MetaKind:      kind.String(),
		MetaRequestID: r.id,
	})
}

// finish logs and counts the envelope leaving the Service.
func (s *Service) finish(r *run, res fn.Result[*Response]) fn.Result[*Response] {
	attrs := []any{
		"request_id", r.id,
		"scene", r.req.Scene.String(),
		"keyframe", r.req.Keyframe.String(),
		"category", r.req.Category.String(),
		"serial", r.req.Serial,
		"stage", res.MetaString(MetaStage),
		"duration", time.Since(r.start),
	}
	switch res.Status() {
	case fn.StatusSuccess:
		s.logger.Info("question answered", attrs...)
	case fn.StatusWarning:
		s.logger.Warn("question answered with warnings", append(attrs, "message", res.Message())...)
	default:
		s.logger.Error("question failed", append(attrs, "kind", res.MetaString(MetaKind), "err", res.Error())...)
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveRequest(string(res.Status()), r.req.Category.String())
	}
	return res
}

func (s *Service) observeStage(state State, status fn.Status, d time.Duration) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveStage(string(state), string(status), d)
	}
}

func (s *Service) validateInputs(_ context.Context, r *run) fn.Result[*run] {
	if err := domain.ValidateQuery(r.req); err != nil {
		return fn.Err[*run](err)
	}
	return fn.Ok(r)
}

func (s *Service) buildContext(ctx context.Context, r *run) fn.Result[*run] {
	res := s.builder.BuildContext(ctx, r.req.Scene, r.req.Keyframe, r.req.Category, r.req.Serial)
	if res.IsErr() {
		return fn.Forward[*run](res)
	}
	r.bundle = res.Must()
	if res.IsWarning() {
		return fn.Warn(r, res.Message(), res.Meta())
	}
	return fn.Ok(r, res.Meta())
}

func (s *Service) assemblePrompt(_ context.Context, r *run) fn.Result[*run] {
	b := r.bundle
	if q := strings.TrimSpace(r.req.Question); q != "" {
		b = prompt.WithQuestion(b, q)
	}
	r.parts = prompt.BuildContentParts(b)
	r.prompt = r.parts[0].Text
	return fn.Ok(r)
}

func (s *Service) validateContent(_ context.Context, r *run) fn.Result[*run] {
	res := s.model.Validate(r.parts)
	if res.IsErr() {
		return fn.Forward[*run](res)
	}
	r.content = res.Must()
	return fn.Ok(r, res.Meta())
}

func (s *Service) generate(ctx context.Context, r *run) fn.Result[*run] {
	res := fn.Retry(ctx, s.opts.GenerateRetry, func(ctx context.Context) fn.Result[generate.Answer] {
		return s.model.GenerateValidated(ctx, r.content, s.opts.Tools...)
	})
	if res.IsErr() {
		return fn.Forward[*run](res)
	}
	r.answer = res.Must()
	if res.IsWarning() {
		return fn.Warn(r, res.Message(), res.Meta())
	}
	return fn.Ok(r, res.Meta())
}

func (s *Service) packageResult(_ context.Context, r *run) fn.Result[*run] {
	b := r.bundle
	question := b.QA.Question
	if q := strings.TrimSpace(r.req.Question); q != "" {
		question = q
	}
	resp := &Response{
		RequestID:         r.id,
		Question:          question,
		Answer:            r.answer.Text,
		GroundTruthAnswer: b.QA.Answer,
		Category:          b.QA.Category,
		Serial:            b.QA.Serial,
		SceneToken:        b.Scene.Token,
		KeyframeToken:     b.Keyframe.Token,
		Model:             r.answer.Model,
		PromptTokens:      r.answer.PromptTokens,
		OutputTokens:      r.answer.OutputTokens,
		Facets:            make(map[string]bool, len(b.Facets)),
		Duration:          time.Since(r.start),
	}
	if resp.Model == "" {
		resp.Model = s.model.ModelInfo().Model
	}
	for f, ok := range b.Facets {
		resp.Facets[string(f)] = ok
	}
	for _, f := range b.Missing {
		resp.Missing = append(resp.Missing, string(f))
	}
	if s.opts.IncludePrompt {
		resp.Prompt = r.prompt
	}
	r.response = resp
	return fn.Ok(r)
}
