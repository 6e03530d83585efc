package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/prompt"
	"github.com/vivitsaS/drive-qa/pkg/fn"
	"github.com/vivitsaS/drive-qa/pkg/resilience"
)

type fakeModels struct {
	mu       sync.Mutex
	calls    int
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
	block    bool
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	f.calls++
	f.model, f.contents, f.config = model, contents, config
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

type recordingObserver struct {
	outcomes []string
	prompt   int
}

func (r *recordingObserver) ObserveModelCall(_, outcome string, _ time.Duration, promptTokens, _ int) {
	r.outcomes = append(r.outcomes, outcome)
	r.prompt += promptTokens
}

func textResponse(text string, finish genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(text, genai.RoleModel),
			FinishReason: finish,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 120, CandidatesTokenCount: 7},
	}
}

var question = []prompt.Part{prompt.Text("What is in front of the ego car?")}

func assertModelError(t *testing.T, res fn.Result[Answer], retryable bool) {
	t.Helper()
	if !res.IsErr() {
		t.Fatalf("expected error, got %s", res.Status())
	}
	if !errors.Is(res.Error(), domain.ErrModel) {
		t.Fatalf("expected ErrModel, got %v", res.Error())
	}
	if domain.IsRetryable(res.Error()) != retryable {
		t.Fatalf("retryable = %v, want %v (%v)", !retryable, retryable, res.Error())
	}
	if res.Meta()[MetaRetryable] != retryable {
		t.Fatalf("retryable meta = %v", res.Meta()[MetaRetryable])
	}
}

func TestGenerateSuccess(t *testing.T) {
	fake := &fakeModels{resp: textResponse("  A white sedan.  ", genai.FinishReasonStop)}
	obs := &recordingObserver{}
	g := New(fake, Config{Model: "test-model", Temperature: 0.2, MaxOutputTokens: 64}, nil, WithObserver(obs))

	parts := []prompt.Part{prompt.Text("Describe the scene."), prompt.Text("Camera CAM_FRONT (annotated):"), prompt.Image("image/png", []byte{0x89, 'P', 'N', 'G'})}
	res := g.Generate(context.Background(), parts)
	if res.Status() != fn.StatusSuccess {
		t.Fatalf("status = %s: %v", res.Status(), res.Error())
	}
	a := res.Must()
	if a.Text != "A white sedan." || a.Model != "test-model" || a.PromptTokens != 120 || a.OutputTokens != 7 || a.FinishReason != "STOP" {
		t.Fatalf("answer = %+v", a)
	}
	if fake.model != "test-model" || len(fake.contents) != 1 {
		t.Fatalf("model=%q contents=%d", fake.model, len(fake.contents))
	}
	got := fake.contents[0].Parts
	if len(got) != 3 || got[0].Text != "Describe the scene." || got[2].InlineData == nil || got[2].InlineData.MIMEType != "image/png" {
		t.Fatalf("parts not forwarded in order: %+v", got)
	}
	if fake.config.Temperature == nil || *fake.config.Temperature != float32(0.2) || fake.config.MaxOutputTokens != 64 {
		t.Fatalf("config = %+v", fake.config)
	}
	if res.MetaString(MetaModel) != "test-model" {
		t.Fatalf("meta = %v", res.Meta())
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "success" || obs.prompt != 120 {
		t.Fatalf("observer = %+v", obs)
	}
}

func TestGenerateWithTools(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
			genai.NewPartFromFunctionCall("lookup_object", map[string]any{"tag": "c1"}),
		}},
		FinishReason: genai.FinishReasonStop,
	}}}
	fake := &fakeModels{resp: resp}
	decl := &genai.FunctionDeclaration{Name: "lookup_object", Description: "Look up a key object by tag."}
	res := New(fake, Config{}, nil).Generate(context.Background(), question, decl)
	if res.IsErr() {
		t.Fatal(res.Error())
	}
	if len(fake.config.Tools) != 1 || fake.config.Tools[0].FunctionDeclarations[0] != decl {
		t.Fatalf("tools = %+v", fake.config.Tools)
	}
	calls := res.Must().FunctionCalls
	if len(calls) != 1 || calls[0].Name != "lookup_object" || calls[0].Args["tag"] != "c1" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "f.png")
	if err := os.WriteFile(img, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	g := New(&fakeModels{}, Config{ContextWindow: 300}, nil)

	res := g.Validate([]prompt.Part{prompt.Text("question text"), prompt.ImageFile("image/png", img)})
	if res.IsErr() {
		t.Fatal(res.Error())
	}
	v := res.Must()
	if v.TextParts != 1 || v.ImageParts != 1 || string(v.Parts[1].Data) != "png-bytes" {
		t.Fatalf("validation = %+v", v)
	}
	if v.EstimatedTokens != 4+tokensPerImage {
		t.Fatalf("estimate = %d", v.EstimatedTokens)
	}

	cases := []struct {
		name  string
		parts []prompt.Part
	}{
		{"no parts", nil},
		{"blank text", []prompt.Part{prompt.Text("   ")}},
		{"missing file", []prompt.Part{prompt.Text("q"), prompt.ImageFile("image/png", filepath.Join(dir, "nope.png"))}},
		{"no data", []prompt.Part{prompt.Text("q"), prompt.Image("image/png", nil)}},
		{"bad mime", []prompt.Part{prompt.Text("q"), prompt.Image("text/plain", []byte("x"))}},
		{"too large", []prompt.Part{prompt.Text("q"), prompt.Image("image/png", []byte("a")), prompt.Image("image/png", []byte("b"))}},
	}
	for _, c := range cases {
		res := g.Validate(c.parts)
		if !res.IsErr() || domain.KindOf(res.Error()) != domain.KindContentValidation {
			t.Errorf("%s: got %s %v", c.name, res.Status(), res.Error())
		}
	}
}

func TestGenerateInvalidContentSkipsModel(t *testing.T) {
	fake := &fakeModels{resp: textResponse("x", genai.FinishReasonStop)}
	res := New(fake, Config{}, nil).Generate(context.Background(), nil)
	if !errors.Is(res.Error(), domain.ErrContentValidation) {
		t.Fatalf("err = %v", res.Error())
	}
	if fake.calls != 0 {
		t.Fatal("model must not be called for invalid content")
	}
}

func TestGeneratePromptBlocked(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety, BlockReasonMessage: "unsafe prompt"},
	}}
	res := New(fake, Config{}, nil).Generate(context.Background(), question)
	assertModelError(t, res, false)
	if res.MetaString(MetaModelMessage) != "unsafe prompt" {
		t.Fatalf("meta = %v", res.Meta())
	}
}

func TestGenerateFinishReasons(t *testing.T) {
	for _, fr := range []genai.FinishReason{genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII, genai.FinishReasonImageSafety} {
		res := New(&fakeModels{resp: textResponse("", fr)}, Config{}, nil).Generate(context.Background(), question)
		assertModelError(t, res, false)
		if res.MetaString(MetaFinishReason) != string(fr) {
			t.Errorf("%s: meta = %v", fr, res.Meta())
		}
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	res := New(&fakeModels{resp: textResponse("", genai.FinishReasonStop)}, Config{}, nil).Generate(context.Background(), question)
	assertModelError(t, res, false)
	if !strings.Contains(res.Error().Error(), "empty response") {
		t.Fatalf("err = %v", res.Error())
	}
	res = New(&fakeModels{}, Config{}, nil).Generate(context.Background(), question)
	assertModelError(t, res, false)
}

func TestGenerateTruncatedIsWarning(t *testing.T) {
	res := New(&fakeModels{resp: textResponse("The car is", genai.FinishReasonMaxTokens)}, Config{}, nil).Generate(context.Background(), question)
	if !res.IsWarning() || res.Must().Text != "The car is" {
		t.Fatalf("status = %s", res.Status())
	}
}

func TestGenerateAPIErrors(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{400, false},
		{403, false},
		{413, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, c := range cases {
		fake := &fakeModels{err: genai.APIError{Code: c.code, Message: "upstream says no"}}
		res := New(fake, Config{}, nil).Generate(context.Background(), question)
		assertModelError(t, res, c.retryable)
		if res.MetaString(MetaModelMessage) != "upstream says no" {
			t.Errorf("%d: meta = %v", c.code, res.Meta())
		}
	}
}

func TestGenerateTransportErrorIsRetryable(t *testing.T) {
	res := New(&fakeModels{err: errors.New("connection reset by peer")}, Config{}, nil).Generate(context.Background(), question)
	assertModelError(t, res, true)
}

func TestGenerateTimeout(t *testing.T) {
	fake := &fakeModels{block: true}
	res := New(fake, Config{Timeout: 20 * time.Millisecond}, nil).Generate(context.Background(), question)
	assertModelError(t, res, true)
	if !strings.Contains(res.MetaString(MetaModelMessage), "timed out") {
		t.Fatalf("meta = %v", res.Meta())
	}
}

func TestGenerateCancelledIsNotRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(&fakeModels{err: context.Canceled}, Config{}, nil).Generate(ctx, question)
	assertModelError(t, res, false)
	if !errors.Is(res.Error(), resilience.ErrRateLimited) {
		t.Fatalf("a cancelled context fails at the limiter: %v", res.Error())
	}

	res = New(&fakeModels{err: context.Canceled}, Config{}, nil).Generate(context.Background(), question)
	assertModelError(t, res, false)
}

func TestGenerateBreakerTripsOnRetryableOnly(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Minute, IsFailure: domain.IsRetryable})

	bad := &fakeModels{err: genai.APIError{Code: 400}}
	g := New(bad, Config{}, nil, WithBreaker(breaker))
	for i := 0; i < 3; i++ {
		g.Generate(context.Background(), question)
	}
	if breaker.State() != resilience.StateClosed {
		t.Fatalf("client errors tripped the breaker: %v", breaker.State())
	}

	down := &fakeModels{err: genai.APIError{Code: 503}}
	g = New(down, Config{}, nil, WithBreaker(breaker))
	g.Generate(context.Background(), question)
	g.Generate(context.Background(), question)
	res := g.Generate(context.Background(), question)
	assertModelError(t, res, true)
	if !errors.Is(res.Error(), resilience.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", res.Error())
	}
	if down.calls != 2 {
		t.Fatalf("calls = %d", down.calls)
	}
}

func TestGenerateLimiter(t *testing.T) {
	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	g := New(&fakeModels{resp: textResponse("ok", genai.FinishReasonStop)}, Config{}, nil, WithLimiter(lim))
	if res := g.Generate(context.Background(), question); res.IsErr() {
		t.Fatal(res.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := g.Generate(ctx, question)
	assertModelError(t, res, true)
}

func TestObserverOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	New(&fakeModels{err: genai.APIError{Code: 429}}, Config{}, nil, WithObserver(obs)).Generate(context.Background(), question)
	New(&fakeModels{err: genai.APIError{Code: 400}}, Config{}, nil, WithObserver(obs)).Generate(context.Background(), question)
	if len(obs.outcomes) != 2 || obs.outcomes[0] != "retryable" || obs.outcomes[1] != "fatal" {
		t.Fatalf("outcomes = %v", obs.outcomes)
	}
}

func TestModelInfoDefaults(t *testing.T) {
	info := New(&fakeModels{}, Config{Temperature: 0.1}, nil).ModelInfo()
	want := ModelInfo{Model: "gemini-1.5-flash", ContextWindow: 1_048_576, MaxOutputTokens: 4096, Temperature: 0.1, Timeout: time.Minute}
	if info != want {
		t.Fatalf("info = %+v", info)
	}
}

func TestNewGeminiRequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", Config{}, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	if n := EstimateTokens([]prompt.Part{prompt.Text("abcdefgh"), prompt.Text("ab")}); n != 3 {
		t.Fatalf("n = %d", n)
	}
}

func TestGenerateLimiterWaitBoundedByTimeout(t *testing.T) {
	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	fake := &fakeModels{resp: textResponse("ok", genai.FinishReasonStop)}
	g := New(fake, Config{Timeout: 20 * time.Millisecond}, nil, WithLimiter(lim))
	if res := g.Generate(context.Background(), question); res.IsErr() {
		t.Fatal(res.Error())
	}

	done := make(chan fn.Result[Answer], 1)
	go func() { done <- g.Generate(context.Background(), question) }()
	select {
	case res := <-done:
		assertModelError(t, res, true)
		if !errors.Is(res.Error(), resilience.ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", res.Error())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("limiter wait outlived the model timeout")
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d", fake.calls)
	}
}

func TestGenerateValidatedSkipsValidation(t *testing.T) {
	fake := &fakeModels{resp: textResponse("ok", genai.FinishReasonStop)}
	g := New(fake, Config{ContextWindow: 1}, nil)
	if res := g.Generate(context.Background(), question); !errors.Is(res.Error(), domain.ErrContentValidation) {
		t.Fatalf("expected a content validation error, got %v", res.Error())
	}
	if fake.calls != 0 {
		t.Fatalf("calls = %d", fake.calls)
	}

	res := g.GenerateValidated(context.Background(), Validation{Parts: question, TextParts: 1})
	if res.IsErr() {
		t.Fatal(res.Error())
	}
	if fake.calls != 1 || res.Must().Text != "ok" {
		t.Fatalf("calls = %d answer = %+v", fake.calls, res.Must())
	}
}
