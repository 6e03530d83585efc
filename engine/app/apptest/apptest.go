// Package apptest provides fixtures for tests that wire the full pipeline.
package apptest

import (
	"context"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/vivitsaS/drive-qa/engine/dataset/datasettest"
	"github.com/vivitsaS/drive-qa/pkg/config"
)

// Config returns a configuration over the fixture dataset with camera frames
// written under a temporary image root.
func Config(t testing.TB) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Path = datasettest.WriteFile(t, t.TempDir())
	cfg.Data.ImageRoot = datasettest.WriteFrames(t, t.TempDir())
	cfg.Model.Name = "test-model"
	cfg.Model.APIKey = "test-key"
	return cfg
}

// Models answers every call with a fixed text, or fails with Err when set.
type Models struct {
	mu    sync.Mutex
	Text  string
	Err   error
	calls int
}

// GenerateContent implements generate.ContentGenerator.
func (m *Models) GenerateContent(_ context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return nil, m.Err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(m.Text, genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 800, CandidatesTokenCount: 10},
	}, nil
}

// Calls reports how many requests reached the model.
func (m *Models) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
