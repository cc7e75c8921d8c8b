package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/phrazzld/promised/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// mockModels is a hand-written ContentGenerator.
type mockModels struct {
	GenerateContentFn func(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error)
}

func (m *mockModels) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	return m.GenerateContentFn(ctx, model, contents)
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func TestGeminiExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("concatenates parts", func(t *testing.T) {
		var gotModel, gotPrompt string
		models := &mockModels{GenerateContentFn: func(_ context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
			gotModel = model
			gotPrompt = contents[0].Parts[0].Text
			return textResponse("Findings: ", "three papers."), nil
		}}
		e := NewGeminiExecutorWithModels(models, "gemini-2.0-flash", nil)

		res, err := e.Execute(ctx, Request{TaskDescription: "research X"})
		require.NoError(t, err)
		assert.Equal(t, "Findings: three papers.", res.Summary)
		assert.Equal(t, "gemini-2.0-flash", gotModel)
		assert.Equal(t, "research X", gotPrompt)
	})

	t.Run("no candidates is transient", func(t *testing.T) {
		models := &mockModels{GenerateContentFn: func(context.Context, string, []*genai.Content) (*genai.GenerateContentResponse, error) {
			return &genai.GenerateContentResponse{}, nil
		}}
		_, err := NewGeminiExecutorWithModels(models, "m", nil).Execute(ctx, Request{TaskDescription: "x"})
		assert.ErrorIs(t, err, ErrEmptyOutput)
		assert.False(t, IsPermanent(err))
	})

	t.Run("safety stop is permanent", func(t *testing.T) {
		models := &mockModels{GenerateContentFn: func(context.Context, string, []*genai.Content) (*genai.GenerateContentResponse, error) {
			resp := textResponse("")
			resp.Candidates[0].FinishReason = genai.FinishReasonSafety
			return resp, nil
		}}
		_, err := NewGeminiExecutorWithModels(models, "m", nil).Execute(ctx, Request{TaskDescription: "x"})
		assert.ErrorIs(t, err, ErrContentBlocked)
		assert.True(t, IsPermanent(err))
	})

	t.Run("api client error is permanent", func(t *testing.T) {
		models := &mockModels{GenerateContentFn: func(context.Context, string, []*genai.Content) (*genai.GenerateContentResponse, error) {
			return nil, genai.APIError{Code: http.StatusBadRequest, Message: "invalid argument"}
		}}
		_, err := NewGeminiExecutorWithModels(models, "m", nil).Execute(ctx, Request{TaskDescription: "x"})
		assert.True(t, IsPermanent(err))
	})

	t.Run("unavailable is transient", func(t *testing.T) {
		models := &mockModels{GenerateContentFn: func(context.Context, string, []*genai.Content) (*genai.GenerateContentResponse, error) {
			return nil, genai.APIError{Code: http.StatusServiceUnavailable}
		}}
		_, err := NewGeminiExecutorWithModels(models, "m", nil).Execute(ctx, Request{TaskDescription: "x"})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	})

	t.Run("network error is transient", func(t *testing.T) {
		models := &mockModels{GenerateContentFn: func(context.Context, string, []*genai.Content) (*genai.GenerateContentResponse, error) {
			return nil, errors.New("connection reset")
		}}
		_, err := NewGeminiExecutorWithModels(models, "m", nil).Execute(ctx, Request{TaskDescription: "x"})
		assert.False(t, IsPermanent(err))
	})
}

func TestNewGeminiExecutor_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := NewGeminiExecutor(ctx, config.GeminiConfig{ModelName: "m"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewGeminiExecutor(ctx, config.GeminiConfig{APIKey: "k"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
