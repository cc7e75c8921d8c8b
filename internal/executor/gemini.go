package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/promised/internal/config"
	"google.golang.org/genai"
)

// ErrContentBlocked is returned when the model refuses the prompt. It is permanent.
var ErrContentBlocked = errors.New("content blocked by model safety filters")

// ContentGenerator is the subset of genai's Models service the executor uses.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiExecutor sends the task description to a Gemini model as a research prompt.
type GeminiExecutor struct {
	models ContentGenerator
	model  string
	logger *slog.Logger
}

// NewGeminiExecutor creates a GeminiExecutor backed by the Gemini API.
func NewGeminiExecutor(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (*GeminiExecutor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}
	return NewGeminiExecutorWithModels(client.Models, cfg.ModelName, logger), nil
}

// NewGeminiExecutorWithModels creates a GeminiExecutor around an existing generator.
func NewGeminiExecutorWithModels(models ContentGenerator, model string, logger *slog.Logger) *GeminiExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiExecutor{
		models: models,
		model:  model,
		logger: logger.With("executor", "gemini", "model", model),
	}
}

// Execute sends one prompt and returns the concatenated text of the first candidate.
func (e *GeminiExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	e.logger.DebugContext(ctx, "making Gemini API call", "promise_id", req.PromiseID, "attempt", req.Attempt)

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.TaskDescription}},
	}}
	resp, err := e.models.GenerateContent(ctx, e.model, contents, nil)
	if err != nil {
		return Result{}, classifyGeminiError(err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Result{}, Permanent(fmt.Errorf("%w: %s", ErrContentBlocked, resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Result{}, ErrEmptyOutput
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return Result{}, Permanent(ErrContentBlocked)
	}

	var out strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			out.WriteString(part.Text)
		}
	}
	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return Result{}, ErrEmptyOutput
	}
	return Result{Summary: summary}, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gemini: %w", err)
	}
	switch apiErr.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Permanent(fmt.Errorf("gemini: %w", err))
	}
	return fmt.Errorf("gemini: %w", err)
}
