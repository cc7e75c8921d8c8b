package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/phrazzld/promised/internal/config"
)

// OllamaGenerator is the subset of *api.Client the executor uses.
type OllamaGenerator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

// OllamaExecutor sends the task description as a prompt to a local model.
type OllamaExecutor struct {
	client OllamaGenerator
	model  string
	logger *slog.Logger
}

// NewOllamaExecutor creates an OllamaExecutor. An empty host falls back to
// OLLAMA_HOST and the client default.
func NewOllamaExecutor(cfg config.OllamaConfig, logger *slog.Logger) (*OllamaExecutor, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: ollama model cannot be empty", ErrInvalidConfig)
	}

	var client *api.Client
	if cfg.Host != "" {
		base, err := url.Parse(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: ollama host: %v", ErrInvalidConfig, err)
		}
		client = api.NewClient(base, http.DefaultClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("%w: ollama client: %v", ErrInvalidConfig, err)
		}
	}
	return NewOllamaExecutorWithClient(client, cfg.Model, logger), nil
}

// NewOllamaExecutorWithClient creates an OllamaExecutor around an existing client.
func NewOllamaExecutorWithClient(client OllamaGenerator, model string, logger *slog.Logger) *OllamaExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaExecutor{
		client: client,
		model:  model,
		logger: logger.With("executor", "ollama", "model", model),
	}
}

// Execute runs a single non-streaming generation.
func (e *OllamaExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	stream := false
	var out strings.Builder

	e.logger.DebugContext(ctx, "generating", "promise_id", req.PromiseID, "attempt", req.Attempt)
	err := e.client.Generate(ctx, &api.GenerateRequest{
		Model:  e.model,
		Prompt: req.TaskDescription,
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return Result{}, classifyOllamaError(err)
	}

	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return Result{}, ErrEmptyOutput
	}
	return Result{Summary: summary}, nil
}

// classifyOllamaError treats client errors (bad request, unknown model) as
// permanent and everything else as transient.
func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
			statusErr.StatusCode != http.StatusTooManyRequests &&
			statusErr.StatusCode != http.StatusRequestTimeout {
			return Permanent(fmt.Errorf("ollama: %w", err))
		}
	}
	return fmt.Errorf("ollama: %w", err)
}
