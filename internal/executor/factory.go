package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/promised/internal/config"
)

// Names under which the built-in executors are registered.
const (
	NameShell  = "shell"
	NameOllama = "ollama"
	NameGemini = "gemini"
)

// NewRegistryFromConfig builds a registry holding every enabled executor.
// The configured default must be one of them.
func NewRegistryFromConfig(ctx context.Context, cfg config.ExecutorsConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry(cfg.Default)

	if cfg.Shell.Enabled {
		shell, err := NewShellExecutor(cfg.Shell)
		if err != nil {
			return nil, err
		}
		reg.Register(NameShell, shell)
	}
	if cfg.Ollama.Enabled {
		ollama, err := NewOllamaExecutor(cfg.Ollama, logger)
		if err != nil {
			return nil, err
		}
		reg.Register(NameOllama, ollama)
	}
	if cfg.Gemini.Enabled {
		gemini, err := NewGeminiExecutor(ctx, cfg.Gemini, logger)
		if err != nil {
			return nil, err
		}
		reg.Register(NameGemini, gemini)
	}

	if !reg.Has(cfg.Default) {
		return nil, fmt.Errorf("%w: default executor %q is not enabled", ErrInvalidConfig, cfg.Default)
	}
	logger.InfoContext(ctx, "executors registered", "executors", reg.Names(), "default", cfg.Default)
	return reg, nil
}
