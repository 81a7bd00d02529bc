package responder

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// NewSource is a factory function that creates a ResponseSource from one
// model configuration.
func NewSource(cfg config.ModelConfig, logger *zap.Logger) (schemas.ResponseSource, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported response provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}
