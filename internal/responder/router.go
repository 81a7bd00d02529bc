package responder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// Router implements schemas.ResponseSource and routes each request to the
// named source, falling back to the configured default target.
type Router struct {
	logger        *zap.Logger
	defaultTarget string
	sources       map[string]schemas.ResponseSource
}

var _ schemas.ResponseSource = (*Router)(nil)

// NewRouter creates a router over the given named sources.
func NewRouter(logger *zap.Logger, defaultTarget string, sources map[string]schemas.ResponseSource) (*Router, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one response source must be provided")
	}
	if _, ok := sources[defaultTarget]; !ok {
		return nil, fmt.Errorf("default target %q has no configured source", defaultTarget)
	}

	return &Router{
		logger:        logger.Named("responder.router"),
		defaultTarget: defaultTarget,
		sources:       sources,
	}, nil
}

// FromConfig builds every configured source and wraps them in a router.
func FromConfig(logger *zap.Logger, cfg config.SourceConfig) (*Router, error) {
	sources := make(map[string]schemas.ResponseSource, len(cfg.Sources))
	for name, modelCfg := range cfg.Sources {
		source, err := NewSource(modelCfg, logger)
		if err != nil {
			closeSources(logger, sources)
			return nil, fmt.Errorf("failed to build source %q: %w", name, err)
		}
		sources[name] = source
	}

	router, err := NewRouter(logger, cfg.Target, sources)
	if err != nil {
		closeSources(logger, sources)
		return nil, err
	}
	return router, nil
}

// Generate selects the source named by the request's Target.
func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	target := req.Target
	if target == "" {
		target = r.defaultTarget
	}

	source, ok := r.sources[target]
	if !ok {
		return "", fmt.Errorf("no response source configured for target: %s", target)
	}

	r.logger.Debug("Routing generation request", zap.String("target", target))
	return source.Generate(ctx, req)
}

// Close releases every source.
func (r *Router) Close() error {
	var errs []error
	for name, source := range r.sources {
		if err := source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close source %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func closeSources(logger *zap.Logger, sources map[string]schemas.ResponseSource) {
	for name, source := range sources {
		if err := source.Close(); err != nil {
			logger.Warn("Failed to close response source", zap.String("source", name), zap.Error(err))
		}
	}
}
