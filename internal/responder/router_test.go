package responder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// setupRouter creates a Router over two named mock sources, along with a log
// observer.
func setupRouter(t *testing.T) (*Router, *MockSource, *MockSource, *observer.ObservedLogs) {
	t.Helper()
	loggerCore, observedLogs := observer.New(zap.DebugLevel)
	logger := zap.New(loggerCore)

	planner := &MockSource{Name: "planner"}
	fallback := &MockSource{Name: "fallback"}

	router, err := NewRouter(logger, "planner", map[string]schemas.ResponseSource{
		"planner":  planner,
		"fallback": fallback,
	})
	require.NoError(t, err, "NewRouter should initialize successfully")

	return router, planner, fallback, observedLogs
}

func TestNewRouter_Failure_NoSources(t *testing.T) {
	router, err := NewRouter(setupTestLogger(t), "planner", nil)

	assert.Error(t, err)
	assert.Nil(t, router)
	assert.Contains(t, err.Error(), "at least one response source must be provided")
}

func TestNewRouter_Failure_MissingDefaultTarget(t *testing.T) {
	router, err := NewRouter(setupTestLogger(t), "planner", map[string]schemas.ResponseSource{
		"other": new(MockSource),
	})

	assert.Error(t, err)
	assert.Nil(t, router)
	assert.Contains(t, err.Error(), `default target "planner" has no configured source`)
}

func TestGenerate_RoutesToNamedTarget(t *testing.T) {
	router, planner, fallback, _ := setupRouter(t)

	req := schemas.GenerationRequest{UserPrompt: "hello", Target: "fallback"}
	fallback.On("Generate", mock.Anything, req).Return("from fallback", nil).Once()

	response, err := router.Generate(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "from fallback", response)
	fallback.AssertExpectations(t)
	planner.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGenerate_EmptyTargetUsesDefault(t *testing.T) {
	router, planner, fallback, observedLogs := setupRouter(t)

	req := schemas.GenerationRequest{UserPrompt: "hello"}
	planner.On("Generate", mock.Anything, req).Return("from planner", nil).Once()

	response, err := router.Generate(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "from planner", response)
	planner.AssertExpectations(t)
	fallback.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)

	debugLogs := observedLogs.FilterMessage("Routing generation request")
	require.Equal(t, 1, debugLogs.Len())
	assert.Equal(t, "planner", debugLogs.All()[0].ContextMap()["target"])
}

func TestGenerate_UnknownTarget(t *testing.T) {
	router, _, _, _ := setupRouter(t)

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Target: "missing"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no response source configured for target: missing")
}

func TestGenerate_PropagatesSourceError(t *testing.T) {
	router, planner, _, _ := setupRouter(t)

	sourceErr := errors.New("generation failed")
	planner.On("Generate", mock.Anything, mock.Anything).Return("", sourceErr).Once()

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{})

	assert.ErrorIs(t, err, sourceErr)
	planner.AssertExpectations(t)
}

func TestClose_ClosesEverySource(t *testing.T) {
	router, planner, fallback, _ := setupRouter(t)

	closeErr := errors.New("close failed")
	planner.On("Close").Return(nil).Once()
	fallback.On("Close").Return(closeErr).Once()

	err := router.Close()

	assert.ErrorIs(t, err, closeErr, "a source close failure should surface")
	planner.AssertExpectations(t)
	fallback.AssertExpectations(t)
}

func TestNewSource_Gemini(t *testing.T) {
	source, err := NewSource(validModelConfig(), setupTestLogger(t))

	require.NoError(t, err)
	assert.IsType(t, (*GeminiClient)(nil), source)
}

func TestNewSource_UnknownProvider(t *testing.T) {
	cfg := validModelConfig()
	cfg.Provider = "mystery"

	source, err := NewSource(cfg, setupTestLogger(t))

	assert.Error(t, err)
	assert.Nil(t, source)
	assert.Contains(t, err.Error(), "unknown or unsupported response provider")
}

func TestFromConfig_BuildsConfiguredSources(t *testing.T) {
	cfg := config.SourceConfig{
		Target: "planner",
		Sources: map[string]config.ModelConfig{
			"planner": validModelConfig(),
		},
	}

	router, err := FromConfig(setupTestLogger(t), cfg)

	require.NoError(t, err)
	require.NotNil(t, router)
	assert.Equal(t, "planner", router.defaultTarget)
	require.NoError(t, router.Close())
}

func TestFromConfig_FailsOnBrokenSource(t *testing.T) {
	missingKey := validModelConfig()
	missingKey.APIKey = ""

	cfg := config.SourceConfig{
		Target: "planner",
		Sources: map[string]config.ModelConfig{
			"planner": missingKey,
		},
	}

	router, err := FromConfig(setupTestLogger(t), cfg)

	assert.Error(t, err)
	assert.Nil(t, router)
	assert.Contains(t, err.Error(), `failed to build source "planner"`)
}
