package schemas

import (
	"context"
	"errors"
	"time"
)

// ErrSurfaceGone is returned by an action runner when the interactive surface
// it drives no longer exists (tab closed, browser exited). Unlike ordinary
// step errors it is not isolated: the executor aborts the run, since no
// later step can succeed without a surface.
var ErrSurfaceGone = errors.New("interactive surface is gone")

// -- Action Runner --

// ActionRunner performs one plan step against the current interactive
// surface. The contract is message-passing: a serializable step in, an
// outcome out, no shared state with the caller. Implementations own all
// action semantics; the executor dispatches and never inspects the surface.
type ActionRunner interface {
	// Perform executes the step and returns its outcome. A non-nil error
	// marks the step failed; the executor logs it and continues.
	Perform(ctx context.Context, step Step) (StepOutcome, error)
}

// -- Response Source --

// GenerationOptions tunes a single generation call.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, asks the model for a pure-JSON reply.
	MaxTokens       int     `json:"max_tokens"`        // Output token budget; 0 uses the source default.
}

// GenerationRequest is a complete prompt for a response source. Target names
// a configured source; an empty target selects the configured default.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Target       string            `json:"target"`
	Options      GenerationOptions `json:"options"`
}

// ResponseSource turns a prompt into raw response text. The plan pipeline
// consumes only the text, never how it was obtained.
type ResponseSource interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases any resources held by the source.
	Close() error
}

// -- Settings / Log Store --

// LogEntry is one retained line of the bounded agent log.
type LogEntry struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// SettingsStore is the agent's local persistence: plain key-value settings
// with last-write-wins semantics and a bounded log list that evicts its
// oldest entries beyond capacity.
type SettingsStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	AppendLog(line string) error
	// RecentLogs returns up to limit entries, newest first.
	RecentLogs(limit int) ([]LogEntry, error)
	Close() error
}

// -- Execution History --

// ResultArchive persists terminal execution results for later inspection.
// Optional: a nil archive disables history without changing behavior.
type ResultArchive interface {
	Record(ctx context.Context, result ExecutionResult) error
	ByTransaction(ctx context.Context, transactionID string) ([]ExecutionResult, error)
}
