// Package plan turns raw generated text into a validated, safety-screened,
// executable plan. The pipeline gatekeeps untrusted model output: extraction
// tolerates prose and markdown around the JSON, validation reports every
// schema problem at once, and the safety screen blocks destructive intent
// before anything reaches the executor.
package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// DefaultMaxSteps bounds a plan when the configuration does not.
const DefaultMaxSteps = 10

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// Pipeline holds the validation bounds and the safety denylist.
type Pipeline struct {
	logger   *zap.Logger
	maxSteps int
	denied   []string
}

// NewPipeline creates a pipeline from the plan section of the configuration.
func NewPipeline(logger *zap.Logger, cfg config.PlanConfig) *Pipeline {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Pipeline{
		logger:   logger.Named("plan"),
		maxSteps: maxSteps,
		denied:   cfg.DeniedKeywords,
	}
}

// Draft is the decoded but still untrusted shape of a generated plan. The
// steps and actions keys are accepted as equivalents on the wire; params
// stays loosely typed so validation can report a precise per-step error
// instead of failing the whole decode.
type Draft struct {
	TransactionID string      `json:"transaction_id"`
	Steps         []DraftStep `json:"steps"`
	Actions       []DraftStep `json:"actions"`
}

// DraftStep is one undecoded plan entry.
type DraftStep struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
}

// Extract locates and decodes a JSON plan object in raw model output.
// Fenced code blocks are tried first, in order of appearance; when none of
// them decodes, a bare scan from the first "{" to the last "}" is attempted.
// Returns nil when no candidate decodes.
func (p *Pipeline) Extract(raw string) *Draft {
	raw = strings.TrimSpace(raw)

	var candidates []string
	for _, match := range jsonBlockRegex.FindAllStringSubmatch(raw, -1) {
		if len(match) > 1 {
			candidates = append(candidates, strings.TrimSpace(match[1]))
		}
	}
	firstBracket := strings.Index(raw, "{")
	lastBracket := strings.LastIndex(raw, "}")
	if firstBracket != -1 && lastBracket > firstBracket {
		candidates = append(candidates, raw[firstBracket:lastBracket+1])
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		var draft Draft
		if err := json.Unmarshal([]byte(candidate), &draft); err != nil {
			p.logger.Debug("Plan candidate did not decode", zap.Error(err))
			continue
		}
		return &draft
	}

	p.logger.Warn("No JSON plan found in generated text", zap.Int("text_length", len(raw)))
	return nil
}

// ValidationResult is the full outcome of schema validation. Errors holds
// every problem found, not just the first; Plan is set only when Valid.
type ValidationResult struct {
	Valid  bool
	Errors []string
	Plan   *schemas.Plan
}

// Validate checks the draft against the plan schema and assembles the
// executable form. A transaction id is synthesized when the draft carries
// none. Every step is checked before failing so the controller sees the
// complete error list in one message.
func (p *Pipeline) Validate(draft *Draft) ValidationResult {
	if draft == nil {
		return ValidationResult{Errors: []string{"no plan to validate"}}
	}

	steps := draft.Steps
	if len(steps) == 0 {
		steps = draft.Actions
	}

	var errs []string
	if len(steps) == 0 {
		errs = append(errs, "plan contains no steps")
	}
	if len(steps) > p.maxSteps {
		errs = append(errs, fmt.Sprintf("plan has %d steps, limit is %d", len(steps), p.maxSteps))
	}

	assembled := make([]schemas.Step, 0, len(steps))
	for i, step := range steps {
		action := schemas.ActionType(step.Action)
		switch {
		case step.Action == "":
			errs = append(errs, fmt.Sprintf("step %d: missing action", i))
		case !action.IsKnown():
			errs = append(errs, fmt.Sprintf("step %d: unknown action %q", i, step.Action))
		}

		params, isMapping := step.Params.(map[string]interface{})
		switch {
		case step.Params == nil:
			errs = append(errs, fmt.Sprintf("step %d: missing params", i))
		case !isMapping:
			errs = append(errs, fmt.Sprintf("step %d: params is not an object", i))
		}

		assembled = append(assembled, schemas.Step{
			Action:      action,
			Params:      params,
			SafetyCheck: schemas.SafetyPending,
		})
	}

	if len(errs) > 0 {
		p.logger.Warn("Plan failed validation",
			zap.Int("steps", len(steps)),
			zap.Strings("errors", errs))
		return ValidationResult{Errors: errs}
	}

	transactionID := draft.TransactionID
	if transactionID == "" {
		transactionID = uuidNewString()
	}
	return ValidationResult{
		Valid: true,
		Plan:  &schemas.Plan{TransactionID: transactionID, Steps: assembled},
	}
}
