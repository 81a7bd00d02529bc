package plan

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
)

// SafetyResult is the outcome of the denylist screen. The plan comes back
// with every step annotated regardless of the verdict.
type SafetyResult struct {
	Safe       bool
	Violations []string
	Plan       *schemas.Plan
}

// ApplySafety serializes each step's params and scans the result for
// denylisted keywords with a case-insensitive substring test. A hit blocks
// the step and one blocked step blocks the whole plan. The match is
// deliberately blunt: an incidental substring inside a URL blocks execution
// the same way a literal instruction would.
func (p *Pipeline) ApplySafety(pl *schemas.Plan) SafetyResult {
	result := SafetyResult{Plan: pl}

	for i := range pl.Steps {
		step := &pl.Steps[i]

		serialized, err := json.Marshal(step.Params)
		if err != nil {
			step.SafetyCheck = schemas.SafetyBlocked
			result.Violations = append(result.Violations,
				fmt.Sprintf("step %d (%s): params could not be serialized for screening", i, step.Action))
			continue
		}
		haystack := strings.ToLower(string(serialized))

		step.SafetyCheck = schemas.SafetyPassed
		for _, keyword := range p.denied {
			if strings.Contains(haystack, strings.ToLower(keyword)) {
				step.SafetyCheck = schemas.SafetyBlocked
				result.Violations = append(result.Violations,
					fmt.Sprintf("step %d (%s): params contain denied keyword %q", i, step.Action, keyword))
				break
			}
		}
	}

	result.Safe = len(result.Violations) == 0
	if !result.Safe {
		p.logger.Warn("Plan blocked by safety screen",
			zap.String("transaction_id", pl.TransactionID),
			zap.Strings("violations", result.Violations))
	}
	return result
}

// Partition splits a screened plan into locally executable steps and steps
// delegated to the controller, preserving order within each group.
func Partition(pl *schemas.Plan) (local, delegated []schemas.Step) {
	for _, step := range pl.Steps {
		if step.Action.IsLocal() {
			local = append(local, step)
		} else {
			delegated = append(delegated, step)
		}
	}
	return local, delegated
}
