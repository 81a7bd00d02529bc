package plan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

func setupPipeline(t *testing.T, maxSteps int, denied ...string) *Pipeline {
	t.Helper()
	return NewPipeline(zaptest.NewLogger(t), config.PlanConfig{
		MaxSteps:       maxSteps,
		DeniedKeywords: denied,
	})
}

func mapping(pairs ...string) map[string]interface{} {
	m := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

// --- Extraction ---

func TestExtractPrefersFencedBlock(t *testing.T) {
	p := setupPipeline(t, 10)

	raw := "Here is your plan:\n```json\n{\"steps\": [{\"action\": \"navigate\", \"params\": {\"url\": \"https://example.com\"}}]}\n```\nNote: {not a plan}"
	draft := p.Extract(raw)

	require.NotNil(t, draft)
	require.Len(t, draft.Steps, 1)
	assert.Equal(t, "navigate", draft.Steps[0].Action)
}

func TestExtractFallsBackToBraceScan(t *testing.T) {
	p := setupPipeline(t, 10)

	raw := `Sure! {"steps": [{"action": "refresh", "params": {}}]} Let me know how it goes.`
	draft := p.Extract(raw)

	require.NotNil(t, draft)
	require.Len(t, draft.Steps, 1)
	assert.Equal(t, "refresh", draft.Steps[0].Action)
}

func TestExtractSkipsUndecodableFence(t *testing.T) {
	p := setupPipeline(t, 10)

	// The fenced block is not JSON; the bare object after it is.
	raw := "```\nnot json at all\n```\n{\"steps\": [{\"action\": \"back\", \"params\": {}}]}"
	draft := p.Extract(raw)

	require.NotNil(t, draft)
	require.Len(t, draft.Steps, 1)
	assert.Equal(t, "back", draft.Steps[0].Action)
}

func TestExtractTriesEveryFencedBlock(t *testing.T) {
	p := setupPipeline(t, 10)

	raw := "```json\n[1, 2, 3]\n```\nand then\n```json\n{\"actions\": [{\"action\": \"close\", \"params\": {}}]}\n```"
	draft := p.Extract(raw)

	require.NotNil(t, draft)
	require.Len(t, draft.Actions, 1)
	assert.Equal(t, "close", draft.Actions[0].Action)
}

func TestExtractReturnsNilWithoutJSON(t *testing.T) {
	p := setupPipeline(t, 10)

	assert.Nil(t, p.Extract("I could not produce a plan for that request."))
	assert.Nil(t, p.Extract(""))
	assert.Nil(t, p.Extract("``` ```"))
	assert.Nil(t, p.Extract("unbalanced } then {"))
}

// --- Validation ---

func TestValidateAcceptsStepsOrActionsKey(t *testing.T) {
	p := setupPipeline(t, 10)
	step := DraftStep{Action: "click", Params: map[string]interface{}{"selector": "#go"}}

	for _, key := range []string{"steps", "actions"} {
		t.Run(key, func(t *testing.T) {
			draft := &Draft{}
			if key == "steps" {
				draft.Steps = []DraftStep{step}
			} else {
				draft.Actions = []DraftStep{step}
			}

			result := p.Validate(draft)
			require.True(t, result.Valid, "errors: %v", result.Errors)
			require.NotNil(t, result.Plan)
			require.Len(t, result.Plan.Steps, 1)
			assert.Equal(t, schemas.ActionClick, result.Plan.Steps[0].Action)
			assert.Equal(t, schemas.SafetyPending, result.Plan.Steps[0].SafetyCheck)
		})
	}
}

func TestValidatePrefersStepsWhenBothPresent(t *testing.T) {
	p := setupPipeline(t, 10)
	draft := &Draft{
		Steps:   []DraftStep{{Action: "refresh", Params: map[string]interface{}{}}},
		Actions: []DraftStep{{Action: "close", Params: map[string]interface{}{}}},
	}

	result := p.Validate(draft)
	require.True(t, result.Valid)
	require.Len(t, result.Plan.Steps, 1)
	assert.Equal(t, schemas.ActionRefresh, result.Plan.Steps[0].Action)
}

func TestValidateSynthesizesTransactionID(t *testing.T) {
	original := uuidNewString
	uuidNewString = func() string { return "txn-synthesized" }
	defer func() { uuidNewString = original }()

	p := setupPipeline(t, 10)
	result := p.Validate(&Draft{
		Steps: []DraftStep{{Action: "refresh", Params: map[string]interface{}{}}},
	})

	require.True(t, result.Valid)
	assert.Equal(t, "txn-synthesized", result.Plan.TransactionID)
}

func TestValidateKeepsSuppliedTransactionID(t *testing.T) {
	p := setupPipeline(t, 10)
	result := p.Validate(&Draft{
		TransactionID: "txn-from-controller",
		Steps:         []DraftStep{{Action: "refresh", Params: map[string]interface{}{}}},
	})

	require.True(t, result.Valid)
	assert.Equal(t, "txn-from-controller", result.Plan.TransactionID)
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	p := setupPipeline(t, 10)

	result := p.Validate(&Draft{})
	assert.False(t, result.Valid)
	assert.Nil(t, result.Plan)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no steps")
}

func TestValidateRejectsOversizedPlan(t *testing.T) {
	p := setupPipeline(t, 10)

	steps := make([]DraftStep, 11)
	for i := range steps {
		steps[i] = DraftStep{Action: "refresh", Params: map[string]interface{}{}}
	}

	result := p.Validate(&Draft{Steps: steps})
	assert.False(t, result.Valid)
	assert.Nil(t, result.Plan)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "limit is 10")
}

func TestValidateRejectsNilDraft(t *testing.T) {
	p := setupPipeline(t, 10)

	result := p.Validate(nil)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
}

func TestValidateCollectsEveryStepError(t *testing.T) {
	p := setupPipeline(t, 10)

	result := p.Validate(&Draft{Steps: []DraftStep{
		{Action: "", Params: map[string]interface{}{}},             // missing action
		{Action: "teleport", Params: map[string]interface{}{}},     // unknown action
		{Action: "click"},                                          // missing params
		{Action: "type", Params: "not an object"},                  // params wrong type
		{Action: "refresh", Params: map[string]interface{}{}},      // fine
	}})

	assert.False(t, result.Valid)
	assert.Nil(t, result.Plan)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "step 0: missing action")
	assert.Contains(t, result.Errors[1], `step 1: unknown action "teleport"`)
	assert.Contains(t, result.Errors[2], "step 2: missing params")
	assert.Contains(t, result.Errors[3], "step 3: params is not an object")
}

func TestValidateAcceptsEveryKnownAction(t *testing.T) {
	p := setupPipeline(t, 20)

	known := []schemas.ActionType{
		schemas.ActionOpen, schemas.ActionNavigate, schemas.ActionClick,
		schemas.ActionTypeText, schemas.ActionKeyPress, schemas.ActionWait,
		schemas.ActionScroll, schemas.ActionSelect, schemas.ActionBack,
		schemas.ActionForward, schemas.ActionRefresh, schemas.ActionClose,
		schemas.ActionRespond, schemas.ActionNotify,
	}
	steps := make([]DraftStep, len(known))
	for i, a := range known {
		steps[i] = DraftStep{Action: string(a), Params: map[string]interface{}{}}
	}

	result := p.Validate(&Draft{Steps: steps})
	require.True(t, result.Valid, "errors: %v", result.Errors)
	assert.Len(t, result.Plan.Steps, len(known))
}

// --- Partitioning ---

func TestPartitionSplitsDelegatedSteps(t *testing.T) {
	pl := &schemas.Plan{TransactionID: "txn-1", Steps: []schemas.Step{
		{Action: schemas.ActionNavigate, Params: mapping("url", "https://example.com")},
		{Action: schemas.ActionRespond, Params: mapping("text", "on it")},
		{Action: schemas.ActionClick, Params: mapping("selector", "#submit")},
		{Action: schemas.ActionNotify, Params: mapping("title", "done")},
	}}

	local, delegated := Partition(pl)
	require.Len(t, local, 2)
	require.Len(t, delegated, 2)
	assert.Equal(t, schemas.ActionNavigate, local[0].Action)
	assert.Equal(t, schemas.ActionClick, local[1].Action)
	assert.Equal(t, schemas.ActionRespond, delegated[0].Action)
	assert.Equal(t, schemas.ActionNotify, delegated[1].Action)
}

func TestPartitionAllLocal(t *testing.T) {
	pl := &schemas.Plan{Steps: []schemas.Step{
		{Action: schemas.ActionRefresh, Params: mapping()},
	}}

	local, delegated := Partition(pl)
	assert.Len(t, local, 1)
	assert.Empty(t, delegated)
}

// --- End-to-end shape ---

func TestExtractThenValidateRoundTrip(t *testing.T) {
	p := setupPipeline(t, 10)

	raw := fmt.Sprintf("```json\n%s\n```", `{
        "transaction_id": "txn-9",
        "steps": [
            {"action": "open", "params": {"url": "https://news.example.com"}},
            {"action": "scroll", "params": {"direction": "down"}}
        ]
    }`)

	draft := p.Extract(raw)
	require.NotNil(t, draft)

	result := p.Validate(draft)
	require.True(t, result.Valid, "errors: %v", result.Errors)
	assert.Equal(t, "txn-9", result.Plan.TransactionID)
	require.Len(t, result.Plan.Steps, 2)
	assert.Equal(t, "https://news.example.com", result.Plan.Steps[0].Params["url"])
}
