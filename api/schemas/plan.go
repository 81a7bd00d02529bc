package schemas

// ActionType identifies one kind of plan step. Dispatch on an action is a
// closed enum: unknown values are rejected during validation and surface as
// an explicit error if they ever reach a runner.
type ActionType string

// Local actions are interpreted by the step executor against the live page.
const (
	ActionOpen     ActionType = "open"     // Open a URL in a fresh surface.
	ActionNavigate ActionType = "navigate" // Navigate the current surface to a URL.
	ActionClick    ActionType = "click"    // Click the element matching a selector.
	ActionTypeText ActionType = "type"     // Type text into the element matching a selector.
	ActionKeyPress ActionType = "press"    // Press a single key (e.g. "Enter").
	ActionWait     ActionType = "wait"     // Pause for a bounded duration.
	ActionScroll   ActionType = "scroll"   // Scroll the page up or down.
	ActionSelect   ActionType = "select"   // Set the value of a select element.
	ActionBack     ActionType = "back"     // History back.
	ActionForward  ActionType = "forward"  // History forward.
	ActionRefresh  ActionType = "refresh"  // Reload the current page.
	ActionClose    ActionType = "close"    // Close the surface.
)

// Delegated actions are valid plan steps but are not executed locally; they
// are batched and forwarded to the controller.
const (
	ActionRespond ActionType = "respond" // Reply to the user through the controller.
	ActionNotify  ActionType = "notify"  // Raise a user notification through the controller.
)

var localActions = map[ActionType]struct{}{
	ActionOpen: {}, ActionNavigate: {}, ActionClick: {}, ActionTypeText: {},
	ActionKeyPress: {}, ActionWait: {}, ActionScroll: {}, ActionSelect: {},
	ActionBack: {}, ActionForward: {}, ActionRefresh: {}, ActionClose: {},
}

var delegatedActions = map[ActionType]struct{}{
	ActionRespond: {}, ActionNotify: {},
}

// IsLocal reports whether the action belongs to the local executor set.
func (t ActionType) IsLocal() bool {
	_, ok := localActions[t]
	return ok
}

// IsKnown reports whether the action belongs to the allowed vocabulary
// (local or delegated).
func (t ActionType) IsKnown() bool {
	if _, ok := localActions[t]; ok {
		return true
	}
	_, ok := delegatedActions[t]
	return ok
}

// SafetyStatus records the outcome of the denylist screen for one step.
type SafetyStatus string

const (
	SafetyPending SafetyStatus = "pending" // Not screened yet.
	SafetyPassed  SafetyStatus = "passed"  // No denylisted keyword found.
	SafetyBlocked SafetyStatus = "blocked" // A denylisted keyword matched the serialized params.
)

// Step is one declarative unit of a plan. Params is a free-form mapping whose
// meaning is owned entirely by the action runner; the orchestration core only
// serializes it for the safety screen.
type Step struct {
	Action      ActionType             `json:"action"`
	Params      map[string]interface{} `json:"params"`
	SafetyCheck SafetyStatus           `json:"safety_check,omitempty"`
}

// Plan is an ordered, bounded sequence of steps derived from a single
// execute request.
type Plan struct {
	TransactionID string `json:"transaction_id"`
	Steps         []Step `json:"steps"`
}

// ExecutionStatus is the terminal state of one executor run.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed" // All steps attempted.
	ExecutionKilled    ExecutionStatus = "killed"    // Halted by the kill switch at a step boundary.
	ExecutionAborted   ExecutionStatus = "aborted"   // Halted because the surface was lost mid-run.
)

// StepFailure describes one isolated step error. Failures never stop the run;
// they are collected and reported alongside the terminal result.
type StepFailure struct {
	Index  int        `json:"index"`
	Action ActionType `json:"action"`
	Reason string     `json:"reason"`
}

// ExecutionResult is the terminal report of a run.
type ExecutionResult struct {
	TransactionID  string          `json:"transaction_id"`
	Status         ExecutionStatus `json:"status"`
	StepsAttempted int             `json:"steps_attempted"`
	TotalSteps     int             `json:"total_steps"`
	Failures       []StepFailure   `json:"failures,omitempty"`
}

// StepOutcome is the runner's report for one performed step. PageURL carries
// the updated surface handle when the step changed it (navigation, history);
// it is empty when the surface location is unchanged.
type StepOutcome struct {
	PageURL string `json:"page_url,omitempty"`
}
