package schemas

import (
	"encoding/json"
	"time"
)

// MessageKind discriminates the JSON messages exchanged with the controller.
type MessageKind string

// Inbound kinds (controller to agent).
const (
	KindConnected    MessageKind = "connected"     // Connection acknowledgment.
	KindHeartbeatAck MessageKind = "heartbeat_ack" // Reply to an agent heartbeat.
	KindExecute      MessageKind = "execute"       // Execute-request: prompt plus optional transaction id.
	KindSetRules     MessageKind = "set_rules"     // Wholesale trigger-rule registration.
	KindKill         MessageKind = "kill"          // Set the sticky kill switch.
	KindResetKill    MessageKind = "reset_kill"    // Clear the kill switch.
)

// Outbound kinds (agent to controller).
const (
	KindHeartbeat     MessageKind = "heartbeat"      // Periodic liveness ping.
	KindStatus        MessageKind = "status"         // Pipeline/executor state change.
	KindRuleTriggered MessageKind = "rule_triggered" // A trigger rule fired on an observation.
	KindDelegate      MessageKind = "delegate"       // Batch of non-local steps for the controller.
	KindLog           MessageKind = "log"            // Raw log line relay.
)

// Envelope is the wire frame for every controller-link message. Payload holds
// the kind-specific body and is left untouched until the kind is known.
type Envelope struct {
	Kind    MessageKind     `json:"kind"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecuteRequest asks the agent to plan and run a task. TransactionID is
// optional; the agent synthesizes one when absent.
type ExecuteRequest struct {
	Prompt        string `json:"prompt"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// RuleSet carries a full replacement rule set.
type RuleSet struct {
	Rules []Rule `json:"rules"`
}

// StatusState enumerates the reported pipeline/executor states.
type StatusState string

const (
	StatePlanning  StatusState = "planning"  // Prompt accepted, generating a plan.
	StateExecuting StatusState = "executing" // Plan accepted, run started.
	StateStep      StatusState = "step"      // Step progress: a step began, or failed in isolation.
	StateBlocked   StatusState = "blocked"   // Safety screen rejected the whole plan.
	StateError     StatusState = "error"     // Validation or fatal pipeline failure; transaction abandoned.
	StateKilled    StatusState = "killed"    // Run halted by the kill switch.
	StateCompleted StatusState = "completed" // Run finished normally.
)

// StatusUpdate is the body of a status message. Only the fields relevant to
// the reported state are populated.
type StatusUpdate struct {
	State         StatusState `json:"state"`
	TransactionID string      `json:"transaction_id,omitempty"`
	// Step progress (state == step).
	StepIndex int        `json:"step_index,omitempty"`
	Action    ActionType `json:"action,omitempty"`
	StepError string     `json:"step_error,omitempty"`
	// Structured failure detail (state == error | blocked).
	Errors     []string `json:"errors,omitempty"`
	Violations []string `json:"violations,omitempty"`
	// Terminal counters (state == completed | killed).
	StepsAttempted int `json:"steps_attempted,omitempty"`
	TotalSteps     int `json:"total_steps,omitempty"`
}

// RuleTriggered reports one rule firing against one observation.
type RuleTriggered struct {
	RuleID      string      `json:"rule_id"`
	Observation Observation `json:"observation"`
}

// DelegateBatch forwards the non-local steps of a validated plan to the
// controller for execution on its side.
type DelegateBatch struct {
	TransactionID string `json:"transaction_id"`
	Steps         []Step `json:"steps"`
}

// LogLine relays one log record to the controller.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
