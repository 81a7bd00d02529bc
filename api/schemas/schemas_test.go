package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Verifies the action vocabulary partitions cleanly: every local action is
// known, every delegated action is known but not local, and arbitrary
// strings are neither.
func TestActionTypeSets(t *testing.T) {
	locals := []ActionType{
		ActionOpen, ActionNavigate, ActionClick, ActionTypeText, ActionKeyPress,
		ActionWait, ActionScroll, ActionSelect, ActionBack, ActionForward,
		ActionRefresh, ActionClose,
	}
	for _, a := range locals {
		assert.True(t, a.IsLocal(), "expected %q to be local", a)
		assert.True(t, a.IsKnown(), "expected %q to be known", a)
	}

	delegated := []ActionType{ActionRespond, ActionNotify}
	for _, a := range delegated {
		assert.False(t, a.IsLocal(), "expected %q to not be local", a)
		assert.True(t, a.IsKnown(), "expected %q to be known", a)
	}

	for _, a := range []ActionType{"", "purchase", "NAVIGATE", "click "} {
		assert.False(t, a.IsKnown(), "expected %q to be unknown", a)
		assert.False(t, a.IsLocal())
	}
}

// The envelope must keep its payload opaque so dispatch can defer decoding
// until the kind is known.
func TestEnvelopePayloadStaysRaw(t *testing.T) {
	raw := []byte(`{"kind":"execute","sent_at":"2025-01-02T03:04:05Z","payload":{"prompt":"find the docs","transaction_id":"tx-1"}}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, KindExecute, env.Kind)

	var req ExecuteRequest
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	assert.Equal(t, "find the docs", req.Prompt)
	assert.Equal(t, "tx-1", req.TransactionID)
}

// Status updates are sparse; fields irrelevant to the state must not appear
// on the wire.
func TestStatusUpdateOmitsEmptyFields(t *testing.T) {
	body, err := json.Marshal(StatusUpdate{State: StatePlanning, TransactionID: "tx-2"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "planning", m["state"])
	assert.NotContains(t, m, "errors")
	assert.NotContains(t, m, "violations")
	assert.NotContains(t, m, "step_index")
	assert.NotContains(t, m, "steps_attempted")
}
