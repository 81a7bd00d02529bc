package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// fakeRunner performs steps by recording them. Individual steps can be made
// to fail or panic, and a hook runs on every call for kill-mid-run tests.
type fakeRunner struct {
	mu        sync.Mutex
	performed []schemas.ActionType
	fail      map[int]error
	panicAt   int
	onPerform func(index int)
	block     chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: make(map[int]error), panicAt: -1}
}

func (r *fakeRunner) Perform(ctx context.Context, step schemas.Step) (schemas.StepOutcome, error) {
	r.mu.Lock()
	index := len(r.performed)
	r.performed = append(r.performed, step.Action)
	r.mu.Unlock()

	if r.block != nil {
		<-r.block
	}
	if r.onPerform != nil {
		r.onPerform(index)
	}
	if index == r.panicAt {
		panic("runner exploded")
	}
	if err, ok := r.fail[index]; ok {
		return schemas.StepOutcome{}, err
	}
	return schemas.StepOutcome{}, nil
}

func (r *fakeRunner) performedActions() []schemas.ActionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.ActionType, len(r.performed))
	copy(out, r.performed)
	return out
}

// recordingReporter captures progress callbacks for assertions.
type recordingReporter struct {
	mu       sync.Mutex
	started  []int
	failures []schemas.StepFailure
}

func (r *recordingReporter) StepStarted(_ string, index, _ int, _ schemas.ActionType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, index)
}

func (r *recordingReporter) StepFailed(_ string, failure schemas.StepFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure)
}

// setupExecutor returns an executor whose settle hook records the requested
// delays instead of sleeping.
func setupExecutor(t *testing.T, reporter Reporter) (*Executor, *[]time.Duration) {
	t.Helper()
	e := New(zaptest.NewLogger(t), config.ExecutorConfig{SettleCap: time.Second}, reporter)
	settled := &[]time.Duration{}
	e.settle = func(_ context.Context, d time.Duration) error {
		*settled = append(*settled, d)
		return nil
	}
	return e, settled
}

func steps(actions ...schemas.ActionType) []schemas.Step {
	out := make([]schemas.Step, len(actions))
	for i, a := range actions {
		out[i] = schemas.Step{Action: a, Params: map[string]interface{}{}}
	}
	return out
}

func TestRunCompletesAllSteps(t *testing.T) {
	reporter := &recordingReporter{}
	e, _ := setupExecutor(t, reporter)
	runner := newFakeRunner()

	result, err := e.Run(context.Background(), "txn-1",
		steps(schemas.ActionNavigate, schemas.ActionClick, schemas.ActionTypeText), runner)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionCompleted, result.Status)
	assert.Equal(t, 3, result.StepsAttempted)
	assert.Equal(t, 3, result.TotalSteps)
	assert.Empty(t, result.Failures)
	assert.Equal(t, []schemas.ActionType{
		schemas.ActionNavigate, schemas.ActionClick, schemas.ActionTypeText,
	}, runner.performedActions())
	assert.Equal(t, []int{0, 1, 2}, reporter.started)

	_, active := e.Active()
	assert.False(t, active, "active record should be cleared after the run")
}

func TestRunContinuesAfterStepFailure(t *testing.T) {
	reporter := &recordingReporter{}
	e, _ := setupExecutor(t, reporter)
	runner := newFakeRunner()
	runner.fail[1] = errors.New("element not found")

	result, err := e.Run(context.Background(), "txn-2",
		steps(schemas.ActionNavigate, schemas.ActionClick, schemas.ActionScroll), runner)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionCompleted, result.Status)
	assert.Equal(t, 3, result.StepsAttempted)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 1, result.Failures[0].Index)
	assert.Equal(t, schemas.ActionClick, result.Failures[0].Action)
	assert.Contains(t, result.Failures[0].Reason, "element not found")

	// The reporter saw the failure and the run still reached step 2.
	require.Len(t, reporter.failures, 1)
	assert.Len(t, runner.performedActions(), 3)
}

func TestRunAbortsWhenSurfaceGone(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	runner := newFakeRunner()
	runner.fail[1] = fmt.Errorf("tab crashed: %w", schemas.ErrSurfaceGone)

	result, err := e.Run(context.Background(), "txn-3",
		steps(schemas.ActionNavigate, schemas.ActionClick, schemas.ActionScroll), runner)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionAborted, result.Status)
	assert.Equal(t, 2, result.StepsAttempted)
	require.Len(t, result.Failures, 1)
	assert.Len(t, runner.performedActions(), 2, "no step after the surface loss")
}

func TestKillBeforeRunIsSticky(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	runner := newFakeRunner()

	e.Kill()
	result, err := e.Run(context.Background(), "txn-4", steps(schemas.ActionRefresh), runner)
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionKilled, result.Status)
	assert.Equal(t, 0, result.StepsAttempted)
	assert.Empty(t, runner.performedActions())

	// Still engaged for the next run.
	result, err = e.Run(context.Background(), "txn-5", steps(schemas.ActionRefresh), runner)
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionKilled, result.Status)

	e.ResetKill()
	result, err = e.Run(context.Background(), "txn-6", steps(schemas.ActionRefresh), runner)
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionCompleted, result.Status)
	assert.Len(t, runner.performedActions(), 1)
}

func TestKillTakesEffectAtStepBoundary(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	runner := newFakeRunner()
	runner.onPerform = func(index int) {
		if index == 0 {
			e.Kill()
		}
	}

	result, err := e.Run(context.Background(), "txn-7",
		steps(schemas.ActionNavigate, schemas.ActionClick, schemas.ActionScroll), runner)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionKilled, result.Status)
	assert.Equal(t, 1, result.StepsAttempted, "step 0 finishes, step 1 never starts")
	assert.Len(t, runner.performedActions(), 1)
	assert.True(t, e.Killed())
}

func TestRunRejectsConcurrentExecution(t *testing.T) {
	e, _ := setupExecutor(t, nil)

	blocked := newFakeRunner()
	blocked.block = make(chan struct{})

	done := make(chan schemas.ExecutionResult, 1)
	go func() {
		result, _ := e.Run(context.Background(), "txn-first", steps(schemas.ActionWait), blocked)
		done <- result
	}()

	// Wait until the first run is inside Perform.
	require.Eventually(t, func() bool {
		_, active := e.Active()
		return active
	}, time.Second, 5*time.Millisecond)

	_, err := e.Run(context.Background(), "txn-second", steps(schemas.ActionWait), newFakeRunner())
	require.ErrorIs(t, err, ErrRunActive)

	close(blocked.block)
	result := <-done
	assert.Equal(t, schemas.ExecutionCompleted, result.Status)

	// With the first run finished the executor accepts work again.
	_, err = e.Run(context.Background(), "txn-third", steps(schemas.ActionWait), newFakeRunner())
	require.NoError(t, err)
}

func TestRunnerPanicIsIsolated(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	runner := newFakeRunner()
	runner.panicAt = 0

	result, err := e.Run(context.Background(), "txn-8",
		steps(schemas.ActionClick, schemas.ActionScroll), runner)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionCompleted, result.Status)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Reason, "panicked")
	assert.Len(t, runner.performedActions(), 2, "run continues past the panic")
}

func TestSettleDelaysFollowActionAndCap(t *testing.T) {
	e, settled := setupExecutor(t, nil)
	runner := newFakeRunner()

	_, err := e.Run(context.Background(), "txn-9",
		steps(schemas.ActionNavigate, schemas.ActionWait, schemas.ActionTypeText, schemas.ActionClick), runner)
	require.NoError(t, err)

	// Three settles for four steps: none after the last. The navigate delay
	// is capped at the configured 1s ceiling and wait contributes none.
	require.Len(t, *settled, 3)
	assert.Equal(t, time.Second, (*settled)[0])
	assert.Equal(t, time.Duration(0), (*settled)[1])
	assert.Equal(t, 250*time.Millisecond, (*settled)[2])
}

func TestRunHonorsCanceledContext(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	runner := newFakeRunner()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Run(ctx, "txn-10", steps(schemas.ActionRefresh), runner)
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionKilled, result.Status)
	assert.Equal(t, 0, result.StepsAttempted)
	assert.Empty(t, runner.performedActions())
}

func TestRunEmptySteps(t *testing.T) {
	e, _ := setupExecutor(t, nil)

	result, err := e.Run(context.Background(), "txn-11", nil, newFakeRunner())
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecutionCompleted, result.Status)
	assert.Equal(t, 0, result.StepsAttempted)
	assert.Equal(t, 0, result.TotalSteps)
}
