// Package executor runs a validated plan against an action runner. The
// executor owns the control policy only: step ordering, per-step failure
// isolation, the sticky kill switch honored at step boundaries, and the
// bounded settle delay between steps. What an action means is entirely the
// runner's business.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// ErrRunActive is returned when Run is entered while another execution is
// still in flight. At most one execution exists at a time.
var ErrRunActive = errors.New("an execution is already active")

// DefaultSettleCap bounds the per-step settle delay when the configuration
// does not.
const DefaultSettleCap = 5 * time.Second

// settleDelays gives each action time for its asynchronous side effects to
// land before the next step reads page state. Values are capped by the
// configured ceiling; actions not listed settle for the default.
var settleDelays = map[schemas.ActionType]time.Duration{
	schemas.ActionOpen:     1500 * time.Millisecond,
	schemas.ActionNavigate: 1500 * time.Millisecond,
	schemas.ActionRefresh:  1500 * time.Millisecond,
	schemas.ActionBack:     time.Second,
	schemas.ActionForward:  time.Second,
	schemas.ActionClick:    600 * time.Millisecond,
	schemas.ActionScroll:   400 * time.Millisecond,
	schemas.ActionSelect:   400 * time.Millisecond,
	schemas.ActionTypeText: 250 * time.Millisecond,
	schemas.ActionKeyPress: 250 * time.Millisecond,
	schemas.ActionClose:    250 * time.Millisecond,
	schemas.ActionWait:     0, // the action itself is the delay
}

const defaultSettle = 500 * time.Millisecond

// Reporter receives progress callbacks during a run. Callbacks fire on the
// executor's goroutine, so implementations must return quickly.
type Reporter interface {
	StepStarted(transactionID string, index, total int, action schemas.ActionType)
	StepFailed(transactionID string, failure schemas.StepFailure)
}

// execution is the active-run record. Its existence is the re-entry guard.
type execution struct {
	transactionID string
	currentStep   int
	totalSteps    int
}

// Executor drives plan steps through an action runner one at a time.
type Executor struct {
	logger    *zap.Logger
	settleCap time.Duration
	reporter  Reporter

	killed atomic.Bool

	mu     sync.Mutex
	active *execution

	// settle is swapped out in tests to avoid real sleeps.
	settle func(ctx context.Context, d time.Duration) error
}

// New creates an executor. The reporter may be nil when no progress relay is
// wanted.
func New(logger *zap.Logger, cfg config.ExecutorConfig, reporter Reporter) *Executor {
	settleCap := cfg.SettleCap
	if settleCap <= 0 {
		settleCap = DefaultSettleCap
	}
	return &Executor{
		logger:    logger.Named("executor"),
		settleCap: settleCap,
		reporter:  reporter,
		settle:    waitSettle,
	}
}

// Run executes the steps in order and returns the terminal result. A step
// error is isolated and the run continues, with one exception: losing the
// interactive surface aborts the run since nothing later can succeed. The
// kill switch is consulted before every step, never mid-step, so an
// in-flight action always finishes before a kill takes effect.
//
// Run returns an error only when another execution is already active; every
// other outcome, including a killed or aborted run, is expressed in the
// result.
func (e *Executor) Run(ctx context.Context, transactionID string, steps []schemas.Step, runner schemas.ActionRunner) (schemas.ExecutionResult, error) {
	if err := e.begin(transactionID, len(steps)); err != nil {
		return schemas.ExecutionResult{}, err
	}
	defer e.clear()

	e.logger.Info("Execution started",
		zap.String("transaction_id", transactionID),
		zap.Int("total_steps", len(steps)))

	result := schemas.ExecutionResult{
		TransactionID: transactionID,
		Status:        schemas.ExecutionCompleted,
		TotalSteps:    len(steps),
	}

	for i, step := range steps {
		if e.killed.Load() || ctx.Err() != nil {
			result.Status = schemas.ExecutionKilled
			result.StepsAttempted = i
			e.logger.Warn("Execution halted at step boundary",
				zap.String("transaction_id", transactionID),
				zap.Int("steps_attempted", i))
			return result, nil
		}

		e.setCurrentStep(i)
		if e.reporter != nil {
			e.reporter.StepStarted(transactionID, i, len(steps), step.Action)
		}

		outcome, err := e.performStep(ctx, runner, step)
		result.StepsAttempted = i + 1

		if err != nil {
			failure := schemas.StepFailure{Index: i, Action: step.Action, Reason: err.Error()}
			result.Failures = append(result.Failures, failure)
			if e.reporter != nil {
				e.reporter.StepFailed(transactionID, failure)
			}

			if errors.Is(err, schemas.ErrSurfaceGone) {
				result.Status = schemas.ExecutionAborted
				e.logger.Error("Interactive surface lost, aborting run",
					zap.String("transaction_id", transactionID),
					zap.Int("step", i))
				return result, nil
			}

			e.logger.Warn("Step failed, continuing",
				zap.String("transaction_id", transactionID),
				zap.Int("step", i),
				zap.String("action", string(step.Action)),
				zap.Error(err))
		} else if outcome.PageURL != "" {
			e.logger.Debug("Surface moved",
				zap.Int("step", i),
				zap.String("page_url", outcome.PageURL))
		}

		if i < len(steps)-1 {
			if err := e.settle(ctx, e.settleDelay(step.Action)); err != nil {
				result.Status = schemas.ExecutionKilled
				e.logger.Warn("Execution canceled during settle",
					zap.String("transaction_id", transactionID),
					zap.Int("steps_attempted", result.StepsAttempted))
				return result, nil
			}
		}
	}

	e.logger.Info("Execution completed",
		zap.String("transaction_id", transactionID),
		zap.Int("total_steps", len(steps)),
		zap.Int("failed_steps", len(result.Failures)))
	return result, nil
}

// Kill sets the sticky kill switch. Any in-progress run halts at its next
// step boundary; future runs halt before their first step until ResetKill.
func (e *Executor) Kill() {
	if e.killed.CompareAndSwap(false, true) {
		e.logger.Warn("Kill switch engaged")
	}
}

// ResetKill clears the kill switch. The switch never clears on its own.
func (e *Executor) ResetKill() {
	if e.killed.CompareAndSwap(true, false) {
		e.logger.Info("Kill switch reset")
	}
}

// Killed reports the kill switch state.
func (e *Executor) Killed() bool {
	return e.killed.Load()
}

// Active returns the transaction id of the in-flight run, if any.
func (e *Executor) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", false
	}
	return e.active.transactionID, true
}

// performStep calls the runner with a panic guard so a misbehaving
// collaborator degrades into an isolated step failure.
func (e *Executor) performStep(ctx context.Context, runner schemas.ActionRunner, step schemas.Step) (outcome schemas.StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action runner panicked: %v", r)
		}
	}()
	return runner.Perform(ctx, step)
}

func (e *Executor) begin(transactionID string, totalSteps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return fmt.Errorf("%w: transaction %s", ErrRunActive, e.active.transactionID)
	}
	e.active = &execution{transactionID: transactionID, totalSteps: totalSteps}
	return nil
}

func (e *Executor) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = nil
}

func (e *Executor) setCurrentStep(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.active.currentStep = index
	}
}

func (e *Executor) settleDelay(action schemas.ActionType) time.Duration {
	d, ok := settleDelays[action]
	if !ok {
		d = defaultSettle
	}
	if d > e.settleCap {
		d = e.settleCap
	}
	return d
}

// waitSettle blocks for d or until the context ends.
func waitSettle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
