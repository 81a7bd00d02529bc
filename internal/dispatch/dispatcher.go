// Package dispatch is the agent's control surface. One dispatch goroutine
// consumes transport events and browser observations in arrival order, routes
// inbound controller messages to the ledger, rule engine, plan pipeline, and
// step executor, and relays status, trigger, and log events back outward. The
// kill switch and the single active execution live here, behind the executor
// the dispatcher owns.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
	"github.com/Autonion/Autonion-Extension/internal/executor"
	"github.com/Autonion/Autonion-Extension/internal/ledger"
	"github.com/Autonion/Autonion-Extension/internal/plan"
	"github.com/Autonion/Autonion-Extension/internal/rules"
	"github.com/Autonion/Autonion-Extension/internal/transport"
)

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// listenerBuffer is the per-listener notice buffer. A listener that falls
// this far behind starts losing notices.
const listenerBuffer = 32

// Outbound log relay budget: sustained lines per second and burst. Statuses
// and trigger events are never throttled, only the log mirror.
const (
	logRelayPerSecond = 5
	logRelayBurst     = 10
)

// Link is the slice of the transport client the dispatcher uses.
type Link interface {
	Send(message interface{}) bool
	Events() <-chan transport.Event
}

// Notice is one fanned-out event for passive listeners. Payload is the same
// body that went (or would have gone) to the controller.
type Notice struct {
	Kind    schemas.MessageKind
	Payload interface{}
}

// Deps are the collaborators the dispatcher routes between. Archive and Store
// are optional; a nil value disables that sink.
type Deps struct {
	Link         Link
	Rules        *rules.Engine
	Pipeline     *plan.Pipeline
	Ledger       *ledger.Ledger
	Source       schemas.ResponseSource
	Runner       schemas.ActionRunner
	Archive      schemas.ResultArchive
	Store        schemas.SettingsStore
	Observations <-chan schemas.Observation
}

// Dispatcher routes inbound traffic and fans out outbound events. It creates
// and owns the step executor so progress callbacks land here.
type Dispatcher struct {
	logger *zap.Logger
	deps   Deps
	exec   *executor.Executor

	logRelay *rate.Limiter

	// busy guards the single pipeline-run goroutine. The executor has its own
	// re-entry guard, but the planning stage ahead of it must be exclusive too.
	busy atomic.Bool

	mu        sync.Mutex
	listeners map[int]chan Notice
	nextID    int
}

// New wires a dispatcher. The executor is constructed here so the dispatcher
// can serve as its progress reporter.
func New(logger *zap.Logger, execCfg config.ExecutorConfig, deps Deps) *Dispatcher {
	d := &Dispatcher{
		logger:    logger.Named("dispatch"),
		deps:      deps,
		logRelay:  rate.NewLimiter(rate.Limit(logRelayPerSecond), logRelayBurst),
		listeners: make(map[int]chan Notice),
	}
	d.exec = executor.New(logger, execCfg, d)
	return d
}

// Executor exposes the owned step executor, chiefly for control surfaces that
// need the kill switch state.
func (d *Dispatcher) Executor() *executor.Executor {
	return d.exec
}

// Subscribe registers a passive listener. Delivery is best-effort: notices to
// a full buffer are dropped. The returned function unsubscribes and closes
// the channel.
func (d *Dispatcher) Subscribe() (<-chan Notice, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	ch := make(chan Notice, listenerBuffer)
	d.listeners[id] = ch

	unsubscribe := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if existing, ok := d.listeners[id]; ok {
			delete(d.listeners, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Run consumes transport events and observations until the context ends.
// This is the agent's single routing goroutine; everything long-running is
// pushed onto the pipeline worker instead of blocking here.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatch loop stopped")
			return ctx.Err()
		case ev := <-d.deps.Link.Events():
			d.handleTransportEvent(ctx, ev)
		case obs := <-d.observations():
			d.handleObservation(obs)
		}
	}
}

// observations tolerates a nil feed (e.g. surfaceless tests) by returning a
// channel that never delivers.
func (d *Dispatcher) observations() <-chan schemas.Observation {
	if d.deps.Observations == nil {
		return nil
	}
	return d.deps.Observations
}

func (d *Dispatcher) handleTransportEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		d.logger.Info("Controller link established")
		d.relayLog("info", "agent connected")
	case transport.EventDisconnected:
		d.logger.Warn("Controller link lost", zap.Error(ev.Err))
	case transport.EventGaveUp:
		d.logger.Error("Reconnect budget exhausted, manual connect required", zap.Error(ev.Err))
	case transport.EventMessage:
		d.route(ctx, ev.Envelope)
	default:
		d.logger.Warn("Unknown transport event", zap.String("kind", string(ev.Kind)))
	}
}

// route is the central inbound handler: one case per message kind, unknown
// kinds logged and dropped.
func (d *Dispatcher) route(ctx context.Context, env schemas.Envelope) {
	switch env.Kind {
	case schemas.KindConnected:
		d.logger.Info("Controller acknowledged connection")

	case schemas.KindHeartbeatAck:
		d.logger.Debug("Heartbeat acknowledged")

	case schemas.KindExecute:
		var req schemas.ExecuteRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			d.logger.Warn("Dropping malformed execute request", zap.Error(err))
			return
		}
		d.handleExecute(ctx, req)

	case schemas.KindSetRules:
		var set schemas.RuleSet
		if err := json.Unmarshal(env.Payload, &set); err != nil {
			d.logger.Warn("Dropping malformed rule set", zap.Error(err))
			return
		}
		d.deps.Rules.SetRules(set.Rules)
		d.relayLog("info", fmt.Sprintf("rule set replaced: %d rules", len(set.Rules)))

	case schemas.KindKill:
		d.exec.Kill()
		d.relayLog("warn", "kill switch engaged")

	case schemas.KindResetKill:
		d.exec.ResetKill()
		d.relayLog("info", "kill switch reset")

	default:
		d.logger.Warn("Dropping message of unknown kind", zap.String("kind", string(env.Kind)))
	}
}

// handleExecute admits the request through the ledger and hands it to the
// single pipeline worker. A request arriving while a run is active is
// rejected, not queued.
func (d *Dispatcher) handleExecute(ctx context.Context, req schemas.ExecuteRequest) {
	if strings.TrimSpace(req.Prompt) == "" {
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateError,
			TransactionID: req.TransactionID,
			Errors:        []string{"execute request has an empty prompt"},
		})
		return
	}

	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = uuidNewString()
	}

	if !d.deps.Ledger.Admit(transactionID) {
		d.logger.Info("Duplicate execute request ignored",
			zap.String("transaction_id", transactionID))
		return
	}

	if !d.busy.CompareAndSwap(false, true) {
		// The rejection terminates nothing; withdraw the id so the
		// controller can resubmit the same transaction later.
		d.deps.Ledger.Forget(transactionID)
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateError,
			TransactionID: transactionID,
			Errors:        []string{"an execution is already in progress"},
		})
		return
	}

	go func() {
		defer d.busy.Store(false)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Pipeline run panicked", zap.Any("panic", r))
				d.sendStatus(schemas.StatusUpdate{
					State:         schemas.StateError,
					TransactionID: transactionID,
					Errors:        []string{fmt.Sprintf("internal pipeline failure: %v", r)},
				})
			}
		}()
		d.runPipeline(ctx, transactionID, req.Prompt)
	}()
}

// runPipeline drives one transaction end to end: planning status, response
// generation, extraction, validation, safety screen, delegation, execution,
// terminal status, archival. Every failure class maps to exactly one outbound
// report and abandons the transaction; nothing here retries the whole plan.
func (d *Dispatcher) runPipeline(ctx context.Context, transactionID, prompt string) {
	d.sendStatus(schemas.StatusUpdate{State: schemas.StatePlanning, TransactionID: transactionID})

	raw, err := d.deps.Source.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: d.deps.Pipeline.SystemPrompt(),
		UserPrompt:   d.deps.Pipeline.UserPrompt(prompt),
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		d.logger.Error("Response source failed", zap.Error(err))
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateError,
			TransactionID: transactionID,
			Errors:        []string{fmt.Sprintf("response source failed: %v", err)},
		})
		return
	}

	draft := d.deps.Pipeline.Extract(raw)
	if draft == nil {
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateError,
			TransactionID: transactionID,
			Errors:        []string{"generated text contained no parseable plan"},
		})
		return
	}

	validation := d.deps.Pipeline.Validate(draft)
	if !validation.Valid {
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateError,
			TransactionID: transactionID,
			Errors:        validation.Errors,
		})
		return
	}

	// The request-level transaction id wins over anything the model invented.
	pl := validation.Plan
	pl.TransactionID = transactionID

	safety := d.deps.Pipeline.ApplySafety(pl)
	if !safety.Safe {
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateBlocked,
			TransactionID: transactionID,
			Violations:    safety.Violations,
		})
		return
	}

	local, delegated := plan.Partition(pl)
	if len(delegated) > 0 {
		d.send(schemas.KindDelegate, schemas.DelegateBatch{
			TransactionID: transactionID,
			Steps:         delegated,
		})
	}

	d.sendStatus(schemas.StatusUpdate{
		State:         schemas.StateExecuting,
		TransactionID: transactionID,
		TotalSteps:    len(local),
	})

	result, err := d.exec.Run(ctx, transactionID, local, d.deps.Runner)
	if err != nil {
		d.sendStatus(schemas.StatusUpdate{
			State:         schemas.StateError,
			TransactionID: transactionID,
			Errors:        []string{err.Error()},
		})
		return
	}

	d.reportTerminal(result)
	d.record(ctx, result)
}

// reportTerminal maps the executor's terminal result onto one status message.
func (d *Dispatcher) reportTerminal(result schemas.ExecutionResult) {
	switch result.Status {
	case schemas.ExecutionCompleted:
		d.sendStatus(schemas.StatusUpdate{
			State:          schemas.StateCompleted,
			TransactionID:  result.TransactionID,
			StepsAttempted: result.StepsAttempted,
			TotalSteps:     result.TotalSteps,
		})
	case schemas.ExecutionKilled:
		d.sendStatus(schemas.StatusUpdate{
			State:          schemas.StateKilled,
			TransactionID:  result.TransactionID,
			StepsAttempted: result.StepsAttempted,
			TotalSteps:     result.TotalSteps,
		})
	case schemas.ExecutionAborted:
		d.sendStatus(schemas.StatusUpdate{
			State:          schemas.StateError,
			TransactionID:  result.TransactionID,
			StepsAttempted: result.StepsAttempted,
			TotalSteps:     result.TotalSteps,
			Errors:         []string{"execution aborted: interactive surface was lost"},
		})
	}
}

// record archives the terminal result and mirrors it to the local log store.
// Both sinks are optional and their failures never affect the transaction.
func (d *Dispatcher) record(ctx context.Context, result schemas.ExecutionResult) {
	if d.deps.Archive != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := d.deps.Archive.Record(recordCtx, result); err != nil {
			d.logger.Warn("Failed to archive execution result", zap.Error(err))
		}
	}
	if d.deps.Store != nil {
		line := fmt.Sprintf("execution %s: %s (%d/%d steps, %d failures)",
			result.TransactionID, result.Status,
			result.StepsAttempted, result.TotalSteps, len(result.Failures))
		if err := d.deps.Store.AppendLog(line); err != nil {
			d.logger.Warn("Failed to append execution log entry", zap.Error(err))
		}
	}
}

// handleObservation runs one observation through the rule engine and reports
// every rule that fired.
func (d *Dispatcher) handleObservation(obs schemas.Observation) {
	for _, rule := range d.deps.Rules.Evaluate(obs) {
		d.send(schemas.KindRuleTriggered, schemas.RuleTriggered{
			RuleID:      rule.ID,
			Observation: obs,
		})
	}
}

// StepStarted implements executor.Reporter.
func (d *Dispatcher) StepStarted(transactionID string, index, total int, action schemas.ActionType) {
	d.sendStatus(schemas.StatusUpdate{
		State:         schemas.StateStep,
		TransactionID: transactionID,
		StepIndex:     index,
		TotalSteps:    total,
		Action:        action,
	})
}

// StepFailed implements executor.Reporter.
func (d *Dispatcher) StepFailed(transactionID string, failure schemas.StepFailure) {
	d.sendStatus(schemas.StatusUpdate{
		State:         schemas.StateStep,
		TransactionID: transactionID,
		StepIndex:     failure.Index,
		Action:        failure.Action,
		StepError:     failure.Reason,
	})
}

func (d *Dispatcher) sendStatus(status schemas.StatusUpdate) {
	d.send(schemas.KindStatus, status)
}

// send marshals the payload, ships it to the controller, and fans it out to
// listeners. A failed send is a delivery failure, not an error: the envelope
// is dropped and listeners still hear about the event.
func (d *Dispatcher) send(kind schemas.MessageKind, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("Failed to marshal outbound payload",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}

	if !d.deps.Link.Send(schemas.Envelope{Kind: kind, SentAt: time.Now().UTC(), Payload: raw}) {
		d.logger.Debug("Outbound message not delivered, link down",
			zap.String("kind", string(kind)))
	}
	d.fanOut(Notice{Kind: kind, Payload: payload})
}

// relayLog mirrors a significant event to the controller as a log line,
// subject to the relay rate budget. Local listeners are never throttled.
func (d *Dispatcher) relayLog(level, message string) {
	line := schemas.LogLine{Level: level, Message: message}
	d.fanOut(Notice{Kind: schemas.KindLog, Payload: line})

	if !d.logRelay.Allow() {
		d.logger.Debug("Log relay over budget, line dropped", zap.String("message", message))
		return
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return
	}
	d.deps.Link.Send(schemas.Envelope{Kind: schemas.KindLog, SentAt: time.Now().UTC(), Payload: raw})
}

// fanOut broadcasts to every listener without ever blocking the dispatcher.
func (d *Dispatcher) fanOut(notice Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.listeners {
		select {
		case ch <- notice:
		default:
			d.logger.Debug("Listener buffer full, notice dropped", zap.Int("listener", id))
		}
	}
}
