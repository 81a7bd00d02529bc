// Package rules evaluates controller-supplied watch rules against browser
// observations. Firing is edge-triggered: a rule emits when an observation
// stream transitions from not-matching to matching, stays quiet while the
// match persists, and re-arms once the stream leaves the matching state.
package rules

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
)

// DefaultCooldown is the minimum gap between two firings of the same rule.
const DefaultCooldown = 30 * time.Second

// matchState remembers whether a rule currently matches and when it last
// fired, keyed by rule id.
type matchState struct {
	active      bool
	lastFiredAt time.Time
}

// Engine holds the active rule set and per-rule match state.
type Engine struct {
	logger   *zap.Logger
	cooldown time.Duration

	// now is swapped out in tests to drive the cooldown clock.
	now func() time.Time

	mu     sync.Mutex
	rules  []schemas.Rule
	states map[string]*matchState
}

// NewEngine creates an engine with an empty rule set. A non-positive cooldown
// falls back to DefaultCooldown.
func NewEngine(logger *zap.Logger, cooldown time.Duration) *Engine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Engine{
		logger:   logger.Named("rules"),
		cooldown: cooldown,
		now:      time.Now,
		states:   make(map[string]*matchState),
	}
}

// SetRules replaces the active rule set wholesale. All match state is
// discarded, so every rule is re-armed even if it was mid-match before the
// swap.
func (e *Engine) SetRules(set []schemas.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = make([]schemas.Rule, len(set))
	copy(e.rules, set)
	e.states = make(map[string]*matchState, len(set))
	e.logger.Info("Rule set replaced", zap.Int("rules", len(set)))
}

// RuleCount reports the size of the active rule set.
func (e *Engine) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// Evaluate runs the observation through every active rule and returns the
// rules that fired, in rule-set order. A rule fires on its first match ever,
// and afterwards only from the inactive state once the cooldown since its
// last firing has elapsed. A match suppressed by the cooldown leaves the
// state untouched, so a later observation can still fire it once enough time
// has passed.
func (e *Engine) Evaluate(obs schemas.Observation) []schemas.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []schemas.Rule
	now := e.now()

	for _, rule := range e.rules {
		matched := matches(rule.Criteria, obs)
		st, ok := e.states[rule.ID]

		switch {
		case matched && !ok:
			// First match for this rule since the set was installed.
			e.states[rule.ID] = &matchState{active: true, lastFiredAt: now}
			fired = append(fired, rule)
			e.logger.Info("Rule triggered",
				zap.String("rule_id", rule.ID),
				zap.String("category", obs.Category),
				zap.String("value", obs.Value))
		case matched && !st.active:
			if now.Sub(st.lastFiredAt) < e.cooldown {
				e.logger.Debug("Rule match suppressed by cooldown",
					zap.String("rule_id", rule.ID))
				continue
			}
			st.active = true
			st.lastFiredAt = now
			fired = append(fired, rule)
			e.logger.Info("Rule triggered",
				zap.String("rule_id", rule.ID),
				zap.String("category", obs.Category),
				zap.String("value", obs.Value))
		case !matched && ok && st.active:
			st.active = false
			e.logger.Debug("Rule left matching state", zap.String("rule_id", rule.ID))
		}
	}
	return fired
}

// matches applies a single criteria to an observation. Comparisons are
// case-insensitive; an unknown criteria type never matches.
func matches(c schemas.Criteria, obs schemas.Observation) bool {
	switch c.Type {
	case schemas.CriteriaCategory:
		return strings.EqualFold(obs.Category, c.Value)
	case schemas.CriteriaContains:
		return strings.Contains(strings.ToLower(obs.Value), strings.ToLower(c.Value))
	default:
		return false
	}
}
