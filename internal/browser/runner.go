package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// Driver is the surface contract the runner needs. It exists so the runner
// can be tested without a browser process.
type Driver interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	EnsureOpen(ctx context.Context) error
	CloseTab() error
	Alive() bool
}

// Runner executes local plan steps against a Driver.
type Runner struct {
	logger     *zap.Logger
	driver     Driver
	navTimeout time.Duration
	handlers   map[schemas.ActionType]handler
}

type handler func(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error)

var _ schemas.ActionRunner = (*Runner)(nil)

// NewRunner builds the action dispatch table over the given driver.
func NewRunner(logger *zap.Logger, driver Driver, cfg config.BrowserConfig) *Runner {
	r := &Runner{
		logger:     logger.Named("runner"),
		driver:     driver,
		navTimeout: cfg.NavigationTimeout,
	}
	r.handlers = map[schemas.ActionType]handler{
		schemas.ActionOpen:     r.handleOpen,
		schemas.ActionNavigate: r.handleNavigate,
		schemas.ActionClick:    r.handleClick,
		schemas.ActionTypeText: r.handleType,
		schemas.ActionKeyPress: r.handlePress,
		schemas.ActionWait:     r.handleWait,
		schemas.ActionScroll:   r.handleScroll,
		schemas.ActionSelect:   r.handleSelect,
		schemas.ActionBack:     r.handleBack,
		schemas.ActionForward:  r.handleForward,
		schemas.ActionRefresh:  r.handleRefresh,
		schemas.ActionClose:    r.handleClose,
	}
	return r
}

// Perform executes one step. A dead surface surfaces as ErrSurfaceGone so the
// executor can abort the rest of the plan.
func (r *Runner) Perform(ctx context.Context, step schemas.Step) (schemas.StepOutcome, error) {
	h, ok := r.handlers[step.Action]
	if !ok {
		return schemas.StepOutcome{}, fmt.Errorf("unsupported action %q", step.Action)
	}

	// Open is the one action allowed to revive a closed surface.
	if step.Action != schemas.ActionOpen && !r.driver.Alive() {
		return schemas.StepOutcome{}, fmt.Errorf("surface is not available: %w", schemas.ErrSurfaceGone)
	}

	outcome, err := h(ctx, step.Params)
	if err != nil && !r.driver.Alive() {
		return outcome, fmt.Errorf("surface lost during %s: %w", step.Action, schemas.ErrSurfaceGone)
	}
	return outcome, err
}

func (r *Runner) handleOpen(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	target, err := stringParam(params, "url")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	if err := r.driver.EnsureOpen(ctx); err != nil {
		return schemas.StepOutcome{}, fmt.Errorf("failed to open surface: %w", err)
	}
	return r.navigate(ctx, chromedp.Navigate(target))
}

func (r *Runner) handleNavigate(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	target, err := stringParam(params, "url")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	return r.navigate(ctx, chromedp.Navigate(target))
}

func (r *Runner) handleBack(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	return r.navigate(ctx, chromedp.NavigateBack())
}

func (r *Runner) handleForward(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	return r.navigate(ctx, chromedp.NavigateForward())
}

func (r *Runner) handleRefresh(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	return r.navigate(ctx, chromedp.Reload())
}

// navigate runs a location-changing action and reports the settled URL.
func (r *Runner) navigate(ctx context.Context, action chromedp.Action) (schemas.StepOutcome, error) {
	if r.navTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.navTimeout)
		defer cancel()
	}

	var location string
	if err := r.driver.Run(ctx, action, chromedp.Location(&location)); err != nil {
		return schemas.StepOutcome{}, err
	}
	return schemas.StepOutcome{PageURL: location}, nil
}

func (r *Runner) handleClick(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	return schemas.StepOutcome{}, r.driver.Run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (r *Runner) handleType(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	text, err := stringParam(params, "text")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	return schemas.StepOutcome{}, r.driver.Run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (r *Runner) handlePress(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	return schemas.StepOutcome{}, r.driver.Run(ctx, chromedp.KeyEvent(resolveKey(key)))
}

// maxWaitDuration bounds a single wait step. The kill switch is honored only
// between steps, so a wait must never outlast an operator's patience.
const maxWaitDuration = 30 * time.Second

func (r *Runner) handleWait(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	d, err := durationParam(params, "duration_ms")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	if d > maxWaitDuration {
		return schemas.StepOutcome{}, fmt.Errorf("param %q exceeds the %s wait limit", "duration_ms", maxWaitDuration)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return schemas.StepOutcome{}, nil
	case <-ctx.Done():
		return schemas.StepOutcome{}, ctx.Err()
	}
}

func (r *Runner) handleScroll(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	direction, err := stringParam(params, "direction")
	if err != nil {
		return schemas.StepOutcome{}, err
	}

	var script string
	switch strings.ToLower(direction) {
	case "up":
		script = "window.scrollBy(0, -window.innerHeight * 0.8);"
	case "down":
		script = "window.scrollBy(0, window.innerHeight * 0.8);"
	default:
		return schemas.StepOutcome{}, fmt.Errorf(`param "direction" must be "up" or "down", got %q`, direction)
	}
	return schemas.StepOutcome{}, r.driver.Run(ctx, chromedp.Evaluate(script, nil))
}

func (r *Runner) handleSelect(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return schemas.StepOutcome{}, err
	}
	value, err := stringParam(params, "value")
	if err != nil {
		return schemas.StepOutcome{}, err
	}

	// Set the value and fire the events frameworks listen for.
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) { return false; }
		el.value = %s;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, quoteJS(selector), quoteJS(value))

	var matched bool
	if err := r.driver.Run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &matched),
	); err != nil {
		return schemas.StepOutcome{}, err
	}
	if !matched {
		return schemas.StepOutcome{}, fmt.Errorf("no element matches selector %q", selector)
	}
	return schemas.StepOutcome{}, nil
}

func (r *Runner) handleClose(ctx context.Context, params map[string]interface{}) (schemas.StepOutcome, error) {
	if err := r.driver.CloseTab(); err != nil {
		return schemas.StepOutcome{}, fmt.Errorf("failed to close surface: %w", err)
	}
	r.logger.Info("Surface closed by plan step")
	return schemas.StepOutcome{}, nil
}

// -- Param helpers --

func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return value, nil
}

// durationParam reads a millisecond count. Decoded JSON numbers arrive as
// float64; integers are accepted for directly constructed params.
func durationParam(params map[string]interface{}, key string) (time.Duration, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing required param %q", key)
	}

	var ms float64
	switch v := raw.(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	default:
		return 0, fmt.Errorf("param %q must be a number of milliseconds", key)
	}
	if ms < 0 {
		return 0, fmt.Errorf("param %q must not be negative", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// namedKeys maps planner-friendly key names onto CDP key codes. Unlisted keys
// pass through so single characters still work.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

func resolveKey(key string) string {
	if mapped, ok := namedKeys[strings.ToLower(key)]; ok {
		return mapped
	}
	return key
}

// quoteJS renders a string as a JavaScript string literal.
func quoteJS(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
