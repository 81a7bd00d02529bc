// Package browser drives the local Chrome surface. The Surface owns the
// browser process and the agent's single tab; the Runner translates plan
// steps into chromedp actions against it.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/config"
)

// Surface owns the Chrome process and the tab the agent acts on. Navigations
// of that tab are published as observations for the rule engine.
type Surface struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	observations chan schemas.Observation
}

// NewSurface prepares a surface. The browser process is not launched until
// Start is called.
func NewSurface(cfg config.BrowserConfig, logger *zap.Logger) *Surface {
	return &Surface{
		logger:       logger.Named("browser"),
		cfg:          cfg,
		observations: make(chan schemas.Observation, 16),
	}
}

// Start launches the browser process and opens the agent's tab.
func (s *Surface) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocCtx != nil {
		return nil
	}
	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(ctx, execOptions(s.cfg)...)

	if err := s.openTabLocked(); err != nil {
		s.allocCancel()
		s.allocCtx, s.allocCancel = nil, nil
		return err
	}
	return nil
}

// openTabLocked opens a fresh tab, starts the browser if needed, and attaches
// the navigation listener. Callers hold s.mu.
func (s *Surface) openTabLocked() error {
	tabCtx, tabCancel := chromedp.NewContext(s.allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return fmt.Errorf("failed to launch browser surface: %w", err)
	}

	s.tabCtx, s.tabCancel = tabCtx, tabCancel
	s.watch(tabCtx)
	s.logger.Info("Browser surface ready")
	return nil
}

// EnsureOpen reopens the tab if a close action or crash took it down.
func (s *Surface) EnsureOpen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocCtx == nil {
		return fmt.Errorf("surface has not been started")
	}
	if s.tabCtx != nil && s.tabCtx.Err() == nil {
		return nil
	}
	return s.openTabLocked()
}

// Alive reports whether the tab is still usable.
func (s *Surface) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabCtx != nil && s.tabCtx.Err() == nil
}

// Run executes chromedp actions against the tab, respecting both the tab
// lifetime and the caller's context.
func (s *Surface) Run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	tabCtx := s.tabCtx
	s.mu.Unlock()

	if tabCtx == nil || tabCtx.Err() != nil {
		return schemas.ErrSurfaceGone
	}

	runCtx, cancel := combineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// CloseTab closes the agent's tab. The surface can be reopened with EnsureOpen.
func (s *Surface) CloseTab() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tabCancel != nil {
		s.tabCancel()
		s.tabCtx, s.tabCancel = nil, nil
		s.logger.Info("Browser tab closed")
	}
	return nil
}

// Close shuts down the tab and the browser process.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tabCancel != nil {
		s.tabCancel()
		s.tabCtx, s.tabCancel = nil, nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCtx, s.allocCancel = nil, nil
	}
	return nil
}

// Observations is the stream of page navigations seen on the agent's tab.
// The channel is never closed; consumers watch their own context.
func (s *Surface) Observations() <-chan schemas.Observation {
	return s.observations
}

// watch publishes main-frame navigations as observations. Sends never block;
// a full channel drops the sample.
func (s *Surface) watch(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		nav, ok := ev.(*page.EventFrameNavigated)
		if !ok || nav.Frame == nil || nav.Frame.ParentID != "" {
			return
		}

		obs, ok := observeNavigation(nav.Frame.URL, time.Now().UTC())
		if !ok {
			return
		}

		select {
		case s.observations <- obs:
		default:
			s.logger.Debug("Observation dropped, channel full", zap.String("url", obs.Value))
		}
	})
}

// execOptions translates the browser config into chromedp allocator options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	for _, arg := range cfg.Args {
		if !strings.Contains(arg, "=") {
			if !strings.HasPrefix(arg, "--") {
				arg = "--" + arg
			}
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
			continue
		}

		parts := strings.SplitN(arg, "=", 2)
		key := strings.TrimPrefix(parts[0], "--")
		opts = append(opts, chromedp.Flag(key, parts[1]))
	}

	return opts
}

// combineContext derives a context that ends when either the tab or the
// caller's request is done.
func combineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)

	go func() {
		select {
		case <-secondaryCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
