// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Autonion/Autonion-Extension/api/schemas"
	"github.com/Autonion/Autonion-Extension/internal/browser"
	"github.com/Autonion/Autonion-Extension/internal/config"
	"github.com/Autonion/Autonion-Extension/internal/dispatch"
	"github.com/Autonion/Autonion-Extension/internal/history"
	"github.com/Autonion/Autonion-Extension/internal/ledger"
	"github.com/Autonion/Autonion-Extension/internal/observability"
	"github.com/Autonion/Autonion-Extension/internal/plan"
	"github.com/Autonion/Autonion-Extension/internal/responder"
	"github.com/Autonion/Autonion-Extension/internal/rules"
	"github.com/Autonion/Autonion-Extension/internal/store"
	"github.com/Autonion/Autonion-Extension/internal/transport"
)

// newRunCmd creates the `run` command: the long-lived agent process.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the agent and maintains the controller link",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			return runAgent(cmd.Context(), loadedConfig, observability.GetLogger())
		},
	}
}

// runAgent assembles the collaborators and runs the transport and dispatch
// loops until the context is canceled.
func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(logger, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close local store", zap.Error(err))
		}
	}()

	// The execution history archive is optional: no database URL, no archive.
	var archive schemas.ResultArchive
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to create database pool: %w", err)
		}
		defer pool.Close()

		a, err := history.New(ctx, pool, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize history archive: %w", err)
		}
		archive = a
	}

	source, err := responder.FromConfig(logger, cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to build response sources: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn("Failed to close response sources", zap.Error(err))
		}
	}()

	surface := browser.NewSurface(cfg.Browser, logger)
	if err := surface.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser surface: %w", err)
	}
	defer func() {
		if err := surface.Close(); err != nil {
			logger.Warn("Failed to close browser surface", zap.Error(err))
		}
	}()

	client := transport.NewClient(logger, cfg.Controller)
	dispatcher := dispatch.New(logger, cfg.Executor, dispatch.Deps{
		Link:         client,
		Rules:        rules.NewEngine(logger, cfg.Rules.Cooldown),
		Pipeline:     plan.NewPipeline(logger, cfg.Plan),
		Ledger:       ledger.New(logger, ledger.DefaultCapacity),
		Source:       source,
		Runner:       browser.NewRunner(logger, surface, cfg.Browser),
		Archive:      archive,
		Store:        st,
		Observations: surface.Observations(),
	})

	logger.Info("Agent running",
		zap.String("controller_url", cfg.Controller.URL),
		zap.String("source_target", cfg.Source.Target),
		zap.Bool("history_enabled", archive != nil))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return client.Run(groupCtx) })
	group.Go(func() error { return dispatcher.Run(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Agent shut down")
	return nil
}
