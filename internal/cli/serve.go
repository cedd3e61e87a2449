package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardlabs/steward/internal/config"
	"github.com/stewardlabs/steward/internal/logger"
	"github.com/stewardlabs/steward/pkg/agent"
	"github.com/stewardlabs/steward/pkg/approval"
	"github.com/stewardlabs/steward/pkg/authz"
	"github.com/stewardlabs/steward/pkg/commandqueue"
	"github.com/stewardlabs/steward/pkg/coretools"
	"github.com/stewardlabs/steward/pkg/events"
	"github.com/stewardlabs/steward/pkg/gateway"
	"github.com/stewardlabs/steward/pkg/retry"
	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/store"
	"github.com/stewardlabs/steward/pkg/stream"
	"github.com/stewardlabs/steward/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the steward daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logg, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logg.Close()
	zl := *logg.Zerolog()

	riskLevels := coretools.DefaultRiskTable()
	overrides, err := cfg.RiskLevels()
	if err != nil {
		return err
	}
	for tool, level := range overrides {
		riskLevels[tool] = level
	}
	registry := risk.NewRegistry(riskLevels, zl)

	db, err := store.NewSQLiteStore(cfg.Store.DBPath, zl)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions := store.NewSessionStore(db, cfg.Store.CacheTTL, zl)
	janitor, err := store.NewJanitor(sessions, cfg.Store.JanitorSchedule, zl)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	checker := authz.NewChecker(registry, nil, zl)
	var watcher *authz.PolicyWatcher
	if _, statErr := os.Stat(cfg.Tools.BlacklistPath); statErr == nil {
		watcher, err = authz.NewPolicyWatcher(cfg.Tools.BlacklistPath, checker, zl)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	} else {
		zl.Info().Str("path", cfg.Tools.BlacklistPath).Msg("No blacklist file, starting with empty policy")
	}

	profiles := make([]*agent.ProviderProfile, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		provider, err := stream.NewProvider(p.Name, p.APIKey)
		if err != nil {
			return err
		}
		profiles = append(profiles, &agent.ProviderProfile{Provider: provider, Priority: p.Priority})
	}

	toolRegistry := tools.NewRegistry()
	if err := os.MkdirAll(cfg.Tools.WorkspaceRoot, 0o755); err != nil {
		return err
	}
	if err := coretools.Register(toolRegistry, coretools.Options{
		WorkspaceRoot: cfg.Tools.WorkspaceRoot,
		EnableExec:    cfg.Tools.EnableExec,
	}); err != nil {
		return err
	}

	bus := events.NewBus(zl)
	queue := commandqueue.New(zl)
	defer queue.Close()

	runner, err := agent.New(agent.Config{
		Providers:     profiles,
		Sessions:      sessions,
		Plans:         db,
		Bus:           bus,
		EventLog:      db,
		Approvals:     approval.NewManager(registry, zl),
		Authz:         checker,
		Registry:      toolRegistry,
		Executor:      tools.NewExecutor(toolRegistry, cfg.Tools.Timeout, zl),
		Retry:         retry.New(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, zl).WithRetryOn(cfg.Retry.RetryOn),
		Queue:         queue,
		Logger:        zl,
		Model:         cfg.Agent.Model,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
		PreviewLimit:  cfg.Agent.PreviewLimit,
	})
	if err != nil {
		return err
	}

	defaultAutonomy, err := risk.ParseAutonomy(cfg.Agent.DefaultAutonomy)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Addr:            cfg.Gateway.Addr,
		SharedSecret:    cfg.Gateway.SharedSecret,
		Runner:          runner,
		Sessions:        sessions,
		EventLog:        db,
		Bus:             bus,
		Logger:          zl,
		DefaultAutonomy: defaultAutonomy,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		zl.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
		zl.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("Gateway shutdown failed")
	}
	bus.Wait()
	return nil
}
