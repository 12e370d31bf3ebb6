package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentregistry "github.com/threadline/threadline/internal/agent/registry"
	"github.com/threadline/threadline/internal/cleanup"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/orchestrator"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/tracing"
	"github.com/threadline/threadline/internal/transcript"
	"github.com/threadline/threadline/internal/update"
	"github.com/threadline/threadline/internal/worktree"
)

// version is stamped at build time (-ldflags "-X main.version=..."). The
// update coordinator never auto-updates a "dev" build.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "threadline",
	Short:         "Bridge chat platform threads to AI CLI sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the threadline version",
	Run: func(*cobra.Command, []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ~/.threadline/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI under a signal-scoped context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadWithPath(configPath)
	}
	return config.Load()
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	log.Info("starting threadline", zap.String("version", version))

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	var transcripts *transcript.Store
	if cfg.Transcript.Enabled {
		transcripts, err = transcript.Open(cfg.Transcript, log)
		if err != nil {
			return fmt.Errorf("open transcript store: %w", err)
		}
		defer func() { _ = transcripts.Close() }()
		if err := transcripts.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate transcripts: %w", err)
		}
	}

	var worktrees *worktree.Manager
	if cfg.Worktree.Mode != "off" {
		worktrees, err = worktree.NewManager(cfg.Worktree.BaseDir, nil, log)
		if err != nil {
			return fmt.Errorf("init worktree manager: %w", err)
		}
	}

	profiles, err := agentregistry.Load(agentregistry.DefaultOverridePath())
	if err != nil {
		return fmt.Errorf("load agent profiles: %w", err)
	}

	manager, err := session.NewManager(*cfg, botName(cfg), version, session.ManagerDeps{
		Store:       st,
		Bus:         provided.Bus,
		Transcripts: transcripts,
		Worktrees:   worktrees,
		Profiles:    profiles,
	}, log)
	if err != nil {
		return err
	}

	var coordinator *update.Coordinator
	if cfg.Update.Enabled {
		coordinator = update.New(cfg.Update, version, update.Deps{
			Activity: manager.Registry(),
			Logger:   log,
		})
	}

	orch := orchestrator.New(*cfg, manager, st, worktrees, coordinator, provided.Bus, version, log)

	adapters, err := connectPlatforms(ctx, cfg, orch, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, adapter := range adapters {
			_ = adapter.Disconnect()
		}
	}()

	janitor := cleanup.New(*cfg, transcripts, worktrees, manager.Registry(), provided.Bus, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	if coordinator != nil {
		g.Go(func() error { return coordinator.Run(gctx) })
	}
	if cfg.Gateway.Enabled {
		gw := buildGateway(cfg, manager, transcripts, st, provided.Bus, log)
		g.Go(func() error { return gw.Run(gctx) })
	}

	// Startup sequence, after the platforms are connected: announce a
	// finished update, revive persisted sessions, refresh the stickies.
	if coordinator != nil {
		coordinator.AnnounceStartup(ctx)
	}
	orch.RecoverSessions(ctx)
	orch.RefreshStickies(ctx)

	err = g.Wait()

	// Dispatchers detach their children on the cancelled run context;
	// KillAll is the barrier that waits for those teardowns to finish.
	manager.KillAll(session.ShutdownNotice)

	if errors.Is(err, context.Canceled) {
		log.Info("threadline stopped")
		return nil
	}
	return err
}
