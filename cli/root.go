// Package cli provides the dazzle-core command line interface. The serve
// command wires configuration, the tier factory, the long-running workers,
// and the admin HTTP server, and handles graceful shutdown on SIGINT and
// SIGTERM.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dazzle.dev/core/admin"
	"dazzle.dev/core/common"
	"dazzle.dev/core/config"
	dazzlehttp "dazzle.dev/core/http"
	"dazzle.dev/core/tier"
	"dazzle.dev/core/worker"
)

// BuildVersion is stamped by the release pipeline via ldflags.
var BuildVersion = "dev"

// cfgFile holds the path given with --config. Empty means the standard
// search locations.
var cfgFile string

// RootCmd is the dazzle-core entry command.
var RootCmd = &cobra.Command{
	Use:   "dazzle-core",
	Short: "transactional event platform core",
	Long: `DAZZLE core service

Runs the transactional event platform: the outbox publisher, the process
orchestrator timers, the version drain watcher, and the admin HTTP API,
on top of the configured backend tier (memory, bolt, redis, postgres,
amqp).

Configuration is read from config.yaml, .env, and DAZZLE_* environment
variables.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.dazzle, /etc/dazzle)")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(BuildVersion)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the platform core",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig("DAZZLE", cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := common.NewLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := tier.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build platform core: %w", err)
	}
	defer core.Close()

	group := worker.NewGroup(logger)
	group.Add("outbox_publisher", core.Publisher.Run)
	group.Add("orchestrator_timers", core.Orchestrator.RunTimers)
	group.Add("drain_watcher", func(ctx context.Context) {
		core.Watcher.Start(ctx)
		<-ctx.Done()
		core.Watcher.Stop()
	})
	group.Start(ctx)
	defer group.Stop()

	e := dazzlehttp.NewEchoServer(cfg.Server)
	e.GET("/health", dazzlehttp.HealthCheckHandler(cfg.Service.Name, core.Tier, func() map[string]interface{} {
		stats := core.Publisher.Stats()
		return map[string]interface{}{
			"events_published":  stats.EventsPublished,
			"events_failed":     stats.EventsFailed,
			"batches_processed": stats.BatchesProcessed,
		}
	}))
	admin.NewHandlers(core, admin.NewTracker(0), logger).RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		if err := dazzlehttp.StartServer(e, cfg.Server, logger); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	if err := dazzlehttp.GracefulShutdown(e, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	return nil
}
