package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikey/phishguard/internal/adapters/admin"
	"github.com/mikey/phishguard/internal/attribution"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/di"
	"github.com/mikey/phishguard/internal/jobs"
	"github.com/mikey/phishguard/internal/ports"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Build the dependency injection container
	container, err := di.BuildContainer(*configFile)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	cfg *config.Config,
	logger *zap.Logger,
	emailFilter ports.EmailFilter,
	caseStore ports.CaseStore,
	adminServer *admin.Server,
	runner *jobs.Runner,
	watcher *attribution.Watcher,
) error {
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("Corpus watcher stopped", zap.Error(err))
			}
		}()
	}

	// Start the gateway
	if err := emailFilter.Start(); err != nil {
		logger.Error("Failed to start SMTP gateway", zap.Error(err))
		return err
	}

	if cfg.GetBool("admin.enabled") {
		if err := adminServer.Start(); err != nil {
			logger.Error("Failed to start admin API", zap.Error(err))
			emailFilter.Stop()
			return err
		}
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Shutting down...", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting mail first; messages in flight finish before the store closes
	if err := emailFilter.Shutdown(shutdownCtx); err != nil {
		logger.Error("SMTP sessions did not drain in time", zap.Error(err))
	}

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop admin API", zap.Error(err))
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error("Jobs did not stop in time", zap.Error(err))
	}
	if err := caseStore.Close(); err != nil {
		logger.Error("Failed to close case store", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
