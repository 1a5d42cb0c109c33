package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/handlers"
	"github.com/ternarybob/colligo/internal/remote"
	"github.com/ternarybob/colligo/internal/server"
	"github.com/ternarybob/colligo/internal/services/catalog"
	"github.com/ternarybob/colligo/internal/services/detail"
	"github.com/ternarybob/colligo/internal/services/ledger"
	"github.com/ternarybob/colligo/internal/services/orchestrator"
	"github.com/ternarybob/colligo/internal/services/scheduler"
	"github.com/ternarybob/colligo/internal/services/state"
	syncsvc "github.com/ternarybob/colligo/internal/services/sync"
	"github.com/ternarybob/colligo/internal/storage/badger"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	runOnce     = flag.Bool("run", false, "Execute one update run and exit")
	showVersion = flag.Bool("version", false, "Print version information")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Colligo version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	if len(configFiles) == 0 {
		if _, err := os.Stat("colligo.toml"); err == nil {
			configFiles = append(configFiles, "colligo.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, *serverPort, *serverHost)

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Str("environment", config.Environment).
		Str("remote", config.Remote.BaseURL).
		Str("badger_path", config.Storage.Badger.Path).
		Str("log_level", config.Logging.Level).
		Msg("Configuration loaded")

	// Storage and remote client
	storageManager, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize local storage")
		os.Exit(1)
	}
	defer storageManager.Close()

	clock := common.NewSystemClock()
	remoteClient := remote.NewClient(config.Remote, clock, logger)

	// Pipeline services
	catalogSource, err := catalog.NewFetcher(config.Source, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize catalog fetcher")
		os.Exit(1)
	}

	detailFetcher, err := detail.NewFetcher(config.Source, config.Scraper, clock, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize detail fetcher")
		os.Exit(1)
	}
	defer detailFetcher.Close()

	failureLedger := ledger.NewLedger(remoteClient, storageManager.LedgerStorage(), config.Scraper, clock, logger)
	stateManager := state.NewManager(storageManager.StateStorage(), remoteClient, config.State, clock, logger)
	syncService := syncsvc.NewService(remoteClient, config.Sync, clock, logger)

	orch := orchestrator.New(config, catalogSource, detailFetcher, failureLedger, stateManager, syncService, remoteClient, clock, logger)

	if *runOnce {
		executeRun(orch)
		return
	}

	// Handlers and HTTP server
	wsHandler := handlers.NewWebSocketHandler(logger)
	orch.AddListener(wsHandler.BroadcastEvent)

	apiHandler := handlers.NewAPIHandler(remoteClient, logger)
	runHandler := handlers.NewRunHandler(orch, logger)

	httpServer := server.New(config, logger, apiHandler, runHandler, wsHandler)

	cronService := scheduler.NewService(config.Scheduler, orch, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
		os.Exit(1)
	}
	defer cronService.Stop()

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
			os.Exit(1)
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Colligo ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown requested")

	// Let an in-flight run finish its batch and checkpoint before the
	// process exits.
	orch.RequestStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	for orch.Running() {
		time.Sleep(200 * time.Millisecond)
		if shutdownCtx.Err() != nil {
			logger.Warn().Msg("Shutdown timeout reached with run still active")
			break
		}
	}

	logger.Info().Msg("Colligo stopped")
}

// executeRun drives a single foreground run and prints its report.
func executeRun(orch *orchestrator.Orchestrator) {
	report, err := orch.Run(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}

	logger.Info().
		Str("session_id", report.SessionID).
		Int("completed", report.Completed).
		Int("attempted", report.Attempted).
		Int("failed", report.Failed.Total).
		Int("retry_recovered", report.RetryPass.Recovered).
		Str("elapsed", report.Elapsed.String()).
		Str("final_delay", report.FinalConfig.Delay.String()).
		Int("final_concurrency", report.FinalConfig.Concurrency).
		Bool("resumed", report.Resumed).
		Msg("Run complete")
}
