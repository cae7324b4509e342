package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blackroad-os/repowarden/pkg/api"
	"github.com/blackroad-os/repowarden/pkg/clock"
	"github.com/blackroad-os/repowarden/pkg/config"
	"github.com/blackroad-os/repowarden/pkg/coordinator"
	"github.com/blackroad-os/repowarden/pkg/cron"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/kv"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/metrics"
	"github.com/blackroad-os/repowarden/pkg/processor"
	"github.com/blackroad-os/repowarden/pkg/queue"
	"github.com/blackroad-os/repowarden/pkg/scraper"
	"github.com/blackroad-os/repowarden/pkg/storage"
	"github.com/blackroad-os/repowarden/pkg/syncengine"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

const (
	consumerBatchSize = 10
	consumerInterval  = time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repowarden control plane",
	Long: `Start the control plane: the HTTP API, the three queue consumers,
and the periodic schedulers. All durable state lives under the data
directory; Redis is a shared cache and may be empty on start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	fmt.Println("Starting Repowarden...")
	fmt.Printf("  Org: %s\n", cfg.Org)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %v", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "bolt store open")
	fmt.Println("✓ State store open")

	queuesDB, err := bolt.Open(filepath.Join(cfg.DataDir, "queues.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open queue store: %v", err)
	}
	defer queuesDB.Close()

	jobQueue, err := queue.New(queuesDB, "jobs")
	if err != nil {
		return fmt.Errorf("failed to open job queue: %v", err)
	}
	scrapeQueue, err := queue.New(queuesDB, "scrapes")
	if err != nil {
		return fmt.Errorf("failed to open scrape queue: %v", err)
	}
	healingQueue, err := queue.New(queuesDB, "healing")
	if err != nil {
		return fmt.Errorf("failed to open healing queue: %v", err)
	}
	fmt.Println("✓ Queues open")

	cache := kv.NewRedisCache(cfg.RedisAddr)
	defer cache.Close()

	clk := clock.Real{}

	coord, err := coordinator.New(store, jobQueue, clk, cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to start coordinator: %v", err)
	}
	metrics.RegisterComponent("coordinator", true, "hydrated")

	engine, err := syncengine.New(store, scrapeQueue, healingQueue, cache, clk, cfg.Org, cfg.KnownRepos)
	if err != nil {
		return fmt.Errorf("failed to start sync engine: %v", err)
	}
	metrics.RegisterComponent("syncengine", true, "hydrated")

	healerCfg := healer.Config{Enabled: cfg.SelfHeal}
	if cfg.BackupEndpoint != "" {
		healerCfg.Prober = healer.NewHTTPProber(cfg.BackupEndpoint)
	}
	heal, err := healer.New(store, jobQueue, scrapeQueue, healingQueue, cache, clk, healerCfg)
	if err != nil {
		return fmt.Errorf("failed to start healer: %v", err)
	}
	metrics.RegisterComponent("healer", true, "hydrated")
	fmt.Println("✓ Components hydrated")

	jobProc := processor.NewJobProcessor(coord, healingQueue, clk)
	jobProc.RegisterDefaults(engine, cache)
	scrapeProc := processor.NewScrapeProcessor(engine, scraper.NewGitHub(cfg.Org, cfg.GithubToken), healingQueue, clk)
	healingProc := processor.NewHealingProcessor(heal)

	consumers := []*queue.Consumer{
		queue.NewConsumer(jobQueue, consumerBatchSize, consumerInterval, jobProc.Handle),
		queue.NewConsumer(scrapeQueue, consumerBatchSize, consumerInterval, scrapeProc.Handle),
		queue.NewConsumer(healingQueue, consumerBatchSize, consumerInterval, healingProc.Handle),
	}
	for _, c := range consumers {
		c.Start()
	}
	fmt.Println("✓ Queue consumers started")

	sched := cron.New(coord, engine, heal, healingQueue, cache, clk, time.Duration(cfg.ScrapeInterval)*time.Minute)
	sched.Start()
	fmt.Println("✓ Scheduler started")

	metrics.SetVersion(Version)
	apiServer := api.NewServer(coord, engine, heal, Version)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	fmt.Printf("✓ API listening on %s\n", cfg.ListenAddr)
	fmt.Println()
	fmt.Println("Repowarden is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	sched.Stop()
	for _, c := range consumers {
		c.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
