package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-pool-dashboard/internal/api"
	"github.com/proxy-pool-dashboard/internal/client"
	"github.com/proxy-pool-dashboard/internal/config"
	"github.com/proxy-pool-dashboard/internal/importer"
	"github.com/proxy-pool-dashboard/internal/metrics"
	"github.com/proxy-pool-dashboard/internal/snapshot"
	"github.com/proxy-pool-dashboard/internal/storage"
	"github.com/proxy-pool-dashboard/internal/synchronizer"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

const defaultConfigPath = "config.json"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to JSON or YAML config file")
	flag.Usage = usage
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg.Logging)

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	if command == "serve" {
		serve(cfg)
		return
	}

	if err := runCommand(cfg, command, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `proxypool-dash v%s

Usage: proxypool-dash [-config path] [command] [args]

Commands:
  serve                      run the refresh loop and the dashboard API (default)
  view                       refresh once and print the view
  stats                      refresh once and print the stats
  add -address A -port P     add a single proxy
  delete ID                  delete a proxy by id
  import [-url U]... [FILE]  bulk import host:port[:user[:pass]] lines ("-" reads stdin)
  validate                   ask the pool to validate every proxy
`, version)
	flag.PrintDefaults()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
			log.Warnf("%s not found, using defaults", path)
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
}

func newClient(cfg *config.Config, metricsCollector *metrics.Collector) (*client.Client, error) {
	apiKey := ""
	if cfg.Upstream.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Upstream.APIKeyEnv)
	}

	return client.New(client.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		Timeout:     cfg.Upstream.Timeout(),
		APIKey:      apiKey,
		SOCKS5Proxy: cfg.Upstream.SOCKS5Proxy,
		Metrics:     metricsCollector,
	})
}

func serve(cfg *config.Config) {
	log.Infof("Starting proxy pool dashboard v%s", version)

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	view := snapshot.NewManager(store, cfg.Storage.PersistIntervalSeconds, metricsCollector)
	defer view.Close()

	if err := view.LoadFromStorage(); err != nil {
		log.Warnf("Failed to restore view: %v (starting empty)", err)
	}

	poolClient, err := newClient(cfg, metricsCollector)
	if err != nil {
		log.Fatalf("Failed to create pool client: %v", err)
	}

	syncer := synchronizer.New(poolClient, view, synchronizer.Options{
		Interval:      cfg.Sync.PollInterval(),
		ValidateDelay: cfg.Sync.ValidateDelay(),
		Metrics:       metricsCollector,
	})
	defer syncer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := syncer.Start(ctx)
	defer poller.Stop()

	fetcher := importer.NewFetcher(cfg.Import.UserAgent, metricsCollector)
	apiServer := api.NewServer(cfg, view, syncer, fetcher, metricsCollector, prometheus.DefaultGatherer)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	log.Infof("Dashboard started, pool API at %s", cfg.Upstream.BaseURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serverErr:
		log.Errorf("Dashboard API failed: %v", err)
	}

	log.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Dashboard API shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
}
