// Package main implements the unified vigil binary.
// It can run the HTTP ingress and the queue consumer together or individually
// based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/vigilwear/vigil/internal/app"
	"github.com/vigilwear/vigil/internal/config"
	"github.com/vigilwear/vigil/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, serve, consume")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address for the ingress API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Vigil - Wearable Event Admission and Routing Core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: vigil [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  vigil --data-dir /data/vigil\n")
		fmt.Fprintf(os.Stderr, "  vigil --mode serve --http-addr :8080\n")
		fmt.Fprintf(os.Stderr, "  vigil --config /etc/vigil/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  VIGIL_MODE                Service mode (all, serve, consume)\n")
		fmt.Fprintf(os.Stderr, "  VIGIL_DATA_DIR            Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  VIGIL_HTTP_ADDR           HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  VIGIL_DISPATCH_ENDPOINT   Alert notification sink URL\n")
		fmt.Fprintf(os.Stderr, "  VIGIL_CONSUMER_QUEUE_URL  SQS queue to consume\n")
		fmt.Fprintf(os.Stderr, "  VIGIL_STORAGE_TYPE        Batch sink type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("vigil version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting vigil",
		zap.String("version", version),
		zap.String("mode", string(cfg.Mode)),
		zap.String("data_dir", cfg.DataDir),
		zap.String("storage", cfg.Storage.Type))

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	if err := application.Run(context.Background()); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority order.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}
