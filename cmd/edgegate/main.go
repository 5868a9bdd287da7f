package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/gateway"
	"github.com/teamy2/edgegate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/edgegate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgegate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadBootstrap(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting edgegate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Listen),
		zap.Int("static_domains", len(cfg.StaticDomains)),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.WatchConfig(*configPath, level); err != nil {
		logging.Warn("Config watch disabled", zap.Error(err))
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
