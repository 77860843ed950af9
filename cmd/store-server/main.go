// The store server is the central service of the game distribution
// platform: it hosts the catalog of published games, brokers match
// rooms, and supervises per-room game-server processes. It takes the
// external credential store's port as its single positional argument.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gamestore/internal/server"
	"github.com/gamestore/pkg/config"
	"github.com/gamestore/pkg/logging"
	"github.com/gamestore/pkg/metrics"
)

var (
	version   string = "dev"
	buildTime string = "unknown"
)

const serviceName = "store-server"

func main() {
	var (
		configFile  = flag.String("config", "configs/store-server.yaml", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Game Store Server\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		return
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <credential-store-port>\n", os.Args[0])
		os.Exit(2)
	}
	credPort, err := strconv.Atoi(flag.Arg(0))
	if err != nil || credPort <= 0 || credPort > 65535 {
		fmt.Fprintf(os.Stderr, "Invalid credential store port: %s\n", flag.Arg(0))
		os.Exit(2)
	}

	cfg, err := config.LoadOrDefault(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, cfg.Logging)
	logger.Info("Starting store server", "version", version, "credential_port", credPort)

	var m *metrics.StoreMetrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New("gamestore")
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger.With("component", "metrics"))
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	srv, err := server.New(cfg, credPort, logger, m)
	if err != nil {
		logger.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	if metricsServer != nil {
		metricsServer.Stop()
	}
	logger.Info("Server shut down")
}
