// holorelay is the scene generation and broadcast relay: it consumes
// generation requests from the bus, persists the produced scenes and fans
// live frames out to WebSocket subscribers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/holorelay/holorelay/internal/config"
	"github.com/holorelay/holorelay/internal/logging"
	"github.com/holorelay/holorelay/internal/supervisor"
)

func main() {
	debug := flag.Bool("debug", false, "force debug logging regardless of LOG_LEVEL")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})
	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("Configuration invalid")
		os.Exit(supervisor.ExitConfig)
	}

	level := cfg.LogLevel
	if *debug {
		level = "debug"
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(supervisor.New(cfg, logger).Run(ctx))
}
