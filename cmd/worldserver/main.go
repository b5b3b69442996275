// Command worldserver runs one instance of the session/world server: it
// loads configuration, opens the durable store, and serves /ws, /healthz,
// and /metrics until an interrupt or SIGTERM asks it to shut down.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/odinvoxel/worldserver/internal/config"
	"github.com/odinvoxel/worldserver/internal/logging"
	"github.com/odinvoxel/worldserver/internal/serverapp"
	"github.com/odinvoxel/worldserver/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[world] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container's cgroup CPU limit
	// before anything else starts consuming goroutines.
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open durable store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		}
	}()

	app := serverapp.New(cfg, st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("shutdown complete")
}
