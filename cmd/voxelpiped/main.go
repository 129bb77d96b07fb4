package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"voxelpipe/internal/config"
	"voxelpipe/internal/daemon"
	"voxelpipe/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		OutputPaths: []string{
			"stdout",
			filepath.Join(cfg.Paths.LogDir, "voxelpiped.log"),
		},
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	services, err := daemon.NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("wire services", logging.Error(err))
		return
	}

	d, err := daemon.New(cfg, services, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		_ = services.Close()
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("voxelpiped shutting down")
}
