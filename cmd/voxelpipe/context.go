package main

import (
	"context"

	"voxelpipe/internal/config"
	"voxelpipe/internal/daemon"
	"voxelpipe/internal/logging"
)

// commandContext lazily loads configuration and wires services so commands
// that never touch the pipeline (help, config show) stay cheap.
type commandContext struct {
	configFlag *string

	cfg      *config.Config
	services *daemon.Services
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) ensureServices(ctx context.Context) (*daemon.Services, error) {
	if c.services != nil {
		return c.services, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Level: "warn", Format: "console"})
	if err != nil {
		return nil, err
	}
	services, err := daemon.NewServices(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.services = services
	return services, nil
}

func (c *commandContext) close() {
	if c.services != nil {
		_ = c.services.Close()
		c.services = nil
	}
}
