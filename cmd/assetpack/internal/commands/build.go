package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assetpack/internal/bundler"
	"github.com/wolfeidau/assetpack/internal/logger"
)

type BuildCmd struct {
	Project ProjectFlags `embed:""`
	Dev     bool         `help:"development build: no minification and keep stale output files" default:"false" env:"ASSETPACK_DEV"`
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting build")

	shutdown := c.Project.startTelemetry(ctx, log.Logger, globals.Version)
	defer shutdown()

	file, err := c.Project.load()
	if err != nil {
		return err
	}
	if c.Dev {
		file.Build.Dev = true
	}

	pipeline, err := bundler.New(file.Build)
	if err != nil {
		return fmt.Errorf("failed to create build pipeline: %w", err)
	}

	if err := pipeline.Build(ctx); err != nil {
		return fmt.Errorf("failed to build assets: %w", err)
	}

	log.Info().Str("manifest", pipeline.ManifestPath()).Msg("Build finished")

	return nil
}
