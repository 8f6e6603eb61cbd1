package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assetpack/internal/bundler"
	"github.com/wolfeidau/assetpack/internal/devserver"
	"github.com/wolfeidau/assetpack/internal/logger"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	Project ProjectFlags `embed:""`
	Listen  string       `help:"override the dev server listen address" default:"" env:"ASSETPACK_LISTEN"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting dev server")

	shutdown := c.Project.startTelemetry(ctx, log.Logger, globals.Version)
	defer shutdown()

	file, err := c.Project.load()
	if err != nil {
		return err
	}

	// watch builds always run in development mode
	file.Build.Dev = true

	pipeline, err := bundler.New(file.Build)
	if err != nil {
		return fmt.Errorf("failed to create build pipeline: %w", err)
	}

	serverConfig := file.DevServer
	serverConfig.Root = pipeline.OutputDir()
	if c.Listen != "" {
		serverConfig.Listen = c.Listen
	}

	server, err := devserver.New(serverConfig)
	if err != nil {
		return fmt.Errorf("failed to create dev server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipeline.Watch(ctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	return g.Wait()
}
