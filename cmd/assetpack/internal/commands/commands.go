package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/assetpack/internal/config"
	"github.com/wolfeidau/assetpack/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

// ProjectFlags are shared by every command that loads the project config.
type ProjectFlags struct {
	Config   string `help:"path to the project config file" default:"assetpack.yaml" env:"ASSETPACK_CONFIG"`
	Outdir   string `help:"override the output directory" default:"" env:"ASSETPACK_OUTDIR"`
	Manifest string `help:"override the manifest path, relative to the output directory" default:"" env:"ASSETPACK_MANIFEST"`
	Tracing  bool   `help:"enable tracing and metrics export over OTLP" default:"false" env:"ASSETPACK_TRACING"`
}

// load reads the config file and applies flag overrides. The file is only
// required when the user pointed at one explicitly.
func (f *ProjectFlags) load() (config.File, error) {
	file, err := config.Load(f.Config, f.Config != config.DefaultFile)
	if err != nil {
		return file, err
	}

	if f.Outdir != "" {
		file.Build.OutputDir = f.Outdir
	}
	if f.Manifest != "" {
		file.Build.Manifest.Path = f.Manifest
	}

	if err := file.Build.Validate(); err != nil {
		return file, fmt.Errorf("invalid build options: %w", err)
	}

	return file, nil
}

// startTelemetry returns a shutdown func that is always safe to call.
func (f *ProjectFlags) startTelemetry(ctx context.Context, log zerolog.Logger, version string) func() {
	if !f.Tracing {
		return func() {}
	}

	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, "assetpack", version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}
