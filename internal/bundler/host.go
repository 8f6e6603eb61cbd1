package bundler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assetpack/internal/manifest"
)

var _ manifest.Hooks = (*esbuildHooks)(nil)

// esbuildHooks exposes an esbuild plugin build as a manifest.Hooks registry.
type esbuildHooks struct {
	name       string
	context    func() context.Context
	build      api.PluginBuild
	outputDir  string
	workingDir string
}

// HostPlugin returns an esbuild plugin that hands its hook registry to register during setup.
// buildContext supplies the context done listeners run with; nil means context.Background.
func HostPlugin(name string, buildContext func() context.Context, register func(manifest.Hooks)) api.Plugin {
	if buildContext == nil {
		buildContext = context.Background
	}

	return api.Plugin{
		Name: name,
		Setup: func(build api.PluginBuild) {
			opts := build.InitialOptions

			outputDir := opts.Outdir
			if outputDir == "" && opts.Outfile != "" {
				outputDir = filepath.Dir(opts.Outfile)
			}
			if outputDir != "" && !filepath.IsAbs(outputDir) {
				outputDir = filepath.Join(opts.AbsWorkingDir, outputDir)
			}

			register(&esbuildHooks{
				name:       name,
				context:    buildContext,
				build:      build,
				outputDir:  outputDir,
				workingDir: opts.AbsWorkingDir,
			})
		},
	}
}

func (h *esbuildHooks) OnDone(fn manifest.DoneFunc) {
	h.build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
		if len(result.Errors) > 0 {
			log.Debug().
				Str("plugin", h.name).
				Int("errors", len(result.Errors)).
				Msg("Skipping done hook for failed build")
			return api.OnEndResult{}, nil
		}

		done, err := BuildResultFrom(h.outputDir, h.workingDir, result)
		if err != nil {
			return api.OnEndResult{}, err
		}

		return api.OnEndResult{}, fn(h.context(), done)
	})
}

// BuildResultFrom converts an esbuild result into the output set handed to done listeners.
// Output files are used when present; otherwise the metafile outputs are read in document order.
func BuildResultFrom(outputDir, workingDir string, result *api.BuildResult) (manifest.BuildResult, error) {
	done := manifest.BuildResult{OutputDir: outputDir}

	if result == nil {
		return done, fmt.Errorf("%w: build result is nil", manifest.ErrHostContract)
	}

	if len(result.OutputFiles) > 0 {
		for _, file := range result.OutputFiles {
			rel, err := relativeAsset(outputDir, file.Path)
			if err != nil {
				return done, err
			}
			done.Assets = append(done.Assets, manifest.Asset{Path: rel, Size: int64(len(file.Contents))})
		}
		return done, nil
	}

	if result.Metafile == "" {
		return done, nil
	}

	outputs, err := orderedOutputs(result.Metafile)
	if err != nil {
		return done, err
	}

	for _, out := range outputs {
		path := out.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, filepath.FromSlash(path))
		}

		rel, err := relativeAsset(outputDir, path)
		if err != nil {
			return done, err
		}
		done.Assets = append(done.Assets, manifest.Asset{Path: rel, Size: out.Info.Bytes})
	}

	return done, nil
}

func relativeAsset(outputDir, path string) (string, error) {
	if outputDir == "" {
		return "", fmt.Errorf("%w: output directory is unknown", manifest.ErrHostContract)
	}

	rel, err := filepath.Rel(outputDir, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", manifest.ErrHostContract, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", manifest.ErrHostContract, path, outputDir)
	}

	return filepath.ToSlash(rel), nil
}
