package bundler

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assetpack/internal/logger"
	"github.com/wolfeidau/assetpack/internal/manifest"
	"github.com/wolfeidau/assetpack/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ManifestPluginName is the esbuild plugin name manifest errors are reported under.
const ManifestPluginName = "manifest"

// BuildError carries the esbuild error messages of a failed build.
type BuildError struct {
	Messages []api.Message
}

func (e *BuildError) Error() string {
	parts := make([]string, 0, len(e.Messages))
	for _, msg := range e.Messages {
		text := msg.Text
		if msg.PluginName != "" {
			text = fmt.Sprintf("[plugin %s] %s", msg.PluginName, text)
		}
		parts = append(parts, text)
	}
	return fmt.Sprintf("build failed with %d error(s): %s", len(e.Messages), strings.Join(parts, "; "))
}

// Pipeline manages the bundler build process
type Pipeline struct {
	config   Config
	manifest *manifest.Plugin
	metadata *BuildMetadata
	mu       sync.RWMutex
}

// New validates the configuration and creates a pipeline, failing before any build starts.
func New(config Config) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		config.WorkingDir = wd
	}

	plugin, err := manifest.New(config.Manifest)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		config:   config,
		manifest: plugin,
	}, nil
}

// Config returns the validated configuration with defaults applied.
func (p *Pipeline) Config() Config {
	return p.config
}

// OutputDir returns the absolute output directory.
func (p *Pipeline) OutputDir() string {
	return p.config.resolve(p.config.OutputDir)
}

// ManifestPath returns the file the manifest plugin writes.
func (p *Pipeline) ManifestPath() string {
	return p.manifest.Target(p.OutputDir())
}

// Options maps the configuration onto esbuild build options, including all plugins.
func (p *Pipeline) Options() api.BuildOptions {
	c := p.config
	production := !c.Dev

	define := maps.Clone(c.Define)
	if define == nil {
		define = map[string]string{}
	}

	return api.BuildOptions{
		AbsWorkingDir:     c.WorkingDir,
		EntryPoints:       c.EntryPoints,
		Bundle:            true,
		Write:             true,
		Outdir:            p.OutputDir(),
		EntryNames:        c.EntryNames,
		AssetNames:        c.AssetNames,
		PublicPath:        c.PublicPath,
		Platform:          api.PlatformBrowser,
		Format:            api.FormatIIFE,
		MinifyWhitespace:  production,
		MinifyIdentifiers: production,
		MinifySyntax:      production,
		Sourcemap:         cond(c.SourceMap, api.SourceMapLinked, api.SourceMapNone),
		Define:            define,
		Loader: map[string]api.Loader{
			".module.css": api.LoaderLocalCSS,
		},
		ResolveExtensions: c.Extensions,
		Alias:             maps.Clone(c.Fallback),
		Metafile:          true,
		LogLevel:          api.LogLevelSilent,
		Plugins:           p.plugins(),
	}
}

func (p *Pipeline) plugins() []api.Plugin {
	c := p.config
	var plugins []api.Plugin

	aliases := make(map[string]string, len(c.Alias))
	for prefix, dir := range c.Alias {
		aliases[prefix] = c.resolve(dir)
	}
	plugins = append(plugins, aliasPlugin(aliases))

	if c.StyleInject != "" {
		plugins = append(plugins, styleInjectPlugin(c.StyleInject))
	}
	if c.Images.Filter != "" {
		plugins = append(plugins, imagePlugin(c.Images.Filter, int64(c.Images.InlineLimitKiB)*1024))
	}

	// OnEnd callbacks run in registration order: stale files go first, and the page must exist
	// before the manifest lists it.
	if !c.Dev {
		htmlPath := filepath.Join(p.OutputDir(), c.HTML.Filename)
		plugins = append(plugins, cleanPlugin(p.OutputDir(), c.WorkingDir, htmlPath, p.ManifestPath()))
	}

	bt := &buildTrace{}

	plugins = append(plugins,
		htmlPlugin(c.HTML, c.EntryPoints, c.resolve(c.HTML.Template), c.PublicPath, p.OutputDir(), c.WorkingDir),
		HostPlugin(ManifestPluginName, bt.context, p.manifest.Register),
		p.reportPlugin(bt),
	)

	return plugins
}

// buildTrace holds the span of the build in flight so later plugins can nest under it.
type buildTrace struct {
	mu      sync.Mutex
	ctx     context.Context
	span    trace.Span
	started time.Time
}

func (b *buildTrace) start() {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(context.Background(), "bundler.build")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx, b.span, b.started = ctx, span, time.Now()
}

// context returns the context of the build in flight, or context.Background between builds.
func (b *buildTrace) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// finish hands over the current span and resets the tracker. A build that never started one
// gets a fresh span.
func (b *buildTrace) finish() (context.Context, trace.Span, time.Time) {
	b.mu.Lock()
	ctx, span, started := b.ctx, b.span, b.started
	b.ctx, b.span = nil, nil
	b.mu.Unlock()

	if span == nil {
		ctx, span = otel.Tracer(telemetry.TracerName).Start(context.Background(), "bundler.build")
		started = time.Now()
	}
	return ctx, span, started
}

// reportPlugin logs and records metrics for every build, including watch rebuilds.
func (p *Pipeline) reportPlugin(bt *buildTrace) api.Plugin {
	return api.Plugin{
		Name: "report",
		Setup: func(build api.PluginBuild) {
			build.OnStart(func() (api.OnStartResult, error) {
				bt.start()
				return api.OnStartResult{}, nil
			})

			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				ctx, span, started := bt.finish()
				defer span.End()

				p.record(ctx, span, started, result)
				return api.OnEndResult{}, nil
			})
		},
	}
}

func (p *Pipeline) record(ctx context.Context, span trace.Span, started time.Time, result *api.BuildResult) {
	metrics := telemetry.GetMetrics()
	success := len(result.Errors) == 0
	attrs := metric.WithAttributes(attribute.Bool("success", success))

	metrics.BuildsTotal.Add(ctx, 1, attrs)
	metrics.BuildDuration.Record(ctx, telemetry.Milliseconds(time.Since(started)), attrs)

	logger.LogMessages(log.Logger, zerolog.WarnLevel, result.Warnings)

	if !success {
		metrics.BuildErrorsTotal.Add(ctx, 1)
		logger.LogMessages(log.Logger, zerolog.ErrorLevel, result.Errors)
		span.SetStatus(codes.Error, "build failed")
		return
	}

	metrics.OutputFilesTotal.Add(ctx, int64(len(result.OutputFiles)))
	span.SetAttributes(attribute.Int("output_files", len(result.OutputFiles)))

	for _, file := range result.OutputFiles {
		log.Info().Str("file", file.Path).Int("bytes", len(file.Contents)).Msg("Built file")
	}

	if result.Metafile != "" {
		if outputs, err := orderedOutputs(result.Metafile); err == nil {
			metadata := &BuildMetadata{Outputs: make(map[string]OutputInfo, len(outputs))}
			for _, out := range outputs {
				metadata.Outputs[out.Path] = out.Info
			}
			p.mu.Lock()
			p.metadata = metadata
			p.mu.Unlock()
		}
	}

	log.Info().
		Dur("duration", time.Since(started)).
		Int("files", len(result.OutputFiles)).
		Msg("Build complete")
}

// Build runs a single build with the configured settings. The manifest is written as part of the
// build; a manifest failure fails the build with an error attributed to the manifest plugin.
func (p *Pipeline) Build(ctx context.Context) error {
	log.Info().Strs("entrypoints", p.config.EntryPoints).Str("outdir", p.OutputDir()).Msg("Building assets")

	bctx, cerr := api.Context(p.Options())
	if cerr != nil {
		return &BuildError{Messages: cerr.Errors}
	}
	defer bctx.Dispose()

	stop := context.AfterFunc(ctx, bctx.Cancel)
	defer stop()

	result := bctx.Rebuild()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("build canceled: %w", err)
	}

	if len(result.Errors) > 0 {
		return &BuildError{Messages: result.Errors}
	}

	return nil
}

// Watch builds once and then rebuilds on every source change until ctx is done.
func (p *Pipeline) Watch(ctx context.Context) error {
	bctx, cerr := api.Context(p.Options())
	if cerr != nil {
		return &BuildError{Messages: cerr.Errors}
	}
	defer bctx.Dispose()

	if err := bctx.Watch(api.WatchOptions{}); err != nil {
		return fmt.Errorf("failed to start watch mode: %w", err)
	}

	log.Info().Strs("entrypoints", p.config.EntryPoints).Str("outdir", p.OutputDir()).Msg("Watching for changes")

	<-ctx.Done()

	return nil
}

// Outputs returns the metafile outputs of the most recent successful build.
func (p *Pipeline) Outputs() (map[string]OutputInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.metadata == nil {
		return nil, false
	}
	return maps.Clone(p.metadata.Outputs), true
}

func cond[T any](condition bool, trueVal, falseVal T) T {
	if condition {
		return trueVal
	}
	return falseVal
}
