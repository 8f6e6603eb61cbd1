// Package manifest writes a plain text listing of the files emitted by a build.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assetpack/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// DefaultPath is the manifest file name used when none is configured.
const DefaultPath = "fileList.md"

type Config struct {
	// Manifest file name or path, relative paths resolve against the output directory
	Path string `yaml:"path"`
	// Prepend a "# <n> files" summary line
	Header bool `yaml:"header"`
	// Sort lines lexically instead of keeping host emission order
	Sort bool `yaml:"sort"`
}

// Plugin writes the manifest after each completed build.
type Plugin struct {
	config Config

	createTemp func(dir, pattern string) (*os.File, error)
	rename     func(oldpath, newpath string) error
}

// New validates the configuration and returns a plugin ready to register.
func New(config Config) (*Plugin, error) {
	if config.Path == "" {
		config.Path = DefaultPath
	}

	if err := validatePath(config.Path); err != nil {
		return nil, err
	}

	return &Plugin{
		config:     config,
		createTemp: os.CreateTemp,
		rename:     os.Rename,
	}, nil
}

// Validate reports whether the configured path can name a manifest file.
// An empty path is valid and means DefaultPath.
func (c Config) Validate() error {
	if c.Path == "" {
		return nil
	}
	return validatePath(c.Path)
}

func validatePath(p string) error {
	switch {
	case strings.TrimSpace(p) == "":
		return fmt.Errorf("%w: %q is blank", ErrInvalidPath, p)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidPath, p)
	case strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator)):
		return fmt.Errorf("%w: %q names a directory", ErrInvalidPath, p)
	}

	switch filepath.Base(filepath.Clean(p)) {
	case ".", "..", string(filepath.Separator):
		return fmt.Errorf("%w: %q names a directory", ErrInvalidPath, p)
	}

	return nil
}

// Config returns the effective configuration.
func (p *Plugin) Config() Config {
	return p.config
}

// Register subscribes the plugin to the host's build completion event.
func (p *Plugin) Register(hooks Hooks) {
	hooks.OnDone(p.Done)
}

// Target returns the file the manifest is written to for the given output directory.
func (p *Plugin) Target(outputDir string) string {
	if filepath.IsAbs(p.config.Path) {
		return filepath.Clean(p.config.Path)
	}
	return filepath.Join(outputDir, p.config.Path)
}

// Done writes the manifest for a completed build, replacing any previous manifest.
func (p *Plugin) Done(ctx context.Context, result BuildResult) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "manifest.write")
	defer span.End()

	started := time.Now()
	metrics := telemetry.GetMetrics()

	err := p.write(result)

	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	metrics.ManifestWritesTotal.Add(ctx, 1, attrs)
	metrics.ManifestWriteDuration.Record(ctx, telemetry.Milliseconds(time.Since(started)), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	metrics.ManifestAssetsTotal.Add(ctx, int64(len(result.Assets)))
	span.SetAttributes(attribute.Int("assets", len(result.Assets)))

	return nil
}

func (p *Plugin) write(result BuildResult) error {
	if result.OutputDir == "" && !filepath.IsAbs(p.config.Path) {
		return fmt.Errorf("%w: output directory is empty", ErrHostContract)
	}

	for i, a := range result.Assets {
		if err := checkAssetPath(a.Path); err != nil {
			return fmt.Errorf("%w: asset %d: %v", ErrHostContract, i, err)
		}
	}

	target := p.Target(result.OutputDir)
	data := Format(p.config, result.Assets)

	if err := p.writeFile(target, data); err != nil {
		return &WriteError{Path: target, Err: err}
	}

	log.Info().
		Str("path", target).
		Int("assets", len(result.Assets)).
		Msg("Wrote manifest")

	return nil
}

func checkAssetPath(p string) error {
	if p == "" {
		return errors.New("empty path")
	}
	if strings.ContainsAny(p, "\r\n") {
		return fmt.Errorf("path %q contains a line break", p)
	}
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return fmt.Errorf("path %q is not relative to the output directory", p)
	}
	if c := path.Clean(p); c == ".." || strings.HasPrefix(c, "../") {
		return fmt.Errorf("path %q escapes the output directory", p)
	}
	return nil
}

// Format renders the manifest document for the given assets.
func Format(config Config, assets []Asset) []byte {
	lines := make([]string, 0, len(assets))
	for _, a := range assets {
		lines = append(lines, a.Path)
	}

	if config.Sort {
		slices.Sort(lines)
	}

	buf := new(bytes.Buffer)

	if config.Header {
		buf.WriteString("# " + strconv.Itoa(len(lines)) + " files\n")
	}

	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

// writeFile writes data to a temp file next to target and renames it into place.
func (p *Plugin) writeFile(target string, data []byte) (err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := p.createTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warn().Err(rmErr).Str("path", tempPath).Msg("Failed to remove temp manifest")
			}
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = p.rename(tempPath, target); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	return nil
}
