package bundler

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/wolfeidau/assetpack/internal/manifest"
)

type Config struct {
	// Entry points relative to the working directory (e.g., "./main.js")
	EntryPoints []string `yaml:"entry"`
	// Output directory for built files
	OutputDir string `yaml:"outdir"`
	// URL prefix used for emitted asset references and injected HTML tags
	PublicPath string `yaml:"publicPath"`
	// esbuild entry name template
	EntryNames string `yaml:"entryNames"`
	// esbuild asset name template for files emitted by the image loader
	AssetNames string `yaml:"assetNames"`
	// Whether to emit linked source maps
	SourceMap bool `yaml:"sourceMap"`
	// Development mode disables minification and the clean step
	Dev bool `yaml:"dev"`
	// Global identifier replacements, values are JS expressions
	Define map[string]string `yaml:"define"`
	// Extensions tried when an import omits one
	Extensions []string `yaml:"extensions"`
	// Import prefix to directory, e.g. "@" -> "src"
	Alias map[string]string `yaml:"alias"`
	// Package substitutions for node builtins, e.g. "path" -> "path-browserify"
	Fallback map[string]string `yaml:"fallback"`
	// Files matching this pattern are loaded as JS that injects a <style> element
	StyleInject string `yaml:"styleInject"`

	Images   ImageConfig     `yaml:"images"`
	HTML     HTMLConfig      `yaml:"html"`
	Manifest manifest.Config `yaml:"manifest"`

	// Directory relative paths resolve against, defaults to the process working directory
	WorkingDir string `yaml:"-"`
}

type ImageConfig struct {
	// Files matching this pattern go through the image loader
	Filter string `yaml:"filter"`
	// Images at or below this size in KiB are inlined as data URLs
	InlineLimitKiB int `yaml:"inlineLimit"`
}

type HTMLConfig struct {
	// Template file, an empty value uses a minimal built-in page
	Template string `yaml:"template"`
	// Name of the generated page inside the output directory
	Filename string `yaml:"filename"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		EntryPoints: []string{"./main.js"},
		OutputDir:   "./dist/app",
		PublicPath:  "/",
		EntryNames:  "index-[hash]",
		AssetNames:  "assets/[name]-[hash]",
		SourceMap:   true,
		Define: map[string]string{
			"process.env.NODE_ENV": `"production"`,
		},
		Extensions: []string{".js", ".css"},
		Alias: map[string]string{
			"@":    "src",
			"@css": "src/assets/css",
		},
		Fallback: map[string]string{
			"path": "path-browserify",
		},
		StyleInject: `index\.css$`,
		Images: ImageConfig{
			Filter:         `\.(jpg|png|gif)$`,
			InlineLimitKiB: 200,
		},
		HTML: HTMLConfig{
			Template: "./public/index.html",
			Filename: "index.html",
		},
		Manifest: manifest.Config{
			Path: manifest.DefaultPath,
		},
	}
}

// Validate reports configuration problems before any build starts.
func (c Config) Validate() error {
	if len(c.EntryPoints) == 0 {
		return errors.New("at least one entry point is required")
	}
	if c.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if c.EntryNames == "" {
		return errors.New("entry names template is required")
	}
	if c.Images.InlineLimitKiB < 0 {
		return fmt.Errorf("image inline limit must not be negative: %d", c.Images.InlineLimitKiB)
	}
	if c.HTML.Filename == "" || filepath.Base(c.HTML.Filename) != c.HTML.Filename {
		return fmt.Errorf("html filename must be a plain file name: %q", c.HTML.Filename)
	}

	for name, pattern := range map[string]string{"styleInject": c.StyleInject, "images.filter": c.Images.Filter} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid %s pattern: %w", name, err)
		}
	}

	if err := c.Manifest.Validate(); err != nil {
		return fmt.Errorf("invalid manifest options: %w", err)
	}

	for prefix, dir := range c.Alias {
		if prefix == "" || dir == "" {
			return fmt.Errorf("alias %q -> %q must have a prefix and a directory", prefix, dir)
		}
	}

	return nil
}

// resolve returns path made absolute against the working directory.
func (c Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkingDir, path)
}
