package manifest

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned by New when the configured manifest path can never be written.
	ErrInvalidPath = errors.New("invalid manifest path")
	// ErrHostContract is returned when the build result handed to the plugin is malformed.
	ErrHostContract = errors.New("build result violates host contract")
)

// Asset is one emitted output file.
type Asset struct {
	// Path relative to the output directory, using forward slashes
	Path string
	// Size in bytes
	Size int64
}

// BuildResult is the finalized output of a completed build.
type BuildResult struct {
	// OutputDir is the absolute directory assets were emitted into
	OutputDir string
	// Assets in the order the host emitted them
	Assets []Asset
}

// Paths returns the asset paths in host order.
func (r BuildResult) Paths() []string {
	paths := make([]string, 0, len(r.Assets))
	for _, a := range r.Assets {
		paths = append(paths, a.Path)
	}
	return paths
}

// DoneFunc is invoked once per completed build. ctx carries the host's build
// span, if any.
type DoneFunc func(ctx context.Context, result BuildResult) error

// Hooks is the registry a host exposes to plugins during setup.
type Hooks interface {
	OnDone(fn DoneFunc)
}

// WriteError indicates the manifest could not be written; the previous manifest, if any, is untouched.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("manifest: failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
