package bundler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
)

// ErrUnsafeClean is returned when cleaning would reach outside a dedicated output directory.
var ErrUnsafeClean = errors.New("refusing to clean directory")

// cleanPlugin removes files left in dir by earlier builds once a build succeeds. Files emitted by the
// current build and the paths in keep survive.
func cleanPlugin(dir, workingDir string, keep ...string) api.Plugin {
	return api.Plugin{
		Name: "clean",
		Setup: func(build api.PluginBuild) {
			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				if len(result.Errors) > 0 {
					return api.OnEndResult{}, nil
				}

				live := make(map[string]bool, len(result.OutputFiles)+len(keep))
				for _, file := range result.OutputFiles {
					live[filepath.Clean(file.Path)] = true
				}
				for _, path := range keep {
					live[filepath.Clean(path)] = true
				}

				return api.OnEndResult{}, cleanDir(dir, workingDir, live)
			})
		},
	}
}

func cleanDir(dir, workingDir string, live map[string]bool) error {
	if dir == "" || !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not an absolute path", ErrUnsafeClean, dir)
	}

	dir = filepath.Clean(dir)
	if dir == filepath.Dir(dir) {
		return fmt.Errorf("%w: %s is a filesystem root", ErrUnsafeClean, dir)
	}

	// the working directory is dir itself or lives somewhere below it
	if rel, err := filepath.Rel(dir, workingDir); err == nil && (rel == "." || filepath.IsLocal(rel)) {
		return fmt.Errorf("%w: %s contains the working directory", ErrUnsafeClean, dir)
	}

	var (
		stale []string
		dirs  []string
	)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !live[path] {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to scan output directory: %w", err)
	}

	for _, path := range stale {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	// deepest first; non-empty directories fail to remove and are kept
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}

	if len(stale) > 0 {
		log.Debug().Str("dir", dir).Int("removed", len(stale)).Msg("Removed stale output files")
	}

	return nil
}

// aliasPlugin maps import prefixes such as "@/" onto directories, then lets esbuild resolve the result.
func aliasPlugin(aliases map[string]string) api.Plugin {
	prefixes := make([]string, 0, len(aliases))
	for prefix := range aliases {
		prefixes = append(prefixes, prefix)
	}
	// longest first so "@css" wins over "@"
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	quoted := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		quoted = append(quoted, regexp.QuoteMeta(prefix))
	}
	filter := "^(" + strings.Join(quoted, "|") + ")(/|$)"

	return api.Plugin{
		Name: "alias",
		Setup: func(build api.PluginBuild) {
			if len(prefixes) == 0 {
				return
			}

			build.OnResolve(api.OnResolveOptions{Filter: filter}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				target, ok := applyAlias(prefixes, aliases, args.Path)
				if !ok {
					return api.OnResolveResult{}, nil
				}

				res := build.Resolve(target, api.ResolveOptions{
					Importer:   args.Importer,
					ResolveDir: args.ResolveDir,
					Kind:       args.Kind,
				})
				if len(res.Errors) > 0 {
					return api.OnResolveResult{Errors: res.Errors, Warnings: res.Warnings}, nil
				}

				return api.OnResolveResult{
					Path:      res.Path,
					Namespace: res.Namespace,
					External:  res.External,
					Suffix:    res.Suffix,
					Warnings:  res.Warnings,
				}, nil
			})
		},
	}
}

func applyAlias(prefixes []string, aliases map[string]string, path string) (string, bool) {
	for _, prefix := range prefixes {
		if path == prefix {
			return aliases[prefix], true
		}
		if rest, ok := strings.CutPrefix(path, prefix+"/"); ok {
			return filepath.Join(aliases[prefix], filepath.FromSlash(rest)), true
		}
	}
	return "", false
}

// styleInjectPlugin loads matching stylesheets as JS modules that append a <style> element.
func styleInjectPlugin(filter string) api.Plugin {
	return api.Plugin{
		Name: "style-inject",
		Setup: func(build api.PluginBuild) {
			build.OnLoad(api.OnLoadOptions{Filter: filter, Namespace: "file"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				css, err := os.ReadFile(args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}

				contents, err := styleModule(string(css))
				if err != nil {
					return api.OnLoadResult{}, err
				}

				return api.OnLoadResult{
					Contents:   &contents,
					Loader:     api.LoaderJS,
					ResolveDir: filepath.Dir(args.Path),
				}, nil
			})
		},
	}
}

func styleModule(css string) (string, error) {
	quoted, err := json.Marshal(css)
	if err != nil {
		return "", err
	}

	return "const css = " + string(quoted) + ";\n" +
		"const style = document.createElement(\"style\");\n" +
		"style.textContent = css;\n" +
		"document.head.appendChild(style);\n" +
		"export default css;\n", nil
}

// imagePlugin inlines images up to limit bytes as data URLs and emits larger ones as files.
func imagePlugin(filter string, limit int64) api.Plugin {
	return api.Plugin{
		Name: "image",
		Setup: func(build api.PluginBuild) {
			build.OnLoad(api.OnLoadOptions{Filter: filter, Namespace: "file"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				data, err := os.ReadFile(args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}

				contents := string(data)
				loader := api.LoaderFile
				if int64(len(data)) <= limit {
					loader = api.LoaderDataURL
				}

				return api.OnLoadResult{
					Contents: &contents,
					Loader:   loader,
				}, nil
			})
		},
	}
}
