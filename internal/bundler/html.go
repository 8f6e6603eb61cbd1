package bundler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>App</title>
</head>
<body>
</body>
</html>
`

// pageAssets are the public URLs injected into the generated page.
type pageAssets struct {
	Scripts []string
	Styles  []string
}

// htmlPlugin renders the page template with the build's entry scripts and stylesheets once the
// bundle is written, and appends the page to the build's output files.
func htmlPlugin(config HTMLConfig, entryPoints []string, templatePath, publicPath, outputDir, workingDir string) api.Plugin {
	return api.Plugin{
		Name: "html",
		Setup: func(build api.PluginBuild) {
			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				if len(result.Errors) > 0 {
					return api.OnEndResult{}, nil
				}

				var metadata BuildMetadata
				if err := json.Unmarshal([]byte(result.Metafile), &metadata); err != nil {
					return api.OnEndResult{}, fmt.Errorf("failed to parse metafile: %w", err)
				}

				assets, err := entryAssets(metadata, entryPoints, publicPath, outputDir, workingDir)
				if err != nil {
					return api.OnEndResult{}, err
				}

				tmpl := []byte(defaultTemplate)
				if templatePath != "" {
					if tmpl, err = os.ReadFile(templatePath); err != nil {
						return api.OnEndResult{}, fmt.Errorf("failed to read html template: %w", err)
					}
				}

				page, err := renderPage(tmpl, assets)
				if err != nil {
					return api.OnEndResult{}, err
				}

				target := filepath.Join(outputDir, config.Filename)
				if err := os.WriteFile(target, page, 0644); err != nil {
					return api.OnEndResult{}, fmt.Errorf("failed to write html page: %w", err)
				}

				result.OutputFiles = append(result.OutputFiles, api.OutputFile{Path: target, Contents: page})

				log.Debug().
					Str("path", target).
					Strs("scripts", assets.Scripts).
					Strs("styles", assets.Styles).
					Msg("Generated html page")

				return api.OnEndResult{}, nil
			})
		},
	}
}

// entryAssets collects the entry point outputs and their css bundles in the order the entry points
// are configured. Outputs of entries the configuration does not name follow, sorted by path.
func entryAssets(metadata BuildMetadata, entryPoints []string, publicPath, outputDir, workingDir string) (pageAssets, error) {
	var assets pageAssets

	rank := make(map[string]int, len(entryPoints))
	for i, entry := range entryPoints {
		key := entryKey(entry, workingDir)
		if _, ok := rank[key]; !ok {
			rank[key] = i
		}
	}

	order := func(outputPath string) int {
		if i, ok := rank[entryKey(metadata.Outputs[outputPath].EntryPoint, workingDir)]; ok {
			return i
		}
		return len(entryPoints)
	}

	outputs := make([]string, 0, len(metadata.Outputs))
	for outputPath, info := range metadata.Outputs {
		if info.EntryPoint != "" && strings.HasSuffix(outputPath, ".js") {
			outputs = append(outputs, outputPath)
		}
	}
	sort.Slice(outputs, func(i, j int) bool {
		oi, oj := order(outputs[i]), order(outputs[j])
		if oi != oj {
			return oi < oj
		}
		return outputs[i] < outputs[j]
	})

	for _, outputPath := range outputs {
		script, err := publicURL(publicPath, outputDir, workingDir, outputPath)
		if err != nil {
			return assets, err
		}
		assets.Scripts = append(assets.Scripts, script)

		if bundle := metadata.Outputs[outputPath].CSSBundle; bundle != "" {
			style, err := publicURL(publicPath, outputDir, workingDir, bundle)
			if err != nil {
				return assets, err
			}
			assets.Styles = append(assets.Styles, style)
		}
	}

	return assets, nil
}

// entryKey normalizes a configured entry point or a metafile entryPoint to a slash path relative
// to the working directory.
func entryKey(entry, workingDir string) string {
	if filepath.IsAbs(entry) {
		if rel, err := filepath.Rel(workingDir, entry); err == nil {
			entry = rel
		}
	}
	return path.Clean(filepath.ToSlash(entry))
}

func publicURL(publicPath, outputDir, workingDir, metaPath string) (string, error) {
	abs := filepath.Join(workingDir, filepath.FromSlash(metaPath))

	rel, err := relativeAsset(outputDir, abs)
	if err != nil {
		return "", err
	}

	if publicPath == "" {
		return rel, nil
	}
	if strings.HasSuffix(publicPath, "/") {
		return publicPath + rel, nil
	}
	return path.Join(publicPath, rel), nil
}

// renderPage injects stylesheet links and deferred scripts at the end of <head>.
func renderPage(tmpl []byte, assets pageAssets) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(tmpl))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html template: %w", err)
	}

	head := findElement(doc, atom.Head)
	if head == nil {
		return nil, errors.New("html template has no head element")
	}

	for _, href := range assets.Styles {
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "link",
			DataAtom: atom.Link,
			Attr: []html.Attribute{
				{Key: "rel", Val: "stylesheet"},
				{Key: "href", Val: href},
			},
		})
	}

	for _, src := range assets.Scripts {
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "script",
			DataAtom: atom.Script,
			Attr: []html.Attribute{
				{Key: "defer"},
				{Key: "src", Val: src},
			},
		})
	}

	buf := new(bytes.Buffer)
	if err := html.Render(buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render html page: %w", err)
	}

	return buf.Bytes(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
