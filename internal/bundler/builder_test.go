package bundler

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testTemplate = `<!DOCTYPE html>
<html>
<head><title>Test</title></head>
<body><div id="app"></div></body>
</html>
`

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, contents := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
}

func testProject(t *testing.T) Config {
	t.Helper()

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.js": `import { greet } from "@/greet";
import "./src/index.css";
console.log(greet(process.env.NODE_ENV));
`,
		"src/greet.js":      "export function greet(env) { return \"hello \" + env; }\n",
		"src/index.css":     "body { color: red; }\n",
		"public/index.html": testTemplate,
	})

	config := DefaultConfig()
	config.WorkingDir = root
	return config
}

func manifestLines(t *testing.T, p *Pipeline) []string {
	t.Helper()

	data, err := os.ReadFile(p.ManifestPath())
	require.NoError(t, err)

	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestPipeline_Build(t *testing.T) {
	p, err := New(testProject(t))
	require.NoError(t, err)

	require.NoError(t, p.Build(context.Background()))

	lines := manifestLines(t, p)
	require.NotEmpty(t, lines)
	assert.Equal(t, "index.html", lines[len(lines)-1], "html page is emitted after the bundle")

	entry := regexp.MustCompile(`^index-[A-Z0-9]+\.js$`)
	var scripts []string
	for _, line := range lines {
		assert.FileExists(t, filepath.Join(p.OutputDir(), filepath.FromSlash(line)))
		if entry.MatchString(line) {
			scripts = append(scripts, line)
		}
	}
	require.Len(t, scripts, 1)
	assert.Contains(t, lines, scripts[0]+".map")

	page, err := os.ReadFile(filepath.Join(p.OutputDir(), "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(page), `src="/`+scripts[0]+`"`)
	assert.Contains(t, string(page), `<div id="app">`)

	bundle, err := os.ReadFile(filepath.Join(p.OutputDir(), scripts[0]))
	require.NoError(t, err)
	assert.Contains(t, string(bundle), "production")
	assert.Contains(t, string(bundle), "color: red")

	outputs, ok := p.Outputs()
	require.True(t, ok)
	assert.NotEmpty(t, outputs)
}

func TestPipeline_BuildIsIdempotent(t *testing.T) {
	p, err := New(testProject(t))
	require.NoError(t, err)

	require.NoError(t, p.Build(context.Background()))
	first, err := os.ReadFile(p.ManifestPath())
	require.NoError(t, err)

	require.NoError(t, p.Build(context.Background()))
	second, err := os.ReadFile(p.ManifestPath())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPipeline_BuildRemovesStaleFiles(t *testing.T) {
	config := testProject(t)
	writeFiles(t, config.WorkingDir, map[string]string{
		"dist/app/index-OLD.js":   "old",
		"dist/app/nested/old.css": "old",
		"dist/app/fileList.md":    "index-OLD.js\n",
	})

	p, err := New(config)
	require.NoError(t, err)
	require.NoError(t, p.Build(context.Background()))

	assert.NoFileExists(t, filepath.Join(p.OutputDir(), "index-OLD.js"))
	assert.NoDirExists(t, filepath.Join(p.OutputDir(), "nested"))
	assert.NotContains(t, manifestLines(t, p), "index-OLD.js")
}

func TestPipeline_BuildDevKeepsFiles(t *testing.T) {
	config := testProject(t)
	config.Dev = true
	writeFiles(t, config.WorkingDir, map[string]string{"dist/app/keep.txt": "keep"})

	p, err := New(config)
	require.NoError(t, err)
	require.NoError(t, p.Build(context.Background()))

	assert.FileExists(t, filepath.Join(p.OutputDir(), "keep.txt"))
	assert.NotContains(t, manifestLines(t, p), "keep.txt")
}

func TestPipeline_BuildManifestFailure(t *testing.T) {
	config := testProject(t)
	config.Dev = true
	config.Manifest.Path = "blocker/fileList.md"
	writeFiles(t, config.WorkingDir, map[string]string{"dist/app/blocker": "not a directory"})

	p, err := New(config)
	require.NoError(t, err)

	err = p.Build(context.Background())

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Contains(t, err.Error(), "[plugin "+ManifestPluginName+"]")
	assert.Contains(t, err.Error(), "manifest: failed to write")
}

func TestPipeline_BuildCompileFailureKeepsManifest(t *testing.T) {
	config := testProject(t)
	p, err := New(config)
	require.NoError(t, err)

	require.NoError(t, p.Build(context.Background()))
	before, err := os.ReadFile(p.ManifestPath())
	require.NoError(t, err)

	writeFiles(t, config.WorkingDir, map[string]string{"main.js": "export const = ;\n"})

	err = p.Build(context.Background())
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)

	after, err := os.ReadFile(p.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPipeline_BuildImages(t *testing.T) {
	png := string([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0})

	tests := []struct {
		name     string
		limitKiB int
		inlined  bool
	}{
		{name: "small image is inlined", limitKiB: 200, inlined: true},
		{name: "image over the limit is emitted", limitKiB: 0, inlined: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testProject(t)
			config.Images.InlineLimitKiB = tt.limitKiB
			writeFiles(t, config.WorkingDir, map[string]string{
				"main.js":  "import logo from \"./logo.png\";\nconsole.log(logo);\n",
				"logo.png": png,
			})

			p, err := New(config)
			require.NoError(t, err)
			require.NoError(t, p.Build(context.Background()))

			var emitted bool
			for _, line := range manifestLines(t, p) {
				if strings.HasPrefix(line, "assets/logo-") && strings.HasSuffix(line, ".png") {
					emitted = true
				}
			}
			assert.Equal(t, !tt.inlined, emitted)
		})
	}
}

func TestPipeline_Watch(t *testing.T) {
	config := testProject(t)
	config.Dev = true

	p, err := New(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Watch(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(p.ManifestPath())
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.EntryPoints = nil

	_, err := New(config)
	require.Error(t, err)

	config = DefaultConfig()
	config.Manifest.Path = "reports/"
	_, err = New(config)
	require.Error(t, err)
}

func TestPipeline_Options(t *testing.T) {
	config := DefaultConfig()
	config.WorkingDir = "/work"

	p, err := New(config)
	require.NoError(t, err)

	opts := p.Options()
	assert.Equal(t, "/work/dist/app", opts.Outdir)
	assert.Equal(t, "/work/dist/app/fileList.md", p.ManifestPath())
	assert.True(t, opts.Bundle)
	assert.True(t, opts.Metafile)
	assert.True(t, opts.MinifyWhitespace)
	assert.Equal(t, `"production"`, opts.Define["process.env.NODE_ENV"])
	assert.Equal(t, "path-browserify", opts.Alias["path"])

	var names []string
	for _, plugin := range opts.Plugins {
		names = append(names, plugin.Name)
	}
	assert.Equal(t, []string{"alias", "style-inject", "image", "clean", "html", ManifestPluginName, "report"}, names)

	config.Dev = true
	p, err = New(config)
	require.NoError(t, err)
	opts = p.Options()
	assert.False(t, opts.MinifyWhitespace)
	for _, plugin := range opts.Plugins {
		assert.NotEqual(t, "clean", plugin.Name)
	}
}

func TestPipeline_Build_manifestSpanNestsUnderBuild(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	config := testProject(t)
	config.Dev = true

	p, err := New(config)
	require.NoError(t, err)
	require.NoError(t, p.Build(context.Background()))

	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		spans[span.Name()] = span
	}

	require.Contains(t, spans, "bundler.build")
	require.Contains(t, spans, "manifest.write")
	assert.Equal(t, spans["bundler.build"].SpanContext().SpanID(), spans["manifest.write"].Parent().SpanID())
}

func TestBuildTrace(t *testing.T) {
	bt := &buildTrace{}
	assert.Equal(t, context.Background(), bt.context())

	bt.start()
	ctx := bt.context()
	assert.NotEqual(t, context.Background(), ctx)

	gotCtx, span, started := bt.finish()
	assert.Equal(t, ctx, gotCtx)
	assert.NotNil(t, span)
	assert.False(t, started.IsZero())
	span.End()

	assert.Equal(t, context.Background(), bt.context())

	_, span, _ = bt.finish()
	require.NotNil(t, span)
	span.End()
}
