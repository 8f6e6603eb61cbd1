package bundler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanDir(t *testing.T) {
	t.Run("removes only stale files", func(t *testing.T) {
		root := t.TempDir()
		dist := filepath.Join(root, "dist")
		writeFiles(t, dist, map[string]string{
			"index-NEW.js":       "new",
			"index-OLD.js":       "old",
			"fileList.md":        "list",
			"old/nested/file.js": "old",
		})

		live := map[string]bool{
			filepath.Join(dist, "index-NEW.js"): true,
			filepath.Join(dist, "fileList.md"):  true,
		}
		require.NoError(t, cleanDir(dist, root, live))

		assert.FileExists(t, filepath.Join(dist, "index-NEW.js"))
		assert.FileExists(t, filepath.Join(dist, "fileList.md"))
		assert.NoFileExists(t, filepath.Join(dist, "index-OLD.js"))
		assert.NoDirExists(t, filepath.Join(dist, "old"))
		assert.DirExists(t, dist)
	})

	t.Run("missing directory is not an error", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, cleanDir(filepath.Join(root, "dist"), root, nil))
	})

	unsafe := []struct {
		name       string
		dir        func(root string) string
		workingDir string
	}{
		{name: "relative", dir: func(string) string { return "dist" }},
		{name: "empty", dir: func(string) string { return "" }},
		{name: "filesystem root", dir: func(string) string { return string(filepath.Separator) }},
		{name: "working directory", dir: func(root string) string { return root }},
		{name: "ancestor of working directory", dir: func(root string) string { return filepath.Dir(root) }},
		{name: "parent of a dot-prefixed working directory", dir: func(root string) string { return filepath.Dir(root) }, workingDir: "..project"},
	}

	for _, tt := range unsafe {
		t.Run("refuses "+tt.name, func(t *testing.T) {
			root := t.TempDir()
			if tt.workingDir != "" {
				root = filepath.Join(root, tt.workingDir)
				writeFiles(t, root, map[string]string{"main.js": "console.log(1)"})
			}

			err := cleanDir(tt.dir(root), root, nil)
			require.ErrorIs(t, err, ErrUnsafeClean)

			if tt.workingDir != "" {
				assert.FileExists(t, filepath.Join(root, "main.js"))
			}
		})
	}
}

func TestApplyAlias(t *testing.T) {
	aliases := map[string]string{
		"@":    "/work/src",
		"@css": "/work/src/assets/css",
	}
	prefixes := []string{"@css", "@"}

	tests := []struct {
		path     string
		expected string
		ok       bool
	}{
		{path: "@/util", expected: filepath.Join("/work/src", "util"), ok: true},
		{path: "@/components/button.js", expected: filepath.Join("/work/src", "components", "button.js"), ok: true},
		{path: "@css/index.module.css", expected: filepath.Join("/work/src/assets/css", "index.module.css"), ok: true},
		{path: "@", expected: "/work/src", ok: true},
		{path: "@scope/package", ok: false},
		{path: "./local.js", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := applyAlias(prefixes, aliases, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStyleModule(t *testing.T) {
	js, err := styleModule("body { content: \"</style>\"; }\n")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(js, "const css = \"body { content: \\\"\\u003c/style\\u003e\\\"; }\\n\";"))
	assert.Contains(t, js, `document.createElement("style")`)
	assert.Contains(t, js, "export default css;")
}

func TestStyleInjectPlugin_build(t *testing.T) {
	config := testProject(t)
	config.Dev = true
	writeFiles(t, config.WorkingDir, map[string]string{
		"main.js": "import \"./src/index.css\";\n",
	})

	p, err := New(config)
	require.NoError(t, err)
	require.NoError(t, p.Build(context.Background()))

	for _, line := range manifestLines(t, p) {
		assert.False(t, strings.HasSuffix(line, ".css"), "index.css is injected by script, not emitted: %s", line)
	}
}
