// Package config loads the assetpack.yaml project file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/assetpack/internal/bundler"
	"github.com/wolfeidau/assetpack/internal/devserver"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "assetpack.yaml"

type File struct {
	Build     bundler.Config   `yaml:"build"`
	DevServer devserver.Config `yaml:"devServer"`
}

func Default() File {
	return File{
		Build:     bundler.DefaultConfig(),
		DevServer: devserver.DefaultConfig(),
	}
}

// Load decodes path over the defaults. A missing file is only an error when
// required is set, so projects without a config file build with defaults.
// Scalars and lists replace their defaults. The define, alias and fallback
// maps are replaced as a whole when the file sets them, so `fallback: {}`
// removes the default fallbacks.
func Load(path string, required bool) (File, error) {
	file := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return file, nil
		}
		return file, fmt.Errorf("failed to read config: %w", err)
	}

	if err := decode(data, &file); err != nil {
		return file, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := file.Build.Validate(); err != nil {
		return file, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return file, nil
}

func decode(data []byte, file *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	return replaceMaps(data, file)
}

// buildMaps captures the raw map nodes the file sets, if any.
type buildMaps struct {
	Build struct {
		Define   yaml.Node `yaml:"define"`
		Alias    yaml.Node `yaml:"alias"`
		Fallback yaml.Node `yaml:"fallback"`
	} `yaml:"build"`
}

// replaceMaps undoes yaml's merge into the default maps for keys the file sets.
func replaceMaps(data []byte, file *File) error {
	var set buildMaps
	if err := yaml.Unmarshal(data, &set); err != nil {
		return err
	}

	for _, m := range []struct {
		node   *yaml.Node
		target *map[string]string
	}{
		{&set.Build.Define, &file.Build.Define},
		{&set.Build.Alias, &file.Build.Alias},
		{&set.Build.Fallback, &file.Build.Fallback},
	} {
		if m.node.Kind == 0 {
			continue
		}
		values := map[string]string{}
		if err := m.node.Decode(&values); err != nil {
			return err
		}
		*m.target = values
	}

	return nil
}
