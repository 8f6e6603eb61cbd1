package bundler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wolfeidau/assetpack/internal/manifest"
)

// BuildMetadata is the subset of the esbuild metafile the pipeline reads.
type BuildMetadata struct {
	Outputs map[string]OutputInfo `json:"outputs"`
}

type OutputInfo struct {
	EntryPoint string       `json:"entryPoint"`
	Imports    []ImportInfo `json:"imports"`
	CSSBundle  string       `json:"cssBundle"`
	Bytes      int64        `json:"bytes"`
}

type ImportInfo struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type metaOutput struct {
	Path string
	Info OutputInfo
}

// orderedOutputs decodes the metafile "outputs" object keeping the order esbuild wrote it in.
func orderedOutputs(metafile string) ([]metaOutput, error) {
	dec := json.NewDecoder(strings.NewReader(metafile))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var (
		outputs []metaOutput
		found   bool
	)

	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, err
		}

		if key != "outputs" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("failed to skip metafile field %q: %w", key, err)
			}
			continue
		}

		found = true
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}

		for dec.More() {
			path, err := stringToken(dec)
			if err != nil {
				return nil, err
			}

			var info OutputInfo
			if err := dec.Decode(&info); err != nil {
				return nil, fmt.Errorf("failed to decode metafile output %q: %w", path, err)
			}
			outputs = append(outputs, metaOutput{Path: path, Info: info})
		}

		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: metafile has no outputs", manifest.ErrHostContract)
	}

	return outputs, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read metafile: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: unexpected metafile token %v", manifest.ErrHostContract, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("failed to read metafile: %w", err)
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected metafile token %v", manifest.ErrHostContract, tok)
	}
	return s, nil
}
