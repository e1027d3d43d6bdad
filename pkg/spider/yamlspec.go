package spider

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arbordata/arbor/pkg/engine"
	"github.com/arbordata/arbor/pkg/registry"
)

// specEntry is one named resource in a YAML specification.
type specEntry struct {
	Source  string         `yaml:"source"`
	Options map[string]any `yaml:",inline"`
}

// FromYAML reads a resource specification mapping names to sources. A
// source naming a directory is spidered with the supplied options; a file
// source resolves directly, with any extra spec keys forwarded to its
// loader.
func FromYAML(r io.Reader, opts WalkOptions) (*registry.Memory, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	var spec map[string]specEntry
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}

	resources := make(map[string]engine.Dataset, len(spec))
	for name, entry := range spec {
		if entry.Source == "" {
			return nil, fmt.Errorf("source key not found for data source %q", name)
		}
		info, err := os.Stat(entry.Source)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", name, err)
		}
		if info.IsDir() {
			walkOpts := opts
			if len(entry.Options) > 0 {
				walkOpts.Extra = entry.Options
			}
			nested, err := Walk(entry.Source, walkOpts)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", name, err)
			}
			resources[name] = nested
			continue
		}
		descriptor := map[string]any{"source": entry.Source}
		for k, v := range entry.Options {
			descriptor[k] = v
		}
		ds, err := Resolve(descriptor)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", name, err)
		}
		resources[name] = ds
	}
	return registry.NewMemory(resources), nil
}
