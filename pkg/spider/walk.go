package spider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arbordata/arbor/pkg/engine"
	"github.com/arbordata/arbor/pkg/registry"
)

// WalkOptions control directory traversal.
type WalkOptions struct {
	// Ignore lists the resolution error kinds to swallow; files failing
	// with any other kind abort the walk.
	Ignore []ErrorKind
	// FollowLinks descends into symbolic links.
	FollowLinks bool
	// Hidden resolves dotfiles as well.
	Hidden bool
	// Extra is forwarded to every file's descriptor as loader options.
	Extra map[string]any
}

func (o WalkOptions) ignores(kind ErrorKind) bool {
	for _, k := range o.Ignore {
		if k == kind || k == "*" {
			return true
		}
	}
	return false
}

// Walk traverses a directory and resolves its files into a nested
// registry keyed by basename: subdirectories become member registries,
// files become datasets. The result is wrapped one level deep under the
// directory's own basename, mirroring how a spidered tree is mounted.
func Walk(path string, opts WalkOptions) (*registry.Memory, error) {
	inner, err := walkDir(path, opts)
	if err != nil {
		return nil, err
	}
	return registry.NewMemory(map[string]engine.Dataset{
		filepath.Base(path): inner,
	}), nil
}

func walkDir(dir string, opts WalkOptions) (*registry.Memory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	resources := make(map[string]engine.Dataset)
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)
		if strings.HasPrefix(name, ".") && !opts.Hidden {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 && !opts.FollowLinks {
			continue
		}

		info, err := os.Stat(full)
		if err != nil {
			if opts.ignores(KindIO) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", full, err)
		}

		if info.IsDir() {
			nested, err := walkDir(full, opts)
			if err != nil {
				return nil, err
			}
			if len(nested.Names()) > 0 {
				resources[name] = nested
			}
			continue
		}

		var descriptor any = full
		if opts.Extra != nil {
			withSource := make(map[string]any, len(opts.Extra)+1)
			for k, v := range opts.Extra {
				withSource[k] = v
			}
			withSource["source"] = full
			descriptor = withSource
		}
		ds, err := Resolve(descriptor)
		if err != nil {
			if opts.ignores(KindOf(err)) {
				continue
			}
			return nil, fmt.Errorf("resolve %s: %w", full, err)
		}
		resources[name] = ds
	}
	return registry.NewMemory(resources), nil
}
