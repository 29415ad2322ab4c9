package network

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

type registryFile struct {
	Networks []Descriptor `toml:"network"`
}

// Registry indexes network descriptors by canonical chain id.
type Registry struct {
	mu       sync.RWMutex
	networks map[string]Descriptor
}

// NewRegistry builds a registry seeded with the supplied descriptors.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{networks: make(map[string]Descriptor)}
	for _, desc := range descriptors {
		if err := r.Add(desc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRegistry reads descriptors from a TOML file on top of the presets. A
// missing file yields the presets alone.
func LoadRegistry(path string) (*Registry, error) {
	r, err := NewRegistry(Presets()...)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return r, nil
	}
	var file registryFile
	if _, err := toml.DecodeFile(trimmed, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("decode networks file: %w", err)
	}
	for _, desc := range file.Networks {
		if err := r.Add(desc); err != nil {
			return nil, fmt.Errorf("networks file %s: %w", trimmed, err)
		}
	}
	return r, nil
}

// Add registers or replaces a descriptor.
func (r *Registry) Add(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	normalized, err := desc.Normalized()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks[normalized.ChainID] = normalized
	return nil
}

// Lookup returns the descriptor for chainID in any notation.
func (r *Registry) Lookup(chainID string) (Descriptor, bool) {
	id, err := NormalizeChainID(chainID)
	if err != nil {
		return Descriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.networks[id]
	return desc, ok
}

// List returns the descriptors ordered by chain id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.networks))
	for _, desc := range r.networks {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		left, _ := ParseChainID(out[i].ChainID)
		right, _ := ParseChainID(out[j].ChainID)
		return left.Cmp(right) < 0
	})
	return out
}

// Save writes every descriptor to path as TOML.
func (r *Registry) Save(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return fmt.Errorf("networks file path required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return err
	}
	tmp := trimmed + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(registryFile{Networks: r.List()}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode networks file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, trimmed)
}
