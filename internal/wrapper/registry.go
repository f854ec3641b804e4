package wrapper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// registryFile is the on-disk shape of the wrapper registry. The file is
// rewritten wholesale on every mutation; wrapper counts are small enough
// that incremental updates buy nothing.
type registryFile struct {
	Wrappers []Session `json:"wrappers"`
}

type registry struct {
	path string
}

func newRegistry(path string) *registry {
	return &registry{path: path}
}

// Load reads the persisted wrapper list. A missing file is an empty
// registry, not an error.
func (r *registry) Load() ([]Session, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wrapper registry: %w", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse wrapper registry: %w", err)
	}
	return f.Wrappers, nil
}

// Save atomically rewrites the registry with the given sessions.
func (r *registry) Save(sessions []Session) error {
	if sessions == nil {
		sessions = []Session{}
	}
	data, err := json.MarshalIndent(registryFile{Wrappers: sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wrapper registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write wrapper registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace wrapper registry: %w", err)
	}
	return nil
}
