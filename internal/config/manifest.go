// Package config loads the two on-disk JSON shapes the scheduler depends
// on: workspace manifests (package.json-shaped) and per-workspace target
// configuration files, per spec.md section 6.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ManifestFileName is the conventional manifest filename at every workspace
// root, including the project root.
const ManifestFileName = "package.json"

// Manifest is the subset of a workspace's package.json the scheduler needs:
// identity, optional version, privacy, and dependency lists. At the project
// root, Workspaces additionally lists the globs used to discover member
// workspaces.
type Manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version,omitempty"`
	Private         bool              `json:"private,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Workspaces      []string          `json:"workspaces,omitempty"`
}

// ReadManifest parses the manifest at the given path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %s", path)
	}
	if m.Name == "" {
		return nil, errors.Errorf("manifest %s is missing a name", path)
	}
	return &m, nil
}

// DependencyNames returns the union of dependencies and devDependencies,
// which is how WorkspaceGraph decides edges (spec 4.1): external packages
// not matching a known workspace name are ignored by the caller.
func (m *Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies)+len(m.DevDependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	for name := range m.DevDependencies {
		names = append(names, name)
	}
	return names
}

// ManifestPath joins a workspace root with the conventional manifest name.
func ManifestPath(root string) string {
	return filepath.Join(root, ManifestFileName)
}
