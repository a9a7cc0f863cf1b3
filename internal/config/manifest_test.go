package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadManifestParsesDependencies(t *testing.T) {
	dir := t.TempDir()
	raw := `{
		"name": "workspace-a",
		"version": "1.2.3",
		"dependencies": {"lodash": "^4.0.0"},
		"devDependencies": {"jest": "^28.0.0"}
	}`
	path := filepath.Join(dir, ManifestFileName)
	assert.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	m, err := ReadManifest(path)
	assert.NoError(t, err)
	assert.Equal(t, "workspace-a", m.Name)
	assert.Equal(t, "1.2.3", m.Version)
	assert.False(t, m.Private)
	assert.ElementsMatch(t, []string{"lodash", "jest"}, m.DependencyNames())
}

func TestReadManifestRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)
	assert.NoError(t, os.WriteFile(path, []byte(`{"private": true}`), 0o644))

	_, err := ReadManifest(path)
	assert.Error(t, err)
}

func TestReadManifestRootWorkspacesGlobs(t *testing.T) {
	dir := t.TempDir()
	raw := `{"name": "root", "workspaces": ["apps/*", "packages/*"]}`
	path := filepath.Join(dir, ManifestFileName)
	assert.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	m, err := ReadManifest(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"apps/*", "packages/*"}, m.Workspaces)
}
