package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("NVIDIA_API_KEY", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Batch.Workers)
	assert.Equal(t, 4, cfg.NIM.MaxConcurrent)
	assert.Equal(t, 300, cfg.Timeouts.CloudSeconds)
	assert.Equal(t, 3600, cfg.Timeouts.LocalSeconds)
	assert.Equal(t, 8.0, cfg.Boltz.MinFreeVRAMGB)
	assert.Equal(t, 2000, cfg.Boltz.MaxResidues)
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigOverridesAndSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("NVIDIA_API_KEY", "")

	cfgDir := filepath.Join(dir, "bioflow")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	yamlDoc := "batch:\n  workers: 3\nnim:\n  max_concurrent: 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(yamlDoc), 0o600))
	secrets := "# local credentials\nNVIDIA_API_KEY=nvapi-secret\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "secrets.env"), []byte(secrets), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Batch.Workers)
	assert.Equal(t, 2, cfg.NIM.MaxConcurrent)
	assert.Equal(t, "nvapi-secret", cfg.NIM.APIKey, "key must come from secrets.env")
	assert.Equal(t, 300, cfg.Timeouts.CloudSeconds, "unset fields keep defaults")
}

func TestEnvOverridesSecretsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("NVIDIA_API_KEY", "nvapi-env")

	cfgDir := filepath.Join(dir, "bioflow")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "secrets.env"),
		[]byte("NVIDIA_API_KEY=nvapi-file\n"), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "nvapi-env", cfg.NIM.APIKey)
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := WriteDefault()
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "secrets.env"))

	_, err = WriteDefault()
	assert.Error(t, err)
}

func TestNewEngineRegistersCapabilities(t *testing.T) {
	eng, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{CapAffinity, CapMetadata, CapStructure}, eng.Registry.Names())

	structure, err := eng.Registry.Lookup(CapStructure)
	require.NoError(t, err)
	backends := structure.Backends()
	require.Len(t, backends, 2)
	assert.Equal(t, "nim", backends[0].Name(), "cloud backend is the cheaper default")
	assert.Equal(t, "boltz", backends[1].Name())
	assert.True(t, backends[1].Exclusive())
}
