package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func resetViper() {
	viper.Reset()
}

func TestLoadDefaultsWithNoFile(t *testing.T) {
	resetViper()
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, 8088, cfg.APIPort)
}

func TestLoadReadsConfigFile(t *testing.T) {
	resetViper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("data_dir: /var/lib/forwardgate\napi_port: 9090\n"), 0o644))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/forwardgate", cfg.DataDir)
	require.Equal(t, 9090, cfg.APIPort)
}

func TestLoadEnvOverride(t *testing.T) {
	resetViper()
	t.Setenv("FORWARDGATE_API_PORT", "7000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.APIPort)
}
