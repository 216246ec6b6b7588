package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jive5ab-bridge/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "jive5ab-bridge dev")
}

func TestConfigWriteThenPrint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")

	out, err := execute(t, "config", "write", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	loaded, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), loaded)

	out, err = execute(t, "config", "print", "--config", path, "--format", "json",
		"--backend", "10.0.0.5:2620", "--poll-interval", "250ms", "--mqtt-broker", "tcp://broker:1883")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "10.0.0.5:2620", cfg.Backend.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.PollInterval.D())
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, ":7147", cfg.Bridge.ListenAddr, "unset flags keep file values")
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	cfg := config.DefaultConfig()
	cfg.Bridge.ListenAddr = ":9000"
	cfg.Metrics.ListenAddr = ":9100"
	require.NoError(t, config.SaveConfig(cfg, path))

	out, err := execute(t, "config", "print", "--config", path, "--format", "json", "--metrics-addr", "")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, ":9000", got.Bridge.ListenAddr)
	assert.Empty(t, got.Metrics.ListenAddr, "an explicitly empty flag disables the listener")
}

func TestConfigPrintRejectsInvalidOverride(t *testing.T) {
	_, err := execute(t, "config", "print", "--backend", "no-port")
	assert.Error(t, err)
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigWriteUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.toml")
	_, err := execute(t, "config", "write", path)
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
