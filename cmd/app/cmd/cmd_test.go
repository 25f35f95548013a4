package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "candleflow version")
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
history:
  backend: memory
sources:
  finnhub:
    enabled: true
    api_key: topsecret
    symbols:
      BINANCE:BTCUSDT: BTCUSD
`), 0o600))

	out, err := execute(t, "config", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "BINANCE:BTCUSDT: BTCUSD")
	assert.NotContains(t, out, "topsecret")
}

func TestConfigCommandRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  backend: mongo\n"), 0o600))

	_, err := execute(t, "config", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.backend")
}
