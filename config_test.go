package walletcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcvault/walletcore/corecfg"
	"github.com/btcvault/walletcore/xpub"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()

	path := filepath.Join(dir, corecfg.DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// TestLoadConfig checks that the config file is read from the app dir and
// that command line flags take precedence.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, `
[Application Options]
network=testnet
debuglevel=debug

[esplora]
esplora.url=http://localhost:3002
esplora.maxretries=5

[fee]
fee.conftarget=3
`)

	cfg, err := LoadConfig([]string{
		"--appdir=" + dir, "--debuglevel=info,RBFP=trace",
	})
	require.NoError(t, err)

	require.Equal(t, xpub.Testnet, cfg.ActiveNetwork)
	require.Equal(t, "info,RBFP=trace", cfg.DebugLevel)
	require.Equal(t, filepath.Join(dir, "data", "testnet"), cfg.DataDir)
	require.Equal(t, filepath.Join(dir, "logs", "testnet"), cfg.LogDir)

	require.True(t, cfg.HasChainBackend())
	require.Equal(t, "http://localhost:3002", cfg.Esplora.URL)
	require.Equal(t, 5, cfg.Esplora.MaxRetries)
	require.EqualValues(t, 3, cfg.Fee.ConfTarget)
	require.Equal(t, corecfg.DefaultRelayFee, int(cfg.Fee.RelayFee))
}

// TestLoadConfigDefaults checks that a missing config file is not an error.
func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := LoadConfig([]string{"--appdir=" + dir})
	require.NoError(t, err)

	require.Equal(t, xpub.Mainnet, cfg.ActiveNetwork)
	require.False(t, cfg.HasChainBackend())
	require.Equal(t, filepath.Join(dir, "data", "mainnet"), cfg.DataDir)
}

// TestLoadConfigErrors checks that broken config files and invalid values
// are rejected.
func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		args []string
	}{{
		name: "broken ini",
		file: "[esplora\nesplora.url=http://localhost",
	}, {
		name: "unknown network",
		args: []string{"--network=litecoin"},
	}, {
		name: "esplora scheme",
		args: []string{"--esplora.url=ftp://localhost:3002"},
	}, {
		name: "zero conf target",
		args: []string{"--fee.conftarget=0"},
	}, {
		name: "log compressor",
		file: "[logging]\nlogging.file.compressor=lz4\n",
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			if test.file != "" {
				writeConfigFile(t, dir, test.file)
			}

			args := append([]string{"--appdir=" + dir}, test.args...)
			_, err := LoadConfig(args)
			require.Error(t, err)
		})
	}
}
