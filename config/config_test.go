package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, ":7420", cfg.ListenAddress)
	require.Equal(t, 50, cfg.MaxPeers)
	require.Equal(t, 25, cfg.TargetPeers)
	require.Equal(t, 30*time.Second, cfg.PingInterval())
	require.Equal(t, 120*time.Second, cfg.PeerTimeout())

	// The written file round-trips.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	body := `
ListenAddress = "0.0.0.0:9000"
MaxPeers = 8
Bootnodes = ["10.0.0.1:7420", "10.0.0.1:7420", "  ", "10.0.0.2:7420"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.Equal(t, 8, cfg.MaxPeers)
	require.Equal(t, 4, cfg.TargetPeers)
	require.Equal(t, []string{"10.0.0.1:7420", "10.0.0.2:7420"}, cfg.Bootnodes)
	require.Equal(t, 64.0, cfg.MsgsPerSecond)
}

func TestLoadAcceptsBootstrapPeersAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	body := `BootstrapPeers = ["203.0.113.9:7420"]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"203.0.113.9:7420"}, cfg.Bootnodes)
	require.Nil(t, cfg.BootstrapPeers)
}

func TestLoadRejectsRemovedSeedsField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	body := `Seeds = ["203.0.113.9:7420"]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Seeds")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"target above max", func(c *Config) { c.TargetPeers = c.MaxPeers + 1 }, "TargetPeers"},
		{"timeout below ping", func(c *Config) { c.PeerTimeoutSeconds = c.PingIntervalSeconds }, "PeerTimeoutSeconds"},
		{"negative rate window", func(c *Config) { c.RateLimitWindowSeconds = -1 }, "rate limit"},
		{"short genesis hash", func(c *Config) { c.GenesisHash = "0xabcd" }, "GenesisHash"},
		{"non-hex genesis hash", func(c *Config) { c.GenesisHash = strings.Repeat("zz", 32) }, "GenesisHash"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errSub)
		})
	}

	cfg := Default()
	cfg.GenesisHash = "0x" + strings.Repeat("ab", 32)
	require.NoError(t, cfg.Validate())
}
