package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk TOML configuration for a node. Durations are
// expressed in seconds so the file stays editable by hand.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	ChainID       uint64 `toml:"ChainID"`
	GenesisHash   string `toml:"GenesisHash"`
	NodeKind      string `toml:"NodeKind"`

	Bootnodes []string `toml:"Bootnodes"`
	DNSSeeds  []string `toml:"DNSSeeds"`

	MaxPeers    int `toml:"MaxPeers"`
	TargetPeers int `toml:"TargetPeers"`

	PingIntervalSeconds        int `toml:"PingIntervalSeconds"`
	PeerTimeoutSeconds         int `toml:"PeerTimeoutSeconds"`
	HealthCheckIntervalSeconds int `toml:"HealthCheckIntervalSeconds"`
	DialTimeoutSeconds         int `toml:"DialTimeoutSeconds"`
	DiscoveryIntervalSeconds   int `toml:"DiscoveryIntervalSeconds"`

	MaxFailedAttempts            int  `toml:"MaxFailedAttempts"`
	AutoHeal                     bool `toml:"AutoHeal"`
	TopologyOptimization         bool `toml:"TopologyOptimization"`
	AutoBlacklistDurationSeconds int  `toml:"AutoBlacklistDurationSeconds"`

	RateLimitMessages      int     `toml:"RateLimitMessages"`
	RateLimitWindowSeconds int     `toml:"RateLimitWindowSeconds"`
	MsgsPerSecond          float64 `toml:"MsgsPerSecond"`

	LogFile      string `toml:"LogFile"`
	LogMaxSizeMB int    `toml:"LogMaxSizeMB"`

	// Deprecated alias for Bootnodes, still accepted on load.
	BootstrapPeers []string `toml:"BootstrapPeers,omitempty"`
}

// Load reads the configuration at path, creating a default file on first
// run. Zero values are filled with defaults and the result is validated.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "Seeds" {
			return nil, fmt.Errorf("config file %s uses removed Seeds field; use Bootnodes or DNSSeeds", path)
		}
	}

	if len(cfg.Bootnodes) == 0 && len(cfg.BootstrapPeers) > 0 {
		cfg.Bootnodes = append([]string{}, cfg.BootstrapPeers...)
	}
	cfg.BootstrapPeers = nil

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":7420"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./cinder-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "cinder-local"
	}
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if strings.TrimSpace(c.NodeKind) == "" {
		c.NodeKind = "full"
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.TargetPeers == 0 {
		c.TargetPeers = c.MaxPeers / 2
	}
	if c.PingIntervalSeconds == 0 {
		c.PingIntervalSeconds = 30
	}
	if c.PeerTimeoutSeconds == 0 {
		c.PeerTimeoutSeconds = 120
	}
	if c.HealthCheckIntervalSeconds == 0 {
		c.HealthCheckIntervalSeconds = 30
	}
	if c.DialTimeoutSeconds == 0 {
		c.DialTimeoutSeconds = 10
	}
	if c.DiscoveryIntervalSeconds == 0 {
		c.DiscoveryIntervalSeconds = 60
	}
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = 5
	}
	if c.AutoBlacklistDurationSeconds == 0 {
		c.AutoBlacklistDurationSeconds = 3600
	}
	if c.RateLimitMessages == 0 {
		c.RateLimitMessages = 500
	}
	if c.RateLimitWindowSeconds == 0 {
		c.RateLimitWindowSeconds = 1
	}
	if c.MsgsPerSecond == 0 {
		c.MsgsPerSecond = 64
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	c.Bootnodes = normalizeList(c.Bootnodes)
	c.DNSSeeds = normalizeList(c.DNSSeeds)
}

// Validate rejects configurations that cannot produce a working node.
func (c *Config) Validate() error {
	if c.MaxPeers <= 0 {
		return fmt.Errorf("MaxPeers must be positive")
	}
	if c.TargetPeers < 0 || c.TargetPeers > c.MaxPeers {
		return fmt.Errorf("TargetPeers must be between 0 and MaxPeers")
	}
	if c.PingIntervalSeconds <= 0 {
		return fmt.Errorf("PingIntervalSeconds must be positive")
	}
	if c.PeerTimeoutSeconds <= c.PingIntervalSeconds {
		return fmt.Errorf("PeerTimeoutSeconds must exceed PingIntervalSeconds")
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("HealthCheckIntervalSeconds must be positive")
	}
	if c.MaxFailedAttempts <= 0 {
		return fmt.Errorf("MaxFailedAttempts must be positive")
	}
	if c.RateLimitMessages < 0 || c.RateLimitWindowSeconds < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	if c.MsgsPerSecond <= 0 {
		return fmt.Errorf("MsgsPerSecond must be positive")
	}
	if c.LogMaxSizeMB < 0 {
		return fmt.Errorf("LogMaxSizeMB must not be negative")
	}
	if c.GenesisHash != "" {
		cleaned := strings.TrimPrefix(strings.ToLower(c.GenesisHash), "0x")
		if len(cleaned) != 64 {
			return fmt.Errorf("GenesisHash must be a 32-byte hex string")
		}
		for _, r := range cleaned {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				return fmt.Errorf("GenesisHash must be a 32-byte hex string")
			}
		}
	}
	return nil
}

// PingInterval returns the keepalive cadence.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// PeerTimeout returns the silence threshold after which a peer is stale.
func (c *Config) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSeconds) * time.Second
}

// HealthCheckInterval returns the health evaluation cadence.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// DialTimeout returns the per-dial (and handshake) budget.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// DiscoveryInterval returns the gossip push cadence.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// AutoBlacklistDuration returns how long automatic bans last.
func (c *Config) AutoBlacklistDuration() time.Duration {
	return time.Duration(c.AutoBlacklistDurationSeconds) * time.Second
}

// RateLimitWindow returns the outbound queue's rate window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// createDefault writes a default configuration file and returns it.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
