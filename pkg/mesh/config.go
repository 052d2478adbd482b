package mesh

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the construction-time configuration record named in
// spec.md §6. TTLs in the public surface are expressed in seconds;
// internally every deadline is converted once, at the boundary, to a
// time.Duration — the single-unit fix for the ttl-seconds-vs-milliseconds
// ambiguity flagged in spec.md §9.
type Config struct {
	// PeerID optionally pins the local identifier; if empty one is
	// generated with NewPeerID.
	PeerID string `yaml:"peer_id,omitempty"`

	MinPeers            int  `yaml:"min_peers"`
	MaxPeers            int  `yaml:"max_peers"`
	AutoConnect         bool `yaml:"auto_connect"`
	AutoDiscovery       bool `yaml:"auto_discovery"`
	EvictionEnabled     bool `yaml:"eviction_enabled"`
	XORRoutingEnabled   bool `yaml:"xor_routing_enabled"`
	DHTEnabled          bool `yaml:"dht_enabled"`
	ReplicationFactor   int  `yaml:"replication_factor"`
	TTLSweepIntervalSec int  `yaml:"ttl_sweep_interval"`
	SeenSetCapacity     int  `yaml:"seen_set_capacity"`

	HubURI             string   `yaml:"hub_uri"`
	BootstrapHubs      []string `yaml:"bootstrap_hubs,omitempty"`
	ReconnectBackoffBaseSec float64 `yaml:"reconnect_backoff_base"`
	ReconnectBackoffCapSec  float64 `yaml:"reconnect_backoff_cap"`
	MaxReconnectAttempts    int     `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns the spec's documented defaults (spec.md §4.4,
// §4.6, §4.2).
func DefaultConfig() Config {
	return Config{
		MinPeers:                2,
		MaxPeers:                6,
		AutoConnect:             true,
		AutoDiscovery:           true,
		EvictionEnabled:         true,
		XORRoutingEnabled:       true,
		DHTEnabled:              true,
		ReplicationFactor:       3,
		TTLSweepIntervalSec:     30,
		SeenSetCapacity:         4096,
		ReconnectBackoffBaseSec: 1,
		ReconnectBackoffCapSec:  30,
		MaxReconnectAttempts:    0, // 0 == unbounded
	}
}

// withDefaults backfills zero-valued fields, mirroring the teacher's
// config-loading discipline of never requiring a caller to specify every
// field.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinPeers == 0 {
		c.MinPeers = d.MinPeers
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = d.ReplicationFactor
	}
	if c.TTLSweepIntervalSec == 0 {
		c.TTLSweepIntervalSec = d.TTLSweepIntervalSec
	}
	if c.SeenSetCapacity == 0 {
		c.SeenSetCapacity = d.SeenSetCapacity
	}
	if c.ReconnectBackoffBaseSec == 0 {
		c.ReconnectBackoffBaseSec = d.ReconnectBackoffBaseSec
	}
	if c.ReconnectBackoffCapSec == 0 {
		c.ReconnectBackoffCapSec = d.ReconnectBackoffCapSec
	}
	return c
}

func (c Config) ttlSweepInterval() time.Duration {
	return time.Duration(c.TTLSweepIntervalSec) * time.Second
}

func (c Config) reconnectBackoffBase() time.Duration {
	return time.Duration(c.ReconnectBackoffBaseSec * float64(time.Second))
}

func (c Config) reconnectBackoffCap() time.Duration {
	return time.Duration(c.ReconnectBackoffCapSec * float64(time.Second))
}

// LoadConfig reads a YAML configuration file from path, matching
// internal/config's loader discipline in the teacher repository.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c.withDefaults(), nil
}
