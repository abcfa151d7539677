// Package config loads a raftnode's boot-time configuration from a
// YAML file, matching spec.md's "static peer list at boot" model.
package config

import (
	"os"
	"time"

	"github.com/mvance/raftcore/internal/errors"
	"gopkg.in/yaml.v3"
)

// Peer names one member of the static cluster list.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Config is a raftnode's full boot-time configuration.
type Config struct {
	NodeID  string `yaml:"node_id"`
	DataDir string `yaml:"data_dir"`
	Peers   []Peer `yaml:"peers"`

	MetricsAddr string `yaml:"metrics_addr"`

	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	SnapshotThreshold  int           `yaml:"snapshot_threshold"`
	CompressSnapshots  bool          `yaml:"compress_snapshots"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, "failed to read config file %s", path)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.WrapError(err, "failed to parse config file %s", path)
	}

	if cfg.NodeID == "" {
		return nil, errors.New("config: node_id is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("config: data_dir is required")
	}
	if len(cfg.Peers) == 0 {
		return nil, errors.New("config: peers must list at least this node")
	}

	return cfg, nil
}

// ClusterMap returns the static cluster membership as the id->address
// map Raft's constructor expects.
func (c *Config) ClusterMap() map[string]string {
	cluster := make(map[string]string, len(c.Peers))
	for _, peer := range c.Peers {
		cluster[peer.ID] = peer.Address
	}
	return cluster
}
