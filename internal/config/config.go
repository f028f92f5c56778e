// Package config loads the vault daemon configuration from a YAML file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/veilstream/veilstream/pkg/model"
)

// File is the on-disk configuration of the vault daemon.
type File struct {
	// DataDir holds the state database and locally spilled chunk objects.
	DataDir string `yaml:"data_dir"`

	// MasterKeyHex is the hex-encoded 32-byte master key that session keys
	// derive from. Prefer MasterKeyFile in production.
	MasterKeyHex string `yaml:"master_key_hex"`

	// MasterKeyFile points at a file holding the raw 32-byte master key.
	MasterKeyFile string `yaml:"master_key_file"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Chunker struct {
		MinChunkSize int `yaml:"min_chunk_size"`
		MaxChunkSize int `yaml:"max_chunk_size"`
	} `yaml:"chunker"`

	Replica struct {
		ReplicationFactor int    `yaml:"replication_factor"`
		VerifyQuorum      int    `yaml:"verify_quorum"`
		WriteTimeout      string `yaml:"write_timeout"`
		VerifyInterval    string `yaml:"verify_interval"`
		SweepInterval     string `yaml:"sweep_interval"`
		SweepWorkers      int    `yaml:"sweep_workers"`
	} `yaml:"replica"`

	Anchor struct {
		PollInterval    string `yaml:"poll_interval"`
		MaxPollAttempts int    `yaml:"max_poll_attempts"`
		GasBudget       uint64 `yaml:"gas_budget"`
	} `yaml:"anchor"`

	Ledger struct {
		Endpoint string `yaml:"endpoint"`
		Contract string `yaml:"contract"`
		From     string `yaml:"from"`
	} `yaml:"ledger"`

	Nodes []struct {
		NodeID   string `yaml:"node_id"`
		Address  string `yaml:"address"`
		Capacity int64  `yaml:"capacity"`
	} `yaml:"nodes"`
}

// Load reads and parses the configuration file and applies defaults for
// unset fields.
func Load(path string) (File, error) {
	var f File

	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if f.DataDir == "" {
		f.DataDir = "./data"
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}

	for name, raw := range map[string]string{
		"replica.write_timeout":   f.Replica.WriteTimeout,
		"replica.verify_interval": f.Replica.VerifyInterval,
		"replica.sweep_interval":  f.Replica.SweepInterval,
		"anchor.poll_interval":    f.Anchor.PollInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return f, fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return f, nil
}

// duration parses a duration string already validated by Load; empty
// yields zero.
func duration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, _ := time.ParseDuration(raw)
	return d
}

// MasterKey resolves the master key from the configured source.
func (f File) MasterKey() ([]byte, error) {
	switch {
	case f.MasterKeyFile != "":
		key, err := os.ReadFile(f.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: read master key file: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("config: master key file holds %d bytes, need at least 32", len(key))
		}
		return key[:32], nil

	case f.MasterKeyHex != "":
		key, err := hex.DecodeString(f.MasterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: decode master key hex: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("config: master key is %d bytes, need at least 32", len(key))
		}
		return key, nil

	default:
		return nil, fmt.Errorf("config: no master key configured")
	}
}

// ChunkerConfig returns the chunker settings with defaults applied.
func (f File) ChunkerConfig() model.ChunkerConfig {
	cfg := model.DefaultChunkerConfig()
	if f.Chunker.MinChunkSize > 0 {
		cfg.MinChunkSize = f.Chunker.MinChunkSize
	}
	if f.Chunker.MaxChunkSize > 0 {
		cfg.MaxChunkSize = f.Chunker.MaxChunkSize
	}
	return cfg
}

// ReplicaConfig returns the replica store settings with defaults applied.
func (f File) ReplicaConfig() model.ReplicaConfig {
	cfg := model.DefaultReplicaConfig()
	if f.Replica.ReplicationFactor > 0 {
		cfg.ReplicationFactor = f.Replica.ReplicationFactor
	}
	if f.Replica.VerifyQuorum > 0 {
		cfg.VerifyQuorum = f.Replica.VerifyQuorum
	}
	if d := duration(f.Replica.WriteTimeout); d > 0 {
		cfg.WriteTimeout = d
	}
	if d := duration(f.Replica.VerifyInterval); d > 0 {
		cfg.VerifyInterval = d
	}
	if d := duration(f.Replica.SweepInterval); d > 0 {
		cfg.SweepInterval = d
	}
	if f.Replica.SweepWorkers > 0 {
		cfg.SweepWorkers = f.Replica.SweepWorkers
	}
	return cfg
}

// AnchorConfig returns the anchor client settings with defaults applied.
func (f File) AnchorConfig() model.AnchorConfig {
	cfg := model.DefaultAnchorConfig()
	if d := duration(f.Anchor.PollInterval); d > 0 {
		cfg.PollInterval = d
	}
	if f.Anchor.MaxPollAttempts > 0 {
		cfg.MaxPollAttempts = f.Anchor.MaxPollAttempts
	}
	if f.Anchor.GasBudget > 0 {
		cfg.GasBudget = f.Anchor.GasBudget
	}
	return cfg
}
