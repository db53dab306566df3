package core

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the node's top-level configuration, loaded from YAML. No
// field is overlaid from the environment; only the storage encryption
// key is read from an environment variable (EncryptionKeyMaterial).
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Shard   ShardConfig   `yaml:"shard"`
	Storage StorageConfig `yaml:"storage"`
	NodeID  string        `yaml:"node_id"`
}

// NetworkConfig configures the P2P layer.
type NetworkConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// StorageConfig configures the storage backend and optional encryption.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

// DefaultConfig returns sensible defaults: 16 shards (expandable to
// 8000), an ephemeral TCP listen port and ./data as the data directory.
func DefaultConfig() Config {
	return Config{
		Network: NetworkConfig{ListenAddr: "/ip4/0.0.0.0/tcp/0"},
		Shard:   DefaultShardConfig(),
		Storage: StorageConfig{DataDir: "./data"},
		NodeID:  "",
	}
}

// LoadConfig reads YAML configuration from path, optionally overlaying a
// .env file's variables first (godotenv.Load is a no-op if envPath is
// empty or missing).
func LoadConfig(path, envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EncryptionKeyMaterial resolves the storage encryption key material from
// the configured environment variable, returning nil if unset (meaning
// encryption stays disabled).
func (c StorageConfig) EncryptionKeyMaterial() []byte {
	if c.EncryptionKeyEnv == "" {
		return nil
	}
	v, ok := os.LookupEnv(c.EncryptionKeyEnv)
	if !ok || v == "" {
		return nil
	}
	return []byte(v)
}
