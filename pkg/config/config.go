// Package config loads and validates the engine's configuration surface:
// networks, contracts, database backend, and tunable options, from a TOML
// file with environment-variable overrides via koanf.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ponder-go/ponder/internal/database"
	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/scheduler"
)

// NetworkConfig is one entry of networks[].
type NetworkConfig struct {
	Name                  string        `koanf:"name"`
	ChainID               uint64        `koanf:"chain_id"`
	Transport             string        `koanf:"transport"` // "http" or "ws"
	RPCURL                string        `koanf:"rpc_url"`
	PollingInterval       time.Duration `koanf:"polling_interval"`
	MaxRequestsPerSecond  float64       `koanf:"max_requests_per_second"`
	MaxConcurrentRequests int           `koanf:"max_concurrent_requests"`
}

// FactoryConfig describes a contract whose addresses are discovered at
// runtime from a factory-emitted event rather than configured statically.
type FactoryConfig struct {
	Address        string `koanf:"address"`
	Event          string `koanf:"event"`
	ParameterIndex int    `koanf:"parameter_index"`
}

// ContractConfig is one entry of contracts[].
type ContractConfig struct {
	Name                       string            `koanf:"name"`
	Network                    string            `koanf:"network"`
	ABIPath                    string            `koanf:"abi_path"`
	Address                    string            `koanf:"address"`
	Factory                    *FactoryConfig    `koanf:"factory"`
	StartBlock                 uint64            `koanf:"start_block"`
	EndBlock                   *uint64           `koanf:"end_block"`
	Filter                     map[string]string `koanf:"filter"`
	IncludeTransactionReceipts bool              `koanf:"include_transaction_receipts"`
}

// DatabaseConfig mirrors spec.md §6's database surface.
type DatabaseConfig struct {
	Kind             string `koanf:"kind"` // "sqlite" or "postgres"
	ConnectionString string `koanf:"connection_string"`
	Directory        string `koanf:"directory"` // sqlite file directory, alternative to ConnectionString
	UserNamespace    string `koanf:"user_namespace"`
}

// OptionsConfig mirrors spec.md §6's options surface.
type OptionsConfig struct {
	MaxBlockRange      uint64        `koanf:"max_block_range"`
	FinalityBlockCount uint64        `koanf:"finality_block_count"`
	LeaseTTL           time.Duration `koanf:"lease_ttl"`
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	MaxConcurrency     int           `koanf:"max_concurrency"`
	MaxCachedBuilds    int           `koanf:"max_cached_builds"`
	CallCachePath      string        `koanf:"call_cache_path"`
	MetricsAddress     string        `koanf:"metrics_address"`
	HealthAddress      string        `koanf:"health_address"`
}

// Config is the engine's full configuration surface.
type Config struct {
	Networks  []NetworkConfig  `koanf:"networks"`
	Contracts []ContractConfig `koanf:"contracts"`
	Database  DatabaseConfig   `koanf:"database"`
	Options   OptionsConfig    `koanf:"options"`
}

// Load reads configPath (TOML) and layers environment variable overrides
// on top: an env var like DATABASE_DIRECTORY overrides database.directory.
// Every "_" in a variable name becomes a nesting dot, so keys whose own
// name contains "_" (database.connection_string) cannot be overridden.
func Load(configPath string) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", configPath, err)
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}
	if err := ko.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.UserNamespace == "" {
		cfg.Database.UserNamespace = "public"
	}
	if cfg.Options.MaxBlockRange == 0 {
		cfg.Options.MaxBlockRange = 2000
	}
	if cfg.Options.FinalityBlockCount == 0 {
		cfg.Options.FinalityBlockCount = 65
	}
	if cfg.Options.LeaseTTL == 0 {
		cfg.Options.LeaseTTL = 30 * time.Second
	}
	if cfg.Options.HeartbeatInterval == 0 {
		cfg.Options.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Options.MaxConcurrency == 0 {
		cfg.Options.MaxConcurrency = 8
	}
	if cfg.Options.MaxCachedBuilds == 0 {
		cfg.Options.MaxCachedBuilds = 3
	}
	if cfg.Options.CallCachePath == "" {
		cfg.Options.CallCachePath = "ponder-callcache.db"
	}
	if cfg.Options.MetricsAddress == "" {
		cfg.Options.MetricsAddress = ":9090"
	}
	if cfg.Options.HealthAddress == "" {
		cfg.Options.HealthAddress = ":8080"
	}
	for i := range cfg.Networks {
		if cfg.Networks[i].PollingInterval == 0 {
			cfg.Networks[i].PollingInterval = 2 * time.Second
		}
	}
}

// Validate checks the config's internal consistency: every contract must
// name a configured network, and network/database fields required by the
// rest of the engine must be present.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("config: networks[] must not be empty")
	}
	names := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("config: network missing name")
		}
		if n.ChainID == 0 {
			return fmt.Errorf("config: network %q missing chain_id", n.Name)
		}
		if n.RPCURL == "" {
			return fmt.Errorf("config: network %q missing rpc_url", n.Name)
		}
		names[n.Name] = true
	}
	for _, cc := range c.Contracts {
		if cc.Name == "" {
			return fmt.Errorf("config: contract missing name")
		}
		if !names[cc.Network] {
			return fmt.Errorf("config: contract %q references unknown network %q", cc.Name, cc.Network)
		}
		if cc.Address == "" && cc.Factory == nil {
			return fmt.Errorf("config: contract %q must set address or factory", cc.Name)
		}
	}
	switch c.Database.Kind {
	case "sqlite", "postgres":
	case "":
		return fmt.Errorf("config: database.kind must be set")
	default:
		return fmt.Errorf("config: database.kind %q not recognized", c.Database.Kind)
	}
	return nil
}

// NetworkByName looks up one configured network.
func (c *Config) NetworkByName(name string) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// ContractsForNetwork returns every contract configured against network.
func (c *Config) ContractsForNetwork(network string) []ContractConfig {
	var out []ContractConfig
	for _, cc := range c.Contracts {
		if cc.Network == network {
			out = append(out, cc)
		}
	}
	return out
}

// DBConnConfig converts the database surface into dbconn.Config.
func (c *Config) DBConnConfig() dbconn.Config {
	return dbconn.Config{
		Kind:             dbconn.Kind(c.Database.Kind),
		ConnectionString: c.Database.ConnectionString,
		UserNamespace:    c.Database.UserNamespace,
	}
}

// DatabaseServiceConfig converts options into database.Config.
func (c *Config) DatabaseServiceConfig() database.Config {
	return database.Config{
		LeaseTTL:          c.Options.LeaseTTL,
		HeartbeatInterval: c.Options.HeartbeatInterval,
		MaxCachedBuilds:   c.Options.MaxCachedBuilds,
	}
}

// SchedulerConfig converts options into scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{MaxConcurrency: c.Options.MaxConcurrency}
}
