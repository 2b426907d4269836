// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ChainConfig drives the cooperative block clock.
type ChainConfig struct {
	// BlockInterval is the wall-clock duration of one block.
	BlockInterval time.Duration `mapstructure:"block_interval"`
}

// SettlementConfig bounds instruction and leg sizes.
type SettlementConfig struct {
	MaxFungibleLegs    uint32 `mapstructure:"max_fungible_legs"`
	MaxNFTsPerLeg      uint32 `mapstructure:"max_nfts_per_leg"`
	MaxNFTsPerInstr    uint32 `mapstructure:"max_nfts_per_instruction"`
	VenueDetailsMaxLen int    `mapstructure:"venue_details_max_len"`
}

// Config is the root configuration for the custodia service.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

// Load reads configuration from the given path (optional) with CUSTODIA_*
// environment variable overrides, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:custodia.db?_pragma=busy_timeout(5000)")
	v.SetDefault("server.addr", ":8543")
	v.SetDefault("chain.block_interval", "6s")
	v.SetDefault("settlement.max_fungible_legs", 10)
	v.SetDefault("settlement.max_nfts_per_leg", 10)
	v.SetDefault("settlement.max_nfts_per_instruction", 100)
	v.SetDefault("settlement.venue_details_max_len", 2048)

	v.SetEnvPrefix("CUSTODIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Settlement.MaxFungibleLegs == 0 {
		return fmt.Errorf("settlement.max_fungible_legs must be positive")
	}
	if c.Settlement.MaxNFTsPerLeg == 0 || c.Settlement.MaxNFTsPerInstr == 0 {
		return fmt.Errorf("settlement NFT limits must be positive")
	}
	if c.Chain.BlockInterval <= 0 {
		return fmt.Errorf("chain.block_interval must be positive")
	}
	return nil
}
