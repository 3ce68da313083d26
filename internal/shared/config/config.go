// Package config loads engine configuration from file, environment, and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Claims  ClaimsConfig  `mapstructure:"claims"`
	Steal   StealConfig   `mapstructure:"steal"`
	Load    LoadConfig    `mapstructure:"load"`
	Assign  AssignConfig  `mapstructure:"assign"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, or postgres
	DSN    string `mapstructure:"dsn"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// ClaimsConfig tunes the claim lifecycle loops.
type ClaimsConfig struct {
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ExpireEvery    time.Duration `mapstructure:"expire_every"`
	SweepEvery     time.Duration `mapstructure:"sweep_every"`
	AutoRebalance  bool          `mapstructure:"auto_rebalance"`
	RebalanceEvery time.Duration `mapstructure:"rebalance_every"`
}

// StealConfig tunes the work stealing rules.
type StealConfig struct {
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	MinProgressToProtect float64       `mapstructure:"min_progress_to_protect"`
	StaleThreshold       time.Duration `mapstructure:"stale_threshold"`
	BlockedThreshold     time.Duration `mapstructure:"blocked_threshold"`
	ContestWindow        time.Duration `mapstructure:"contest_window"`
	AllowCrossType       bool          `mapstructure:"allow_cross_type"`
}

// LoadConfig tunes the load balancer.
type LoadConfig struct {
	OverloadThreshold    float64 `mapstructure:"overload_threshold"`
	UnderloadThreshold   float64 `mapstructure:"underload_threshold"`
	MaxProgressToMove    float64 `mapstructure:"max_progress_to_move"`
	MaxMovesPerRebalance int     `mapstructure:"max_moves_per_rebalance"`
	BlockFactor          float64 `mapstructure:"block_factor"`
}

// AssignConfig tunes the auto-assignment scoring weights.
type AssignConfig struct {
	CapabilityMatch float64 `mapstructure:"capability_match"`
	FullMatchBonus  float64 `mapstructure:"full_match_bonus"`
	Specialization  float64 `mapstructure:"specialization"`
	WorkloadPenalty float64 `mapstructure:"workload_penalty"`
	AgentBonus      float64 `mapstructure:"agent_bonus"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "claimflow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("claims.stale_after", time.Hour)
	v.SetDefault("claims.expire_every", 5*time.Minute)
	v.SetDefault("claims.sweep_every", 5*time.Minute)
	v.SetDefault("claims.auto_rebalance", false)
	v.SetDefault("claims.rebalance_every", 15*time.Minute)

	steal := domain.DefaultStealConfig()
	v.SetDefault("steal.grace_period", steal.GracePeriod)
	v.SetDefault("steal.min_progress_to_protect", steal.MinProgressToProtect)
	v.SetDefault("steal.stale_threshold", steal.StaleThreshold)
	v.SetDefault("steal.blocked_threshold", steal.BlockedThreshold)
	v.SetDefault("steal.contest_window", steal.ContestWindow)
	v.SetDefault("steal.allow_cross_type", false)

	load := domain.DefaultLoadConfig()
	v.SetDefault("load.overload_threshold", load.OverloadThreshold)
	v.SetDefault("load.underload_threshold", load.UnderloadThreshold)
	v.SetDefault("load.max_progress_to_move", load.MaxProgressToMove)
	v.SetDefault("load.max_moves_per_rebalance", load.MaxMovesPerRebalance)
	v.SetDefault("load.block_factor", load.BlockFactor)

	assign := domain.DefaultAssignWeights()
	v.SetDefault("assign.capability_match", assign.CapabilityMatch)
	v.SetDefault("assign.full_match_bonus", assign.FullMatchBonus)
	v.SetDefault("assign.specialization", assign.Specialization)
	v.SetDefault("assign.workload_penalty", assign.WorkloadPenalty)
	v.SetDefault("assign.agent_bonus", assign.AgentBonus)
}

// Load reads configuration from an optional file plus CLAIMFLOW_* environment
// variables. A missing file is fine; a malformed one is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLAIMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("claimflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.claimflow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Load.MaxMovesPerRebalance <= 0 {
		return fmt.Errorf("load.max_moves_per_rebalance must be positive")
	}
	return nil
}

// StealRules converts to the domain steal configuration.
func (c *Config) StealRules() domain.StealConfig {
	return domain.StealConfig{
		GracePeriod:          c.Steal.GracePeriod,
		MinProgressToProtect: c.Steal.MinProgressToProtect,
		StaleThreshold:       c.Steal.StaleThreshold,
		BlockedThreshold:     c.Steal.BlockedThreshold,
		ContestWindow:        c.Steal.ContestWindow,
		AllowCrossType:       c.Steal.AllowCrossType,
	}
}

// LoadRules converts to the domain balancer configuration.
func (c *Config) LoadRules() domain.LoadConfig {
	return domain.LoadConfig{
		OverloadThreshold:    c.Load.OverloadThreshold,
		UnderloadThreshold:   c.Load.UnderloadThreshold,
		MaxProgressToMove:    c.Load.MaxProgressToMove,
		MaxMovesPerRebalance: c.Load.MaxMovesPerRebalance,
		BlockFactor:          c.Load.BlockFactor,
	}
}

// AssignRules converts to the domain assignment weights.
func (c *Config) AssignRules() domain.AssignWeights {
	return domain.AssignWeights{
		CapabilityMatch: c.Assign.CapabilityMatch,
		FullMatchBonus:  c.Assign.FullMatchBonus,
		Specialization:  c.Assign.Specialization,
		WorkloadPenalty: c.Assign.WorkloadPenalty,
		AgentBonus:      c.Assign.AgentBonus,
	}
}
