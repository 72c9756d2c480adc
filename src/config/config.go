// Package config provides the Worker and Manager's layered
// configuration: a viper-backed global Config plus, per job, an
// override map resolved on top of it — mirroring the original's
// LazyConfig composition of [global, per-job] layers. Structure and
// defaulting style grounded on the teacher's src/config/config.go
// (struct-tagged Config, DefaultConfig constructor, LoadConfig via
// viper.New + AutomaticEnv).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the Worker/Manager process-wide configuration.
type Config struct {
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Executor struct {
		KeyPrefix           string        `mapstructure:"key_prefix"`
		HealthcheckInterval time.Duration `mapstructure:"healthcheck_interval"`
		Timeout             time.Duration `mapstructure:"timeout"`
		TimeoutDelay        time.Duration `mapstructure:"timeout_delay"`
		WorkerType          string        `mapstructure:"worker_type"`
		WorkerConcurrency   int           `mapstructure:"worker_concurrency"`

		// ProcessCommand/ProcessArgs configure the spawned subprocess
		// used when WorkerType is "process"; ignored otherwise.
		ProcessCommand string   `mapstructure:"process_command"`
		ProcessArgs    []string `mapstructure:"process_args"`
	} `mapstructure:"executor"`

	Manager struct {
		Addr          string        `mapstructure:"addr"`
		DatabaseURL   string        `mapstructure:"database_url"`
		MaxAssigned   int           `mapstructure:"max_assigned_items"`
		LeaseDuration time.Duration `mapstructure:"lease_duration"`
		JWTSecret     string        `mapstructure:"jwt_secret"`
	} `mapstructure:"manager"`

	Logging struct {
		Pretty bool   `mapstructure:"pretty"`
		Level  string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// DefaultConfig returns the configuration used when no file or
// environment override is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Executor.KeyPrefix = "corepipe"
	cfg.Executor.HealthcheckInterval = 10 * time.Second
	cfg.Executor.Timeout = 1200 * time.Second
	cfg.Executor.TimeoutDelay = 60 * time.Second
	cfg.Executor.WorkerType = "thread"
	cfg.Executor.WorkerConcurrency = 4
	cfg.Manager.Addr = ":8080"
	cfg.Manager.MaxAssigned = 50
	cfg.Manager.LeaseDuration = 15 * time.Minute
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads configuration from configPath (if non-empty), layering
// environment variables under the "COREPIPE" prefix on top, the way
// the teacher's LoadConfig layers LLMRT_ env vars onto a viper-loaded
// file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("corepipe")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	v.SetEnvPrefix("COREPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registering every default lets Unmarshal see (and so read from the
	// environment) keys the config file does not mention.
	var defaults map[string]interface{}
	if err := mapstructure.Decode(cfg, &defaults); err != nil {
		return nil, fmt.Errorf("config: register defaults: %w", err)
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// LayeredConfig composes the global Config with a per-job override
// map (QueueItem.Config), resolving job-specific values over the
// global defaults — the Go-idiomatic equivalent of the original's
// LazyConfig [global, per-job] layer chain.
type LayeredConfig struct {
	global *Config
	job    map[string]interface{}
}

// NewLayeredConfig builds a LayeredConfig for one job.
func NewLayeredConfig(global *Config, jobOverrides map[string]interface{}) *LayeredConfig {
	return &LayeredConfig{global: global, job: jobOverrides}
}

// Resolve decodes the composed [global, job] layers into dst (a
// pointer to a mapstructure-tagged struct), with job-layer keys
// winning on conflict.
func (l *LayeredConfig) Resolve(dst interface{}) error {
	var globalMap map[string]interface{}
	if err := mapstructure.Decode(l.global, &globalMap); err != nil {
		return fmt.Errorf("config: decode global layer: %w", err)
	}

	merged := make(map[string]interface{}, len(globalMap)+len(l.job))
	for k, v := range globalMap {
		merged[k] = v
	}
	for k, v := range l.job {
		merged[k] = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("config: build decoder: %w", err)
	}
	return decoder.Decode(merged)
}
