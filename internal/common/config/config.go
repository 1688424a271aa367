// Package config loads operational configuration for the loop orchestrator
// core from environment variables and an optional config file, following
// the teacher's viper + mapstructure layering.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Data         DataConfig         `mapstructure:"data"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Assignment   AssignmentConfig   `mapstructure:"assignment"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds control-plane bind settings for the event stream.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DataConfig locates the per-project persistence directory (spec §6).
type DataConfig struct {
	Root string `mapstructure:"root"` // <project>/<data-dir>
}

// SupervisorConfig holds Agent Process Supervisor timeouts and caps (spec §5).
type SupervisorConfig struct {
	SpawnTimeout       time.Duration `mapstructure:"spawnTimeout"`
	DefaultIdleTimeout time.Duration `mapstructure:"defaultIdleTimeout"`
	TerminationGrace   time.Duration `mapstructure:"terminationGrace"`
	MaxConcurrentAgents int          `mapstructure:"maxConcurrentAgents"`
}

// AssignmentConfig holds Assignment Coordinator TTL and sweep settings.
type AssignmentConfig struct {
	DefaultTTL    time.Duration `mapstructure:"defaultTTL"`
	MaxTTL        time.Duration `mapstructure:"maxTTL"` // bounded above by 1 hour per spec §5
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

// OrchestratorConfig holds Loop Orchestrator defaults (spec §4.7).
type OrchestratorConfig struct {
	MaxIterations int           `mapstructure:"maxIterations"`
	MaxCostTokens int64         `mapstructure:"maxCostTokens"`
	RetryMaxAttempts int        `mapstructure:"retryMaxAttempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retryBaseDelay"`
	RetryMultiplier  float64       `mapstructure:"retryMultiplier"`
	ErrorStrategy    string        `mapstructure:"errorStrategy"` // abort-loop | skip-iteration | continue
}

// LoggingConfig mirrors internal/common/logger.Config, kept separate so
// config loading doesn't create an import cycle with the logger package.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Default returns the built-in defaults, overridden by Load.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8077},
		Data:   DataConfig{Root: ".loopd"},
		Supervisor: SupervisorConfig{
			SpawnTimeout:        30 * time.Second,
			DefaultIdleTimeout:  10 * time.Minute,
			TerminationGrace:    5 * time.Second,
			MaxConcurrentAgents: 4,
		},
		Assignment: AssignmentConfig{
			DefaultTTL:    15 * time.Minute,
			MaxTTL:        time.Hour,
			SweepInterval: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:    25,
			MaxCostTokens:    0, // 0 = unbounded
			RetryMaxAttempts: 3,
			RetryBaseDelay:   5 * time.Second,
			RetryMultiplier:  2.0,
			ErrorStrategy:    "continue",
		},
		Logging: LoggingConfig{Level: "info", Format: "text", OutputPath: "stdout"},
	}
}

// Load reads configuration from an optional file at path (may be empty),
// environment variables prefixed LOOPD_, and falls back to Default() for
// anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOOPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("data.root", def.Data.Root)
	v.SetDefault("supervisor.spawnTimeout", def.Supervisor.SpawnTimeout)
	v.SetDefault("supervisor.defaultIdleTimeout", def.Supervisor.DefaultIdleTimeout)
	v.SetDefault("supervisor.terminationGrace", def.Supervisor.TerminationGrace)
	v.SetDefault("supervisor.maxConcurrentAgents", def.Supervisor.MaxConcurrentAgents)
	v.SetDefault("assignment.defaultTTL", def.Assignment.DefaultTTL)
	v.SetDefault("assignment.maxTTL", def.Assignment.MaxTTL)
	v.SetDefault("assignment.sweepInterval", def.Assignment.SweepInterval)
	v.SetDefault("orchestrator.maxIterations", def.Orchestrator.MaxIterations)
	v.SetDefault("orchestrator.maxCostTokens", def.Orchestrator.MaxCostTokens)
	v.SetDefault("orchestrator.retryMaxAttempts", def.Orchestrator.RetryMaxAttempts)
	v.SetDefault("orchestrator.retryBaseDelay", def.Orchestrator.RetryBaseDelay)
	v.SetDefault("orchestrator.retryMultiplier", def.Orchestrator.RetryMultiplier)
	v.SetDefault("orchestrator.errorStrategy", def.Orchestrator.ErrorStrategy)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.outputPath", def.Logging.OutputPath)
}
