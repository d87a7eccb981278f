package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chosenoffset/seriesmath/pkg/seriesmath"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	MaxClients int           `yaml:"max_clients"` // Websocket subscribers
	MaxBody    int64         `yaml:"max_body"`    // Request body limit in bytes
	Timeouts   TimeoutConfig `yaml:"timeouts"`
}

type TimeoutConfig struct {
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
	Idle  time.Duration `yaml:"idle"`
}

type LimitsConfig struct {
	MaxScriptLength     int           `yaml:"max_script_length"`
	MaxScriptComplexity int           `yaml:"max_script_complexity"`
	MaxEvaluationTime   time.Duration `yaml:"max_evaluation_time"`
	MaxConcurrentPanels int           `yaml:"max_concurrent_panels"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	limits := seriesmath.DefaultLimits()
	return &Config{
		Server: ServerConfig{
			Host:       "localhost",
			Port:       9200,
			MaxClients: 100,
			MaxBody:    10 << 20,
			Timeouts: TimeoutConfig{
				Read:  15 * time.Second,
				Write: 15 * time.Second,
				Idle:  60 * time.Second,
			},
		},
		Limits: LimitsConfig{
			MaxScriptLength:     limits.MaxScriptLength,
			MaxScriptComplexity: limits.MaxScriptComplexity,
			MaxEvaluationTime:   limits.MaxEvaluationTime,
			MaxConcurrentPanels: limits.MaxConcurrentPanels,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the YAML file at path over Default. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxClients < 0 {
		errs = append(errs, errors.New("server.max_clients must not be negative"))
	}
	if c.Limits.MaxScriptLength <= 0 {
		errs = append(errs, errors.New("limits.max_script_length must be positive"))
	}
	if c.Limits.MaxScriptComplexity <= 0 {
		errs = append(errs, errors.New("limits.max_script_complexity must be positive"))
	}
	if c.Limits.MaxEvaluationTime < 0 {
		errs = append(errs, errors.New("limits.max_evaluation_time must not be negative"))
	}
	if c.Limits.MaxConcurrentPanels <= 0 {
		errs = append(errs, errors.New("limits.max_concurrent_panels must be positive"))
	}
	switch c.Logging.Format {
	case "auto", "terminal", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of auto, terminal, text, json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ProcessorLimits converts the limits section for seriesmath.WithLimits.
func (c *Config) ProcessorLimits() *seriesmath.Limits {
	return &seriesmath.Limits{
		MaxScriptLength:     c.Limits.MaxScriptLength,
		MaxScriptComplexity: c.Limits.MaxScriptComplexity,
		MaxEvaluationTime:   c.Limits.MaxEvaluationTime,
		MaxConcurrentPanels: c.Limits.MaxConcurrentPanels,
	}
}
