package config

import (
	"fmt"
	"os"

	"smartgrid-relay/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

const (
	DefaultPort             = 3000
	DefaultPollIntervalMs   = 500
	DefaultViewerBuffer     = 256
	DefaultEventBuffer      = 64
	DefaultConnectRetries   = 3
	DefaultRetryBaseDelayMs = 500
	DefaultMirrorKeyPrefix  = "relay:latest:"
)

// DefaultAllowedModes are the modes the dashboards can request.
var DefaultAllowedModes = []string{"mppt", "normal"}

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new Config instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	return Parse(data)
}

// -----------------------------------------------------------------------------

// Parse builds a Config from YAML bytes, applying defaults before validation.
func Parse(data []byte) (*Config, error) {
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// ApplyDefaults fills every optional field left empty in the file.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "smartgrid-relay"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.GrpcHost == "" {
		c.GrpcHost = c.Host
	}

	if c.Storage.DBType == "" {
		c.Storage.DBType = "sqlite"
	}
	if c.Storage.PollIntervalMs == 0 {
		c.Storage.PollIntervalMs = DefaultPollIntervalMs
	}

	if c.Mirror.KeyPrefix == "" {
		c.Mirror.KeyPrefix = DefaultMirrorKeyPrefix
	}

	if c.Network.ConnectRetries == 0 {
		c.Network.ConnectRetries = DefaultConnectRetries
	}
	if c.Network.RetryBaseDelayMs == 0 {
		c.Network.RetryBaseDelayMs = DefaultRetryBaseDelayMs
	}

	if len(c.Pipeline.Sources) == 0 {
		for _, name := range models.AllSources {
			c.Pipeline.Sources = append(c.Pipeline.Sources, models.MSourceConfig{Name: string(name)})
		}
	}
	for i := range c.Pipeline.Sources {
		if c.Pipeline.Sources[i].Collection == "" {
			c.Pipeline.Sources[i].Collection = models.SourceName(c.Pipeline.Sources[i].Name).DefaultCollection()
		}
	}
	if len(c.Pipeline.AllowedModes) == 0 {
		c.Pipeline.AllowedModes = append([]string(nil), DefaultAllowedModes...)
	}
	if c.Pipeline.ViewerBuffer == 0 {
		c.Pipeline.ViewerBuffer = DefaultViewerBuffer
	}
	if c.Pipeline.EventBuffer == 0 {
		c.Pipeline.EventBuffer = DefaultEventBuffer
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort != 0 {
		if c.GrpcPort <= 1024 || c.GrpcPort > 65535 {
			return fmt.Errorf("invalid grpc port number: %d (must be between 1025 and 65535)", c.GrpcPort)
		}
		if c.GrpcPort == c.Port && c.GrpcHost == c.Host {
			return fmt.Errorf("grpc port %d collides with the http port", c.GrpcPort)
		}
	}

	if c.LogFile.MaxSizeMB < 0 || c.LogFile.MaxBackups < 0 || c.LogFile.MaxAgeDays < 0 {
		return fmt.Errorf("log file rotation settings cannot be negative")
	}

	// Validate Storage configuration
	switch c.Storage.DBType {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("database connection string cannot be empty for postgres")
		}
	case "kafka":
		if len(c.Storage.KafkaBrokers) == 0 {
			return fmt.Errorf("at least one kafka broker must be configured")
		}
		if c.Storage.KafkaGroupID == "" {
			return fmt.Errorf("kafka group id cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Storage.DBType)
	}
	if c.Storage.PollIntervalMs < 0 {
		return fmt.Errorf("poll interval cannot be negative")
	}

	// Validate Network configuration
	if c.Network.ConnectRetries < 0 {
		return fmt.Errorf("connect retries cannot be negative")
	}
	if c.Network.RetryBaseDelayMs < 0 {
		return fmt.Errorf("retry base delay cannot be negative")
	}

	// Validate Pipeline configuration
	if len(c.Pipeline.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	seen := make(map[string]bool, len(c.Pipeline.Sources))
	for i, src := range c.Pipeline.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d must have a name", i)
		}
		if !models.SourceName(src.Name).IsKnown() {
			return fmt.Errorf("unknown source '%s'", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("source '%s' is configured twice", src.Name)
		}
		seen[src.Name] = true
		if src.Collection == "" {
			return fmt.Errorf("source '%s' must have a collection", src.Name)
		}
	}
	for i, mode := range c.Pipeline.AllowedModes {
		if mode == "" {
			return fmt.Errorf("allowed mode %d cannot be empty", i)
		}
	}
	if c.Pipeline.ViewerBuffer < 1 {
		return fmt.Errorf("viewer buffer must be greater than 0")
	}
	if c.Pipeline.EventBuffer < 1 {
		return fmt.Errorf("event buffer must be greater than 0")
	}
	if c.Pipeline.RestartDelaySeconds < 0 {
		return fmt.Errorf("restart delay cannot be negative")
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}

// -----------------------------------------------------------------------------

// Addr is the host:port of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GrpcAddr is the host:port of the control service, empty when disabled.
func (c *Config) GrpcAddr() string {
	if c.GrpcPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.GrpcHost, c.GrpcPort)
}
