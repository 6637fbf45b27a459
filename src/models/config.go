package models

// MConfig Structure
type MConfig struct {
	Name     string          `yaml:"name"`
	Host     string          `yaml:"host"`
	Port     int             `yaml:"port"`
	LogLevel string          `yaml:"log_level"`
	LogFile  MLogFileConfig  `yaml:"log_file"`
	GrpcHost string          `yaml:"grpc_host"`
	GrpcPort int             `yaml:"grpc_port"`
	Storage  MStorageConfig  `yaml:"storage"`
	Mirror   MMirrorConfig   `yaml:"mirror"`
	Network  MNetworkConfig  `yaml:"network"`
	Pipeline MPipelineConfig `yaml:"pipeline"`
}

type MStorageConfig struct {
	DBType             string   `yaml:"db_type"` // sqlite, postgres or kafka
	DBPath             string   `yaml:"db_path"`
	DBConnectionString string   `yaml:"db_connection_string"`
	PollIntervalMs     int      `yaml:"poll_interval_ms"`
	KafkaBrokers       []string `yaml:"kafka_brokers,omitempty"`
	KafkaGroupID       string   `yaml:"kafka_group_id"`
	KafkaModeTopic     string   `yaml:"kafka_mode_topic,omitempty"` // defaults to the mode_change topic
}

// MLogFileConfig enables a rotating copy of the log on disk. Empty Path
// keeps logging on stdout only.
type MLogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MMirrorConfig configures the optional Redis copy of the latest-state cache.
type MMirrorConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

type MNetworkConfig struct {
	ConnectRetries   int `yaml:"connect_retries"`
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
}

type MPipelineConfig struct {
	Sources             []MSourceConfig `yaml:"sources"`
	AllowedModes        []string        `yaml:"allowed_modes"`
	ViewerBuffer        int             `yaml:"viewer_buffer"`
	EventBuffer         int             `yaml:"event_buffer"`
	RestartDelaySeconds int             `yaml:"restart_delay_seconds"`
	SeedFromStore       bool            `yaml:"seed_from_store"`
}

// MSourceConfig binds a source name to its upstream collection (table or topic).
type MSourceConfig struct {
	Name       string `yaml:"name"`
	Collection string `yaml:"collection"`
}

// GetLogLevel lets the logger read the level from any config wrapper.
func (c *MConfig) GetLogLevel() string {
	if c == nil {
		return ""
	}
	return c.LogLevel
}

// GetLogFile lets the logger read the log file settings from any config wrapper.
func (c *MConfig) GetLogFile() MLogFileConfig {
	if c == nil {
		return MLogFileConfig{}
	}
	return c.LogFile
}
