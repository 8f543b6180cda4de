package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	// Host is the bind address; 0.0.0.0 binds all interfaces
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the HTTP listen port
	Port int `yaml:"port" mapstructure:"port"`

	// MaxHeaderBytes caps the request header size
	MaxHeaderBytes int `yaml:"max_header_bytes" mapstructure:"max_header_bytes"`

	// ReadTimeoutMs is loaded from the config file; the server binary does
	// not pass it to the transport, so request reads carry no timeout
	ReadTimeoutMs int `yaml:"read_timeout_ms" mapstructure:"read_timeout_ms"`

	// GracefulShutdownSec bounds in-flight drain on shutdown
	GracefulShutdownSec int `yaml:"graceful_shutdown_seconds" mapstructure:"graceful_shutdown_seconds"`
}

// EngineConfig selects and configures the backing engine
type EngineConfig struct {
	// Type is the engine type: memory, sqlite
	Type string `yaml:"type" mapstructure:"type"`

	// DSN is the driver data source name for sql-backed engines
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// SessionConfig bounds the server-side session caches
type SessionConfig struct {
	// MaxConnections is the connection cache capacity
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// MaxStatements is the statement cache capacity
	MaxStatements int `yaml:"max_statements" mapstructure:"max_statements"`

	// ConnectionIdleSec expires connections idle longer than this
	ConnectionIdleSec int `yaml:"connection_idle_seconds" mapstructure:"connection_idle_seconds"`

	// StatementIdleSec expires statements idle longer than this
	StatementIdleSec int `yaml:"statement_idle_seconds" mapstructure:"statement_idle_seconds"`

	// MaxRowsPerFrame is loaded from the config file; the server binary does
	// not pass it on, and frames are capped by meta.DefaultFrameMaxSize
	MaxRowsPerFrame int `yaml:"max_rows_per_frame" mapstructure:"max_rows_per_frame"`
}

// LogConfig holds logging settings
type LogConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `yaml:"level" mapstructure:"level"`

	// Output is one of: stdout, file
	Output string `yaml:"output" mapstructure:"output"`

	// FilePath is the log file path when Output is "file"
	FilePath string `yaml:"file_path" mapstructure:"file_path"`
}

// LoadConfig loads the configuration file at path
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := NewDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfigFromYAML loads configuration from a YAML string
func LoadConfigFromYAML(yamlStr string) (*Config, error) {
	config := NewDefaultConfig()
	err := yaml.Unmarshal([]byte(yamlStr), config)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return config, nil
}

// SaveConfig writes the configuration to path
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// NewDefaultConfig returns the default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8765,
			MaxHeaderBytes:      64 * 1024,
			GracefulShutdownSec: 30,
		},
		Engine: EngineConfig{
			Type: "memory",
		},
		Session: SessionConfig{
			MaxConnections:    1000,
			MaxStatements:     10000,
			ConnectionIdleSec: 600,
			StatementIdleSec:  600,
			MaxRowsPerFrame:   100,
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

var currentConfig *Config
var configMutex sync.RWMutex

// SetCurrentConfig installs the process-wide configuration
func SetCurrentConfig(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	currentConfig = cfg
}

// GetCurrentConfig returns the process-wide configuration
func GetCurrentConfig() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return nil, fmt.Errorf("config not initialized")
	}

	return currentConfig, nil
}
