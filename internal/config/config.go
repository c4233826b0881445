package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default ports for the collaboration services
const (
	DefaultControlPort = 55000
	DefaultScreenPort  = 55010
	DefaultFilePort    = 55020
	DefaultVideoPort   = 56000
	DefaultAudioPort   = 56010
	DefaultLatencyPort = 56020
	DefaultAdminPort   = 57000
)

// NetworkConfig holds listener addresses and ports
type NetworkConfig struct {
	Host        string `json:"host"`
	ControlPort int    `json:"control_port"`
	ScreenPort  int    `json:"screen_port"`
	VideoPort   int    `json:"video_port"`
	AudioPort   int    `json:"audio_port"`
	LatencyPort int    `json:"latency_port"`
	FilePort    int    `json:"file_port"`
	AdminPort   int    `json:"admin_port"`
}

// SessionConfig holds session coordination settings
type SessionConfig struct {
	PreSharedKey            string `json:"pre_shared_key,omitempty"`
	HeartbeatTimeoutSeconds int    `json:"heartbeat_timeout_seconds"`
}

// StorageConfig holds file transfer settings
type StorageConfig struct {
	Dir           string `json:"dir"`
	MaxUploadSize int64  `json:"max_upload_size"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path,omitempty"`
}

// Config is the root server configuration
type Config struct {
	Network NetworkConfig `json:"network"`
	Session SessionConfig `json:"session"`
	Storage StorageConfig `json:"storage"`
	Log     LogConfig     `json:"log"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:        "0.0.0.0",
			ControlPort: DefaultControlPort,
			ScreenPort:  DefaultScreenPort,
			VideoPort:   DefaultVideoPort,
			AudioPort:   DefaultAudioPort,
			LatencyPort: DefaultLatencyPort,
			FilePort:    DefaultFilePort,
			AdminPort:   DefaultAdminPort,
		},
		Session: SessionConfig{
			HeartbeatTimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			Dir:           "server_storage",
			MaxUploadSize: 512 * 1024 * 1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a JSON file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a partial config file
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Network.Host == "" {
		c.Network.Host = def.Network.Host
	}
	if c.Network.ControlPort == 0 {
		c.Network.ControlPort = def.Network.ControlPort
	}
	if c.Network.ScreenPort == 0 {
		c.Network.ScreenPort = def.Network.ScreenPort
	}
	if c.Network.VideoPort == 0 {
		c.Network.VideoPort = def.Network.VideoPort
	}
	if c.Network.AudioPort == 0 {
		c.Network.AudioPort = def.Network.AudioPort
	}
	if c.Network.LatencyPort == 0 {
		c.Network.LatencyPort = def.Network.LatencyPort
	}
	if c.Network.FilePort == 0 {
		c.Network.FilePort = def.Network.FilePort
	}
	if c.Network.AdminPort == 0 {
		c.Network.AdminPort = def.Network.AdminPort
	}
	if c.Session.HeartbeatTimeoutSeconds <= 0 {
		c.Session.HeartbeatTimeoutSeconds = def.Session.HeartbeatTimeoutSeconds
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = def.Storage.Dir
	}
	if c.Storage.MaxUploadSize <= 0 {
		c.Storage.MaxUploadSize = def.Storage.MaxUploadSize
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}
