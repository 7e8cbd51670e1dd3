package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete image2rtsp configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ListenAddr       string         `yaml:"listen_addr"`
	DataDir          string         `yaml:"data_dir"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Encoder          EncoderConfig  `yaml:"encoder"`
	Pump             PumpConfig     `yaml:"pump"`
	Recovery         RecoveryConfig `yaml:"recovery"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	MaxUploadBytes   int64          `yaml:"max_upload_bytes"`
}

// EncoderConfig contains ffmpeg encode/transport settings shared by all tasks
type EncoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	FPS        int    `yaml:"fps"`        // frame rate fed to ffmpeg and paced by the pump
	GOPSize    int    `yaml:"gop_size"`   // keyframe interval in frames, clamped to FPS
	KeyintMin  int    `yaml:"keyint_min"` // keyframe interval floor
	Bitrate    string `yaml:"bitrate"`    // e.g. "2M"
	Preset     string `yaml:"preset"`     // x264 speed preset
	Tune       string `yaml:"tune"`       // x264 tune
	Profile    string `yaml:"profile"`
	Level      string `yaml:"level"`
}

// PumpConfig contains per-task stream pump settings
type PumpConfig struct {
	RefreshIntervalS int `yaml:"refresh_interval_s"` // image list refresh period
	StopTimeoutS     int `yaml:"stop_timeout_s"`     // grace period joining a pump on stop
}

// RecoveryConfig contains fleet supervisor settings
type RecoveryConfig struct {
	IntervalS          int `yaml:"interval_s"`          // reconciliation poll interval
	MaxRetry           int `yaml:"max_retry"`           // restart attempts before giving up
	CooldownMultiplier int `yaml:"cooldown_multiplier"` // cooldown = multiplier * interval
}

// MQTTConfig contains optional status emitter settings.
// An empty broker disables the emitter.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for embedding in
// tests and for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "image2rtsp"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8083"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 16 << 20
	}

	if cfg.Encoder.FFmpegPath == "" {
		cfg.Encoder.FFmpegPath = "ffmpeg"
	}
	if cfg.Encoder.FPS == 0 {
		cfg.Encoder.FPS = 25
	}
	if cfg.Encoder.GOPSize == 0 {
		cfg.Encoder.GOPSize = 25
	}
	if cfg.Encoder.KeyintMin == 0 {
		cfg.Encoder.KeyintMin = 10
	}
	if cfg.Encoder.Bitrate == "" {
		cfg.Encoder.Bitrate = "2M"
	}
	if cfg.Encoder.Preset == "" {
		cfg.Encoder.Preset = "ultrafast"
	}
	if cfg.Encoder.Tune == "" {
		cfg.Encoder.Tune = "fastdecode"
	}
	if cfg.Encoder.Profile == "" {
		cfg.Encoder.Profile = "high"
	}
	if cfg.Encoder.Level == "" {
		cfg.Encoder.Level = "4.1"
	}

	if cfg.Pump.RefreshIntervalS == 0 {
		cfg.Pump.RefreshIntervalS = 5
	}
	if cfg.Pump.StopTimeoutS == 0 {
		cfg.Pump.StopTimeoutS = 5
	}

	if cfg.Recovery.IntervalS == 0 {
		cfg.Recovery.IntervalS = 60
	}
	if cfg.Recovery.MaxRetry == 0 {
		cfg.Recovery.MaxRetry = 3
	}
	if cfg.Recovery.CooldownMultiplier == 0 {
		cfg.Recovery.CooldownMultiplier = 3
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "image2rtsp"
	}
}

// Validate checks configuration invariants (fail-fast principle)
func Validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.Encoder.FPS < 1 || cfg.Encoder.FPS > 120 {
		return fmt.Errorf("invalid fps %d (must be 1-120)", cfg.Encoder.FPS)
	}
	// The keyframe interval must not exceed one second of video, so a client
	// joining mid-stream decodes within a second.
	if cfg.Encoder.GOPSize > cfg.Encoder.FPS {
		cfg.Encoder.GOPSize = cfg.Encoder.FPS
	}
	if cfg.Pump.RefreshIntervalS < 1 {
		return fmt.Errorf("invalid refresh_interval_s %d (must be >= 1)", cfg.Pump.RefreshIntervalS)
	}
	if cfg.Recovery.IntervalS < 1 {
		return fmt.Errorf("invalid recovery interval_s %d (must be >= 1)", cfg.Recovery.IntervalS)
	}
	if cfg.Recovery.MaxRetry < 1 {
		return fmt.Errorf("invalid max_retry %d (must be >= 1)", cfg.Recovery.MaxRetry)
	}
	return nil
}
