package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the complete server configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Processing ProcessingConfig `toml:"processing"`
	Sessions   SessionsConfig   `toml:"sessions"`
	Output     OutputConfig     `toml:"output"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Host           string     `toml:"host"`
	Port           int        `toml:"port"`
	BaseURL        string     `toml:"base_url"`
	MaxUploadBytes int64      `toml:"max_upload_bytes"`
	Auth           AuthConfig `toml:"auth"`
	TLS            TLSConfig  `toml:"tls"`
}

type AuthConfig struct {
	Enabled           bool     `toml:"enabled"`
	APIKeys           []string `toml:"api_keys"`
	BasicAuthUser     string   `toml:"basic_auth_user"`
	BasicAuthPassHash string   `toml:"basic_auth_password_hash"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type ProcessingConfig struct {
	TempDirectory           string         `toml:"temp_directory"`
	MaxParallelPages        int            `toml:"max_parallel_pages"`
	StreamingThresholdBytes int64          `toml:"streaming_threshold_bytes"`
	StreamingThresholdPages int            `toml:"streaming_threshold_pages"`
	Raster                  RasterConfig   `toml:"raster"`
	OCR                     OCRConfig      `toml:"ocr"`
	Cleaning                CleaningConfig `toml:"cleaning"`
}

type RasterConfig struct {
	DPI          float64 `toml:"dpi"`
	MaxDimension int     `toml:"max_dimension"`
	JPEGQuality  int     `toml:"jpeg_quality"`
}

type OCRConfig struct {
	Language     string   `toml:"language"`
	PageSegMode  int      `toml:"page_seg_mode"`
	Timeout      duration `toml:"timeout"`
	Retries      int      `toml:"retries"`
	RetryBackoff duration `toml:"retry_backoff"`
}

type CleaningConfig struct {
	Enabled bool `toml:"enabled"`
}

type SessionsConfig struct {
	Retention     duration `toml:"retention"`
	SweepInterval duration `toml:"sweep_interval"`
}

type OutputConfig struct {
	AutoExport    bool             `toml:"auto_export"`
	DefaultTarget string           `toml:"default_target"`
	Filesystem    FilesystemConfig `toml:"filesystem"`
	SMB           SMBConfig        `toml:"smb"`
}

type FilesystemConfig struct {
	Directory string `toml:"directory"`
}

type SMBConfig struct {
	Enabled         bool   `toml:"enabled"`
	Server          string `toml:"server"`
	Share           string `toml:"share"`
	Username        string `toml:"username"`
	PasswordFile    string `toml:"password_file"`
	Password        string `toml:"password"`
	Directory       string `toml:"directory"`
	FilenamePattern string `toml:"filename_pattern"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// duration wraps time.Duration for TOML unmarshaling.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(dur)
	return nil
}

func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the server configuration from a TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.loadSecrets(); err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 100 << 20,
		},
		Processing: ProcessingConfig{
			TempDirectory:           "/tmp/ocrflow",
			MaxParallelPages:        2,
			StreamingThresholdBytes: 10 << 20,
			StreamingThresholdPages: 20,
			Raster: RasterConfig{
				DPI:          300,
				MaxDimension: 4000,
				JPEGQuality:  90,
			},
			OCR: OCRConfig{
				Language:     "vie",
				PageSegMode:  -1,
				Timeout:      duration(60 * time.Second),
				Retries:      2,
				RetryBackoff: duration(500 * time.Millisecond),
			},
			Cleaning: CleaningConfig{
				Enabled: true,
			},
		},
		Sessions: SessionsConfig{
			Retention:     duration(30 * time.Minute),
			SweepInterval: duration(1 * time.Minute),
		},
		Output: OutputConfig{
			DefaultTarget: "filesystem",
			Filesystem: FilesystemConfig{
				Directory: "/var/lib/ocrflow/documents",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadSecrets reads secret values from files.
func (c *Config) loadSecrets() error {
	if c.Output.SMB.PasswordFile != "" && c.Output.SMB.Password == "" {
		password, err := readSecretFile(c.Output.SMB.PasswordFile)
		if err != nil && c.Output.SMB.Enabled {
			return fmt.Errorf("smb password: %w", err)
		}
		c.Output.SMB.Password = password
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
