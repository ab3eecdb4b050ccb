// Package config loads gocopy settings from an optional YAML file. Command
// line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultWorkers   = 1
	DefaultInterval  = 200 * time.Millisecond
	DefaultChunkSize = 1 << 20

	// S3 rejects multipart parts smaller than 5 MiB.
	minPartSize = 5 << 20
)

// Config holds the engine, history and logging settings.
type Config struct {
	// Number of transfers allowed to run at the same time.
	Workers int `yaml:"workers"`
	// How often the combined progress readout is recomputed.
	Interval time.Duration `yaml:"interval"`
	// Bytes moved per read/write cycle; also bounds cancellation latency.
	ChunkSize int `yaml:"chunk_size"`
	// Compute a CRC64 of every copied file and keep it in the history.
	Checksum bool `yaml:"checksum"`
	// Re-read every destination after the copy and compare checksums.
	// Implies Checksum.
	Verify bool `yaml:"verify"`
	// Copy mode bits and modification time after a successful copy.
	PreserveMetadata bool `yaml:"preserve_metadata"`
	// bbolt file recording job outcomes. Empty disables history.
	HistoryPath string `yaml:"history_path"`
	// Use the full-screen terminal UI when attached to a terminal.
	TUI bool      `yaml:"tui"`
	Log LogConfig `yaml:"log"`
	S3  S3Config  `yaml:"s3"`
}

// S3Config points s3:// paths at AWS or an S3-compatible service.
// Credentials always come from the standard AWS chain.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	PartSize  int64  `yaml:"part_size"`
}

// LogConfig selects log verbosity and destination.
type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns the reference configuration: strictly serial transfers,
// 200ms progress refresh and 1 MiB chunks.
func Default() Config {
	return Config{
		Workers:          DefaultWorkers,
		Interval:         DefaultInterval,
		ChunkSize:        DefaultChunkSize,
		PreserveMetadata: true,
		TUI:              true,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Parse reads YAML configuration on top of the defaults. Environment
// variables of the form ${ENV_VAR} are expanded first.
func Parse(data []byte) (Config, error) {
	conf := Default()
	data = []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("couldn't parse configuration data: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// Load reads the configuration file at path. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalid, c.Workers)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalid, c.Interval)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalid, c.ChunkSize)
	}
	if c.S3.PartSize != 0 && c.S3.PartSize < minPartSize {
		return fmt.Errorf("%w: s3 part_size must be at least %d, got %d", ErrInvalid, minPartSize, c.S3.PartSize)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q (must be console or json)", ErrInvalid, c.Log.Format)
	}
	return nil
}
