// Package config loads the service configuration from an optional YAML
// file with TERN_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Log struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		Level      string `yaml:"level"`
	} `yaml:"log"`

	Repo struct {
		Driver string `yaml:"driver"` // memory | postgres
	} `yaml:"repo"`

	Downloads struct {
		TempDir           string        `yaml:"temp_dir"`
		MaxConcurrent     int           `yaml:"max_concurrent"`
		MaxSegments       int           `yaml:"max_segments"`
		GlobalMaxSegments int           `yaml:"global_max_segments"`
		MinSplitSize      int64         `yaml:"min_split_size"`
		ChunkSize         int64         `yaml:"chunk_size"`
		Strategy          string        `yaml:"strategy"`
		MaxRetries        int           `yaml:"max_retries"`
		RetryBackoff      time.Duration `yaml:"retry_backoff"`
		KeepPartials      bool          `yaml:"keep_partials"`
	} `yaml:"downloads"`

	Repair struct {
		FullRefetch bool `yaml:"full_refetch"`
	} `yaml:"repair"`

	Engines struct {
		HTTP struct {
			Enabled             bool   `yaml:"enabled"`
			UserAgent           string `yaml:"user_agent"`
			ThrottleBytesPerSec int64  `yaml:"throttle_bytes_per_sec"`
		} `yaml:"http"`
		File struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"file"`
		S3 struct {
			Enabled bool   `yaml:"enabled"`
			Profile string `yaml:"profile"`
			Region  string `yaml:"region"`
		} `yaml:"s3"`
	} `yaml:"engines"`
}

// Default returns the configuration used when no file or env overrides
// are present.
func Default() Config {
	var c Config
	c.ListenAddr = ":9090"
	c.Log.MaxSizeMB = 50
	c.Log.MaxBackups = 3
	c.Log.Level = "info"
	c.Repo.Driver = "memory"
	c.Downloads.TempDir = ".tern-temp"
	c.Downloads.MaxConcurrent = 3
	c.Downloads.MaxSegments = 4
	c.Downloads.GlobalMaxSegments = 16
	c.Downloads.MinSplitSize = 1 << 20
	c.Downloads.ChunkSize = 4 << 20
	c.Downloads.Strategy = "EqualSize"
	c.Downloads.MaxRetries = 3
	c.Downloads.RetryBackoff = 500 * time.Millisecond
	c.Downloads.KeepPartials = true
	c.Repair.FullRefetch = true
	c.Engines.HTTP.Enabled = true
	c.Engines.File.Enabled = true
	return c
}

// Load reads the YAML file at path (when non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TERN_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TERN_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("TERN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TERN_REPO_DRIVER"); v != "" {
		c.Repo.Driver = v
	}
	if v := os.Getenv("TERN_TEMP_DIR"); v != "" {
		c.Downloads.TempDir = v
	}
	if n, ok := envInt("TERN_MAX_CONCURRENT"); ok {
		c.Downloads.MaxConcurrent = n
	}
	if n, ok := envInt("TERN_MAX_SEGMENTS"); ok {
		c.Downloads.MaxSegments = n
	}
	if n, ok := envInt("TERN_GLOBAL_MAX_SEGMENTS"); ok {
		c.Downloads.GlobalMaxSegments = n
	}
	if n, ok := envInt("TERN_MAX_RETRIES"); ok {
		c.Downloads.MaxRetries = n
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
