// Package config loads the echo server's configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	reactor "github.com/ehrlich-b/go-reactor"
)

type Global struct {
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

type Server struct {
	Address     string `yaml:"address" toml:"address"`
	Backlog     int    `yaml:"backlog" toml:"backlog"`
	ReadSize    int    `yaml:"read_size" toml:"read_size"`
	HeartbeatMs int    `yaml:"heartbeat_ms" toml:"heartbeat_ms"`
}

type Reactor struct {
	QueueDepth     uint32 `yaml:"queue_depth" toml:"queue_depth"`
	ReadBufferSize int    `yaml:"read_buffer_size" toml:"read_buffer_size"`
	PoolPrealloc   int    `yaml:"pool_prealloc" toml:"pool_prealloc"`
	PoolRetention  int    `yaml:"pool_retention" toml:"pool_retention"`
	BatchSize      int    `yaml:"batch_size" toml:"batch_size"`
	MaxBatch       int    `yaml:"max_batch" toml:"max_batch"`
}

type Config struct {
	Global  Global  `yaml:"global" toml:"global"`
	Server  Server  `yaml:"server" toml:"server"`
	Reactor Reactor `yaml:"reactor" toml:"reactor"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	rc := reactor.DefaultConfig()
	return &Config{
		Global: Global{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: Server{
			Address:     "127.0.0.1:7777",
			Backlog:     128,
			ReadSize:    4096,
			HeartbeatMs: 500,
		},
		Reactor: Reactor{
			QueueDepth:     rc.QueueDepth,
			ReadBufferSize: rc.ReadBufferSize,
			PoolPrealloc:   rc.PoolPrealloc,
			PoolRetention:  rc.PoolRetention,
			BatchSize:      rc.BatchSize,
			MaxBatch:       rc.MaxBatch,
		},
	}
}

// Load reads a .toml, .yaml or .yml file. Keys missing from the file take
// their default values; keys present, including zeros, are kept as written.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		err = decodeTOML(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// decodeTOML copies the keys present in data over cfg.
func decodeTOML(data []byte, cfg *Config) error {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return err
	}
	file := &Config{}
	if err := tree.Unmarshal(file); err != nil {
		return err
	}

	overlay(tree, "global.log_level", &cfg.Global.LogLevel, file.Global.LogLevel)
	overlay(tree, "global.log_format", &cfg.Global.LogFormat, file.Global.LogFormat)
	overlay(tree, "server.address", &cfg.Server.Address, file.Server.Address)
	overlay(tree, "server.backlog", &cfg.Server.Backlog, file.Server.Backlog)
	overlay(tree, "server.read_size", &cfg.Server.ReadSize, file.Server.ReadSize)
	overlay(tree, "server.heartbeat_ms", &cfg.Server.HeartbeatMs, file.Server.HeartbeatMs)
	overlay(tree, "reactor.queue_depth", &cfg.Reactor.QueueDepth, file.Reactor.QueueDepth)
	overlay(tree, "reactor.read_buffer_size", &cfg.Reactor.ReadBufferSize, file.Reactor.ReadBufferSize)
	overlay(tree, "reactor.pool_prealloc", &cfg.Reactor.PoolPrealloc, file.Reactor.PoolPrealloc)
	overlay(tree, "reactor.pool_retention", &cfg.Reactor.PoolRetention, file.Reactor.PoolRetention)
	overlay(tree, "reactor.batch_size", &cfg.Reactor.BatchSize, file.Reactor.BatchSize)
	overlay(tree, "reactor.max_batch", &cfg.Reactor.MaxBatch, file.Reactor.MaxBatch)
	return nil
}

func overlay[T any](tree *toml.Tree, key string, dst *T, v T) {
	if tree.HasPath(strings.Split(key, ".")) {
		*dst = v
	}
}

// Validate checks the server section and the reactor sizing.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.Backlog <= 0 {
		return fmt.Errorf("server backlog must be positive, got %d", c.Server.Backlog)
	}
	if c.Server.ReadSize <= 0 {
		return fmt.Errorf("server read size must be positive, got %d", c.Server.ReadSize)
	}
	if c.Server.HeartbeatMs <= 0 {
		return fmt.Errorf("server heartbeat must be positive, got %dms", c.Server.HeartbeatMs)
	}
	return c.ReactorConfig().Validate()
}

// ReactorConfig converts the reactor section.
func (c *Config) ReactorConfig() reactor.Config {
	rc := reactor.DefaultConfig()
	rc.QueueDepth = c.Reactor.QueueDepth
	rc.ReadBufferSize = c.Reactor.ReadBufferSize
	rc.PoolPrealloc = c.Reactor.PoolPrealloc
	rc.PoolRetention = c.Reactor.PoolRetention
	rc.BatchSize = c.Reactor.BatchSize
	rc.MaxBatch = c.Reactor.MaxBatch
	return rc
}

// Heartbeat returns the server heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Server.HeartbeatMs) * time.Millisecond
}
