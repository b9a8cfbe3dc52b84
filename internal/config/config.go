// Package config loads snapfs configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// YAML file, SNAPFS_ environment variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/absfs/snapfs/internal/logger"
)

// EnvPrefix prefixes environment variables. SNAPFS_SERVE_LISTEN sets
// serve.listen and SNAPFS_SNAPSHOT_IGNORE_FILE sets snapshot.ignore_file.
const EnvPrefix = "SNAPFS_"

// Config is the complete snapfs configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Serve    ServeConfig    `koanf:"serve"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SnapshotConfig controls capture.
type SnapshotConfig struct {
	Root       string   `koanf:"root"`
	Include    []string `koanf:"include"`
	Exclude    []string `koanf:"exclude"`
	IgnoreFile string   `koanf:"ignore_file"`
	// Capacity is a size such as "256MB".
	Capacity string `koanf:"capacity"`
}

// ServeConfig controls the filesystem service.
type ServeConfig struct {
	Listen string `koanf:"listen"`
	// Snapshot is a snapshot file served as the default snapshot.
	Snapshot string `koanf:"snapshot"`
	// SnapshotURL is fetched when init brings no snapshot and no file is set.
	SnapshotURL string `koanf:"snapshot_url"`
	// Overlay is the host directory receiving writes. Empty keeps writes in
	// memory.
	Overlay string `koanf:"overlay"`
	// Files exposes the engine read-only over HTTP under /files/.
	Files     bool          `koanf:"files"`
	StatCache bool          `koanf:"stat_cache"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Snapshot: SnapshotConfig{
			Root:       ".",
			Include:    []string{"."},
			Exclude:    []string{".git"},
			IgnoreFile: ".gitignore",
			Capacity:   "256MB",
		},
		Serve: ServeConfig{
			Listen:   "127.0.0.1:8080",
			CacheTTL: 5 * time.Second,
		},
	}
}

// mapProvider feeds flag values to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider has no bytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

// nest expands dotted keys into nested maps.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = v
	}
	return out
}

// Load reads the configuration. path may be empty; flags maps dotted keys
// such as "serve.listen" to values and may be nil.
func Load(path string, flags map[string]any) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	transform := func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "_", ".", 1)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(flags) > 0 {
		if err := k.Load(mapProvider(nest(flags)), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by type.
func (c *Config) Validate() error {
	if !logger.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if _, err := c.Snapshot.CapacityBytes(); err != nil {
		return err
	}
	if c.Serve.Listen == "" {
		return errors.New("serve.listen: must not be empty")
	}
	return nil
}

// CapacityBytes parses the snapshot capacity.
func (s SnapshotConfig) CapacityBytes() (datasize.ByteSize, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s.Capacity)))); err != nil {
		return 0, fmt.Errorf("snapshot.capacity: %w", err)
	}
	if v == 0 {
		return 0, errors.New("snapshot.capacity: must be positive")
	}
	return v, nil
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = c.Log.Format
	return cfg
}
