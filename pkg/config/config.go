// Package config loads the optional TOML configuration kept in a store's
// root directory. Absent file or absent keys fall back to defaults, while
// unknown keys and unparsable values fail loudly.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"

	"github.com/odvcencio/revpack/pkg/repack"
	"github.com/odvcencio/revpack/pkg/store"
)

// FileName is the configuration file looked up in the store root.
const FileName = "revpack.toml"

// Config is the persisted store configuration.
type Config struct {
	Store  StoreConfig  `toml:"store"`
	Repack RepackConfig `toml:"repack"`
	Log    LogConfig    `toml:"log"`
}

// StoreConfig tunes the read path.
type StoreConfig struct {
	// CacheSize bounds the verified-read cache. Negative disables it.
	CacheSize int `toml:"cache-size"`
	// StrictCorruption makes corrupt packs fail reads instead of being
	// skipped.
	StrictCorruption bool `toml:"strict-corruption"`
}

// RepackConfig tunes the repack engine.
type RepackConfig struct {
	// Incremental makes repack fold loose revisions only unless the CLI
	// overrides it.
	Incremental bool `toml:"incremental"`
	// MaxPackSize splits output packs past a human-readable size
	// ("512MB", "1GiB"). "0" means one unbounded pack.
	MaxPackSize string `toml:"max-pack-size"`
	// DeltaDepth caps same-path delta chains in output packs. Zero means
	// the engine default, negative disables delta compression.
	DeltaDepth int `toml:"delta-depth"`
}

// LogConfig tunes CLI logging.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Store: StoreConfig{CacheSize: store.DefaultCacheSize},
		Repack: RepackConfig{
			MaxPackSize: "0",
			DeltaDepth:  repack.DefaultDeltaDepth,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// Load reads path on top of the defaults. Unknown keys are rejected, so a
// typoed option cannot silently fall back.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		names := make([]string, len(undecoded))
		for i, key := range undecoded {
			names[i] = key.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys: %s",
			path, strings.Join(names, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadStore loads the store's config file, falling back to Default when
// no file exists.
func LoadStore(root string) (Config, error) {
	cfg, err := Load(filepath.Join(root, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field that has an invalid representation.
func (c Config) Validate() error {
	if _, err := c.MaxPackSizeBytes(); err != nil {
		return err
	}
	if c.Log.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return fmt.Errorf("log level %q: %w", c.Log.Level, err)
		}
	}
	return nil
}

// MaxPackSizeBytes parses the human-readable pack size limit.
func (c Config) MaxPackSizeBytes() (int64, error) {
	s := strings.TrimSpace(c.Repack.MaxPackSize)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("max-pack-size %q: %w", c.Repack.MaxPackSize, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("max-pack-size %q: too large", c.Repack.MaxPackSize)
	}
	return int64(n), nil
}

// StoreOptions maps the config onto store open options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Strict:    c.Store.StrictCorruption,
		CacheSize: c.Store.CacheSize,
	}
}

// WriteFile persists cfg as TOML. Used by init to seed a store with an
// editable default config.
func (c Config) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
