// Package config loads the engine configuration: defaults embedded in the
// binary, overlaid by an optional conda-rpms.toml or conda-rpms.yaml file,
// overlaid by CONDA_RPMS_* environment variables.
package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/lock"
	"github.com/trexfeathers/conda-rpms/pkg/relocate"
)

//go:embed defaults.toml
var defaultsTOML []byte

// EnvPrefix is the prefix for environment variable overrides,
// e.g. CONDA_RPMS_STATE_DIR.
const EnvPrefix = "CONDA_RPMS_"

// Config carries every tunable of the linking engine. Platform-capability
// state (the ignore set) is explicit configuration, not a process-wide
// constant.
type Config struct {
	CacheDir     string   `koanf:"cache_dir" toml:"cache_dir"`
	StateDir     string   `koanf:"state_dir" toml:"state_dir"`
	BinDir       string   `koanf:"bin_dir" toml:"bin_dir"`
	HookExt      string   `koanf:"hook_ext" toml:"hook_ext"`
	Placeholder  string   `koanf:"placeholder" toml:"placeholder"`
	IgnoredNames []string `koanf:"ignored_names" toml:"ignored_names"`
	Locking      string   `koanf:"locking" toml:"locking"`
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		// The embedded defaults always parse; reaching here is a bug.
		panic(err)
	}
	return cfg
}

// Load builds the configuration. With an explicit path only that file is
// read; otherwise conda-rpms.toml / conda-rpms.yaml are tried in the
// current directory and then in the XDG config directory.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsTOML), ktoml.Parser()); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrConfigLoad, "failed to load defaults")
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		parser := parserFor(path)
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, errors.Wrapf(err, errors.ErrConfigParse,
				"failed to load config from %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrConfigLoad, "failed to load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrConfigParse, "failed to unmarshal config")
	}

	if cfg.Placeholder == "" {
		cfg.Placeholder = relocate.DefaultPlaceholder
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(xdg.CacheHome, "conda-rpms", "pkgs")
	}
	return cfg, nil
}

// Locker returns the locking backend selected by the configuration.
func (c Config) Locker() lock.Locker {
	if c.Locking == "none" {
		return lock.NewNoop()
	}
	return lock.NewFlock()
}

// IsIgnored reports whether a package name is excluded from linking and
// unlinking on this platform.
func (c Config) IsIgnored(name string) bool {
	for _, n := range c.IgnoredNames {
		if n == name {
			return true
		}
	}
	return false
}

func parserFor(path string) koanf.Parser {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return kyaml.Parser()
	default:
		return ktoml.Parser()
	}
}

func findConfigFile() string {
	candidates := []string{
		"conda-rpms.toml",
		"conda-rpms.yaml",
		filepath.Join(xdg.ConfigHome, "conda-rpms", "conda-rpms.toml"),
		filepath.Join(xdg.ConfigHome, "conda-rpms", "conda-rpms.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
