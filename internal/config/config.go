// Package config loads tsstore configuration from JSONC files and flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/tsstore/pkg/applog"
	"github.com/calvinalkan/tsstore/pkg/journal"
	"github.com/calvinalkan/tsstore/pkg/recmap"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".tsstore.json"

var (
	ErrFileNotFound = errors.New("config file not found")
	ErrFileRead     = errors.New("cannot read config file")
	ErrInvalid      = errors.New("invalid config")
)

// Config holds all configuration options.
//
//nolint:tagliatelle // snake_case for config file
type Config struct {
	Dir        string `json:"dir"`
	Log        string `json:"log"`
	Map        string `json:"map"`
	TermLength int    `json:"term_length,omitempty"`
	KeySize    int    `json:"key_size"`
	ValueSize  int    `json:"value_size"`
	Capacity   int    `json:"capacity,omitempty"`
	StreamID   int32  `json:"stream_id,omitempty"`
	LogLevel   string `json:"log_level,omitempty"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Dir:        ".tsstore",
		Log:        "journal.log",
		Map:        "state",
		TermLength: applog.DefaultTermLength,
		KeySize:    8,
		ValueSize:  8,
		Capacity:   recmap.DefaultCapacity,
		StreamID:   journal.DefaultStreamID,
		LogLevel:   "info",
	}
}

// RegisterFlags adds one flag per option to flags. Only flags the user
// actually set override file values in [Load].
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	flags.String("dir", d.Dir, "Data `directory`")
	flags.String("log", d.Log, "Journal log file, relative to --dir")
	flags.String("map", d.Map, "Map path prefix, relative to --dir")
	flags.Int("term-length", d.TermLength, "Term length in `bytes` when creating the log")
	flags.Int("key-size", d.KeySize, "Map key size in `bytes`")
	flags.Int("value-size", d.ValueSize, "Map value size in `bytes`")
	flags.Int("capacity", d.Capacity, "Initial map capacity when creating the map")
	flags.Int32("stream-id", d.StreamID, "Journal stream id")
	flags.String("log-level", d.LogLevel, "Log `level` (debug, info, warn, error)")
}

// GlobalPath returns the global config file.
// Uses $XDG_CONFIG_HOME/tsstore/config.json if set, otherwise
// ~/.config/tsstore/config.json. Returns "" if neither can be determined.
func GlobalPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok && after != "" {
			return filepath.Join(after, "tsstore", "config.json")
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "tsstore", "config.json")
	}

	return ""
}

// Load builds the configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (see [GlobalPath])
// 3. Project config (.tsstore.json in workDir), or configPath if non-empty
// 4. Flags in flags that were set.
func Load(workDir, configPath string, flags *pflag.FlagSet, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	if global := GlobalPath(env); global != "" {
		loaded, err := loadFile(&cfg, global, false)
		if err != nil {
			return Config{}, Sources{}, err
		}

		if loaded {
			sources.Global = global
		}
	}

	project, mustExist := filepath.Join(workDir, FileName), false
	if configPath != "" {
		project, mustExist = configPath, true
		if !filepath.IsAbs(project) {
			project = filepath.Join(workDir, project)
		}
	}

	loaded, err := loadFile(&cfg, project, mustExist)
	if err != nil {
		return Config{}, Sources{}, err
	}

	if loaded {
		sources.Project = project
	}

	if flags != nil {
		err = applyFlags(&cfg, flags)
		if err != nil {
			return Config{}, Sources{}, err
		}
	}

	if !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(workDir, cfg.Dir)
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

// loadFile overlays the file at path onto cfg. Keys absent from the file
// keep their current value.
func loadFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return false, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}

			return false, nil
		}

		return false, fmt.Errorf("%w %s: %w", ErrFileRead, path, err)
	}

	err = Parse(cfg, data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return true, nil
}

// Parse overlays JSONC data onto cfg.
func Parse(cfg *Config, data []byte) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	err = dec.Decode(cfg)
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

func applyFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error

	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}

		switch f.Name {
		case "dir":
			cfg.Dir = f.Value.String()
		case "log":
			cfg.Log = f.Value.String()
		case "map":
			cfg.Map = f.Value.String()
		case "term-length":
			cfg.TermLength, err = flags.GetInt(f.Name)
		case "key-size":
			cfg.KeySize, err = flags.GetInt(f.Name)
		case "value-size":
			cfg.ValueSize, err = flags.GetInt(f.Name)
		case "capacity":
			cfg.Capacity, err = flags.GetInt(f.Name)
		case "stream-id":
			cfg.StreamID, err = flags.GetInt32(f.Name)
		case "log-level":
			cfg.LogLevel = f.Value.String()
		}
	})

	return err
}

// Validate reports the first invalid option.
func Validate(cfg Config) error {
	switch {
	case cfg.Dir == "":
		return fmt.Errorf("%w: dir cannot be empty", ErrInvalid)
	case cfg.Log == "":
		return fmt.Errorf("%w: log cannot be empty", ErrInvalid)
	case cfg.Map == "":
		return fmt.Errorf("%w: map cannot be empty", ErrInvalid)
	case cfg.TermLength < applog.MinTermLength || cfg.TermLength > applog.MaxTermLength ||
		cfg.TermLength%applog.FrameAlignment != 0:
		return fmt.Errorf("%w: term_length %d must be a multiple of %d in [%d, %d]",
			ErrInvalid, cfg.TermLength, applog.FrameAlignment, applog.MinTermLength, applog.MaxTermLength)
	case cfg.KeySize < 1 || cfg.KeySize > recmap.MaxKeySize:
		return fmt.Errorf("%w: key_size %d not in [1, %d]", ErrInvalid, cfg.KeySize, recmap.MaxKeySize)
	case cfg.ValueSize < 0 || cfg.ValueSize > recmap.MaxValueSize:
		return fmt.Errorf("%w: value_size %d not in [0, %d]", ErrInvalid, cfg.ValueSize, recmap.MaxValueSize)
	case cfg.Capacity < 1:
		return fmt.Errorf("%w: capacity %d must be positive", ErrInvalid, cfg.Capacity)
	}

	_, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}

	return nil
}

// LogPath returns the journal log file.
func (c Config) LogPath() string {
	return filepath.Join(c.Dir, c.Log)
}

// MapPath returns the map path prefix.
func (c Config) MapPath() string {
	return filepath.Join(c.Dir, c.Map)
}

// Level returns the parsed log level. Call after [Validate].
func (c Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}

	return l
}

// Format returns the config as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
