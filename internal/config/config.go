package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"compositor/internal/sysinfo"
)

const (
	defaultConfigPath = "~/.config/compositor/config.json"
	defaultParallel   = 2
	defaultTileSize   = 256

	// EnvConfig overrides the config file location.
	EnvConfig = "COMPOSITOR_CONFIG"
)

// Config holds user-editable settings for compositing runs.
type Config struct {
	Processing Processing                `json:"processing"`
	Logging    Logging                   `json:"logging"`
	Paths      Paths                     `json:"paths"`
	Scenes     Scenes                    `json:"scenes"`
	Preview    Preview                   `json:"preview"`
	Server     Server                    `json:"server"`
	Watch      Watch                     `json:"watch"`
	Algorithms map[string]map[string]any `json:"algorithms"` // per-algorithm parameter overrides
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // concurrent composite runs
	Parallelism  int    `json:"parallelism"`   // tile workers per run
	TileSize     int    `json:"tile_size"`
	MemoryLimit  string `json:"memory_limit"` // e.g. "8GB"
	Algorithm    string `json:"algorithm"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Scenes controls input discovery.
type Scenes struct {
	Pattern    string `json:"pattern"`
	ParseDates bool   `json:"parse_dates"`
}

// Preview controls quicklook rendering.
type Preview struct {
	Enabled bool   `json:"enabled"`
	Bands   [3]int `json:"bands"`
}

type Server struct {
	Addr string `json:"addr"`
}

type Watch struct {
	Debounce string `json:"debounce"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path is the config file location after applying the environment override.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// LoadFile reads the config at path over the defaults. A missing file is
// not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Parallelism:  4,
			TileSize:     defaultTileSize,
			MemoryLimit:  "8GB",
			Algorithm:    "max-ndvi",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "compositor.db"),
		},
		Scenes: Scenes{
			Pattern:    "*.tif",
			ParseDates: true,
		},
		Preview: Preview{
			Enabled: false,
			Bands:   [3]int{3, 2, 1},
		},
		Server: Server{Addr: ":8080"},
		Watch:  Watch{Debounce: "5s"},
	}
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Processing.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("processing.parallelism must be at least 1, got %d", c.Processing.Parallelism))
	}
	if c.Processing.TileSize < 1 {
		errs = append(errs, fmt.Errorf("processing.tile_size must be positive, got %d", c.Processing.TileSize))
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.WatchDebounce(); err != nil {
		errs = append(errs, err)
	}
	if _, err := filepath.Match(c.Scenes.Pattern, ""); err != nil {
		errs = append(errs, fmt.Errorf("scenes.pattern: %w", err))
	}
	for i, b := range c.Preview.Bands {
		if b < 1 {
			errs = append(errs, fmt.Errorf("preview.bands[%d] must be a 1-based band number, got %d", i, b))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// MemoryLimitBytes parses processing.memory_limit. Empty or "0" means no
// limit; "auto" is half of the memory currently available on the host.
func (c *Config) MemoryLimitBytes() (uint64, error) {
	s := strings.TrimSpace(c.Processing.MemoryLimit)
	if s == "" || s == "0" {
		return 0, nil
	}
	if strings.EqualFold(s, "auto") {
		avail, err := sysinfo.AvailableMemory()
		if err != nil {
			return 0, fmt.Errorf("processing.memory_limit auto: %w", err)
		}
		return avail / 2, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("processing.memory_limit: %w", err)
	}
	return n, nil
}

func (c *Config) WatchDebounce() (time.Duration, error) {
	if c.Watch.Debounce == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 0, fmt.Errorf("watch.debounce: %w", err)
	}
	return d, nil
}

// AlgorithmParams returns the configured overrides for name merged with
// explicit, which wins.
func (c *Config) AlgorithmParams(name string, explicit map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range c.Algorithms[name] {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

// ExpandPath resolves a leading ~ or ~/ to the user's home directory. Other
// paths, including ~user forms, are returned unchanged.
func ExpandPath(path string) (string, error) {
	return expandUser(path)
}

func expandUser(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
