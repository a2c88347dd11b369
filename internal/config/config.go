package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"capstan/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ConfigRoot string `toml:"config_root"`
	CacheDir   string `toml:"cache_dir"`
	LogDir     string `toml:"log_dir"`
	// HubCacheDirs are additional model-hub cache roots probed when
	// locating already-downloaded models.
	HubCacheDirs []string `toml:"hub_cache_dirs"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Runtime contains interpreter and package-manager configuration.
type Runtime struct {
	PythonVersion string `toml:"python_version"`
}

// Service contains persistent inference service configuration.
type Service struct {
	Port            int `toml:"port"`
	HealthTTLMS     int `toml:"health_ttl_ms"`
	StartAttempts   int `toml:"start_attempts"`
	StartIntervalMS int `toml:"start_interval_ms"`
	ProbeTimeoutMS  int `toml:"probe_timeout_ms"`
}

// Download contains transfer tuning.
type Download struct {
	ChunkKiB       int `toml:"chunk_kib"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Daemon contains daemon process configuration.
type Daemon struct {
	SocketPath string `toml:"socket_path"`
}

// Config is the top-level application configuration.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Logging  Logging  `toml:"logging"`
	Runtime  Runtime  `toml:"runtime"`
	Service  Service  `toml:"service"`
	Download Download `toml:"download"`
	Daemon   Daemon   `toml:"daemon"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return fileutil.ExpandHome("~/.config/capstan/config.toml")
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist. An empty path means DefaultPath. Home-relative directories
// are expanded after parsing.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Missing config file is not an error; defaults apply.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.ConfigRoot) == "" {
		return errors.New("config: paths.config_root is required")
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		return errors.New("config: paths.cache_dir is required")
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("config: service.port %d out of range", c.Service.Port)
	}
	if c.Service.StartAttempts <= 0 {
		return errors.New("config: service.start_attempts must be positive")
	}
	if c.Download.ChunkKiB <= 0 {
		return errors.New("config: download.chunk_kib must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: logging.format %q unsupported", c.Logging.Format)
	}
	return nil
}

// EnsureDirectories creates every directory the engine writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.ConfigRoot,
		c.ScriptsDir(),
		c.Paths.CacheDir,
		c.ModelsDir(),
		c.ScratchDir(),
		c.Paths.LogDir,
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ScriptsDir is where generated worker scripts live.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.Paths.ConfigRoot, "scripts")
}

// ModelsDir is the root for models capstan downloads itself. It doubles as a
// hub cache root when probing for downloaded models.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.Paths.CacheDir, "models")
}

// ScratchDir hosts worker progress and result files.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Paths.CacheDir, "scratch")
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	if strings.TrimSpace(c.Daemon.SocketPath) != "" {
		return c.Daemon.SocketPath
	}
	return filepath.Join(c.Paths.ConfigRoot, "capstand.sock")
}

// LogPath returns the daemon log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "capstand.log")
}

// WriteSample writes the annotated sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	if fileutil.FileExists(path) {
		return fmt.Errorf("config: %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

func (c *Config) expandPaths() {
	c.Paths.ConfigRoot = fileutil.ExpandHome(c.Paths.ConfigRoot)
	c.Paths.CacheDir = fileutil.ExpandHome(c.Paths.CacheDir)
	c.Paths.LogDir = fileutil.ExpandHome(c.Paths.LogDir)
	for i, dir := range c.Paths.HubCacheDirs {
		c.Paths.HubCacheDirs[i] = fileutil.ExpandHome(dir)
	}
	c.Daemon.SocketPath = fileutil.ExpandHome(c.Daemon.SocketPath)
}
