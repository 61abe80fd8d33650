// Package config provides configuration loading for the biovision commands.
//
// Values are resolved in this order, later sources overriding earlier ones:
//   - built-in defaults (Default)
//   - a .env file in the working directory, if present
//   - an optional config file (YAML, JSON or JSONC)
//   - BIOVISION_* environment variables
//
// Command-line flags are applied by the commands themselves on top of Load.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Defaults for the dashboard service.
const (
	DefaultListenAddr = ":8080"
	DefaultServerURL  = "http://localhost:5001"
	DefaultDBPath     = "biovision.db"
	DefaultStaticDir  = "./web"
)

// Camera modes accepted in configuration.
const (
	CameraModeIndex = "INDEX"
	CameraModeIPURL = "IP_URL"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("1s", "250ms") in YAML and JSON files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the dashboard service configuration.
type Config struct {
	// ListenAddr is the dashboard HTTP listen address.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// ServerURL is the processing server base URL.
	ServerURL string `yaml:"server_url" json:"server_url"`

	// StaticDir holds the dashboard front-end files.
	StaticDir string `yaml:"static_dir" json:"static_dir"`

	// DBPath is the SQLite file for recorded sessions.
	DBPath string `yaml:"db_path" json:"db_path"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// ExitOnShutdown stops the dashboard service after a confirmed
	// shutdown_server command has been sent.
	ExitOnShutdown bool `yaml:"exit_on_shutdown" json:"exit_on_shutdown"`

	// ShutdownDelay is how long to wait after shutdown_server before
	// closing the local UI.
	ShutdownDelay Duration `yaml:"shutdown_delay" json:"shutdown_delay"`

	Link    LinkConfig    `yaml:"link" json:"link"`
	Video   VideoConfig   `yaml:"video" json:"video"`
	Cameras CamerasConfig `yaml:"cameras" json:"cameras"`
}

// LinkConfig configures the event-stream connection.
type LinkConfig struct {
	// Transports in negotiation order. Options: "polling", "websocket".
	Transports []string `yaml:"transports" json:"transports"`

	// ReconnectAttempts bounds retries after a failed attempt.
	ReconnectAttempts int `yaml:"reconnect_attempts" json:"reconnect_attempts"`

	ReconnectDelay Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// VideoConfig configures the video feed consumer.
type VideoConfig struct {
	// RetryDelay is the wait before the single cache-busting retry.
	RetryDelay Duration `yaml:"retry_delay" json:"retry_delay"`
}

// CamerasConfig holds the initial camera settings for both channels.
type CamerasConfig struct {
	Tilt    CameraConfig `yaml:"tilt" json:"tilt"`
	Posture CameraConfig `yaml:"posture" json:"posture"`
}

// CameraConfig is one camera channel's source and model.
type CameraConfig struct {
	Mode  string `yaml:"mode" json:"mode"`
	Value string `yaml:"value" json:"value"`
	Model string `yaml:"model" json:"model"`
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:    DefaultListenAddr,
		ServerURL:     DefaultServerURL,
		StaticDir:     DefaultStaticDir,
		DBPath:        DefaultDBPath,
		LogLevel:      "info",
		ShutdownDelay: Duration(time.Second),
		Link: LinkConfig{
			Transports:        []string{"polling", "websocket"},
			ReconnectAttempts: 10,
			ReconnectDelay:    Duration(time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
		},
		Video: VideoConfig{
			RetryDelay: Duration(2 * time.Second),
		},
		Cameras: CamerasConfig{
			Tilt:    CameraConfig{Mode: CameraModeIndex, Value: "0"},
			Posture: CameraConfig{Mode: CameraModeIndex, Value: "1"},
		},
	}
}

// Load resolves the configuration. path may be empty, in which case
// BIOVISION_CONFIG is consulted; no config file is read if both are empty.
func Load(path string) (*Config, error) {
	// A missing .env is normal; the process environment is used as-is.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("BIOVISION_CONFIG")
	}
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile merges a config file into c. The format is chosen by
// extension: .yaml/.yml, or .json/.jsonc (comments and trailing commas
// allowed).
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() {
	c.ListenAddr = getEnv("BIOVISION_LISTEN", c.ListenAddr)
	if port := os.Getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	c.ServerURL = getEnv("BIOVISION_SERVER_URL", c.ServerURL)
	c.StaticDir = getEnv("BIOVISION_STATIC_DIR", c.StaticDir)
	c.DBPath = getEnv("BIOVISION_DB", c.DBPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.ExitOnShutdown = getEnvBool("BIOVISION_EXIT_ON_SHUTDOWN", c.ExitOnShutdown)
	c.Link.ReconnectAttempts = getEnvInt("BIOVISION_RECONNECT_ATTEMPTS", c.Link.ReconnectAttempts)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config: server_url %q is not an absolute URL", c.ServerURL)
	}
	if len(c.Link.Transports) == 0 {
		return fmt.Errorf("config: at least one transport is required")
	}
	for _, t := range c.Link.Transports {
		if t != "polling" && t != "websocket" {
			return fmt.Errorf("config: unknown transport %q", t)
		}
	}
	if c.Link.ReconnectAttempts < 0 {
		return fmt.Errorf("config: reconnect_attempts must be >= 0, got %d", c.Link.ReconnectAttempts)
	}
	if c.Link.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be positive")
	}
	for name, cam := range map[string]CameraConfig{"tilt": c.Cameras.Tilt, "posture": c.Cameras.Posture} {
		if cam.Mode != CameraModeIndex && cam.Mode != CameraModeIPURL {
			return fmt.Errorf("config: cameras.%s.mode must be %s or %s, got %q",
				name, CameraModeIndex, CameraModeIPURL, cam.Mode)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
