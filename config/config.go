package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackchat/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "trackchat"
	// DefaultDiscoveryService is the mDNS service type browsed for backends.
	DefaultDiscoveryService = "_trackchat._tcp"
	// DefaultRequestTimeout bounds one history request.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultDevListenAddr is where `trackchat serve` listens when unset.
	DefaultDevListenAddr = "127.0.0.1:8080"
	// DefaultDevDBFileName is the dev backend database inside the data dir.
	DefaultDevDBFileName = "devserver.db"
	// AccessTokenEnv supplies the bearer token; it is never written to disk.
	AccessTokenEnv = "TRACKCHAT_ACCESS_TOKEN"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "TRACKCHAT_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DevServerConfig holds settings for the bundled development backend.
type DevServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	NatsURL    string `json:"nats_url,omitempty"`
	Advertise  bool   `json:"advertise"`

	// Employees seeds the roster served by the dev backend.
	Employees []models.Employee `json:"employees,omitempty"`
}

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ClientID         string          `json:"client_id"`
	UserID           string          `json:"user_id"`
	BackendURL       string          `json:"backend_url"`
	DiscoveryEnabled bool            `json:"discovery_enabled"`
	DiscoveryService string          `json:"discovery_service"`
	ArchiveEnabled   bool            `json:"archive_enabled"`
	RequestTimeout   Duration        `json:"request_timeout"`
	DevServer        DevServerConfig `json:"dev_server"`

	// AccessToken is read from the environment only.
	AccessToken string `json:"-"`
}

// Duration is a time.Duration stored as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var nanos int64
		if numErr := json.Unmarshal(raw, &nanos); numErr != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(nanos)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TRACKCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both. The
// access token is filled from TRACKCHAT_ACCESS_TOKEN on every load.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	cfg.AccessToken = strings.TrimSpace(os.Getenv(AccessTokenEnv))
	return cfg, cfgPath, nil
}

// Timeout returns the request timeout, falling back to the default.
func (c *ClientConfig) Timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(c.RequestTimeout)
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		ClientID:         uuid.NewString(),
		DiscoveryEnabled: true,
		DiscoveryService: DefaultDiscoveryService,
		ArchiveEnabled:   true,
		RequestTimeout:   Duration(DefaultRequestTimeout),
		DevServer: DevServerConfig{
			ListenAddr: DefaultDevListenAddr,
			DBPath:     filepath.Join(dataDir, DefaultDevDBFileName),
			Advertise:  true,
		},
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}

	if trimmed := strings.TrimSpace(cfg.UserID); trimmed != cfg.UserID {
		cfg.UserID = trimmed
		updated = true
	}

	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/"); trimmed != cfg.BackendURL {
		cfg.BackendURL = trimmed
		updated = true
	}

	if cfg.DiscoveryService == "" {
		cfg.DiscoveryService = DefaultDiscoveryService
		updated = true
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = Duration(DefaultRequestTimeout)
		updated = true
	}

	if cfg.DevServer.ListenAddr == "" {
		cfg.DevServer.ListenAddr = DefaultDevListenAddr
		updated = true
	}

	if cfg.DevServer.DBPath == "" {
		cfg.DevServer.DBPath = filepath.Join(dataDir, DefaultDevDBFileName)
		updated = true
	}

	return updated
}
