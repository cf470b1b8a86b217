package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv(AccessTokenEnv, "")

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.ClientID == "" {
		t.Fatalf("expected non-empty client ID")
	}
	if !firstCfg.DiscoveryEnabled || !firstCfg.ArchiveEnabled {
		t.Fatalf("expected discovery and archive enabled by default, got %+v", firstCfg)
	}
	if firstCfg.DiscoveryService != DefaultDiscoveryService {
		t.Fatalf("expected discovery service %q, got %q", DefaultDiscoveryService, firstCfg.DiscoveryService)
	}
	if firstCfg.Timeout() != DefaultRequestTimeout {
		t.Fatalf("expected default timeout, got %s", firstCfg.Timeout())
	}
	if firstCfg.DevServer.DBPath != filepath.Join(tempDir, DefaultDevDBFileName) {
		t.Fatalf("unexpected dev DB path %q", firstCfg.DevServer.DBPath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.ClientID != firstCfg.ClientID {
		t.Fatalf("expected stable client ID, got %q then %q", firstCfg.ClientID, secondCfg.ClientID)
	}
}

func TestLoadOrCreateNormalizesLegacyConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &ClientConfig{
		UserID:     "  user-1 ",
		BackendURL: "https://chat.example.com/ ",
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ClientID == "" {
		t.Fatalf("expected client ID to be generated")
	}
	if cfg.UserID != "user-1" {
		t.Fatalf("expected trimmed user ID, got %q", cfg.UserID)
	}
	if cfg.BackendURL != "https://chat.example.com" {
		t.Fatalf("expected normalized backend URL, got %q", cfg.BackendURL)
	}
	if cfg.DevServer.ListenAddr != DefaultDevListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.DevServer.ListenAddr)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.ClientID != cfg.ClientID {
		t.Fatalf("expected normalized config to be persisted")
	}
}

func TestAccessTokenComesFromEnvironmentOnly(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv(AccessTokenEnv, "  secret-token ")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.AccessToken != "secret-token" {
		t.Fatalf("expected token from environment, got %q", cfg.AccessToken)
	}

	if err := Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(raw), "secret-token") {
		t.Fatalf("access token must not be persisted: %s", raw)
	}
}

func TestDurationAcceptsStringAndNanoseconds(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"3s"`)); err != nil {
		t.Fatalf("unmarshal string duration: %v", err)
	}
	if time.Duration(d) != 3*time.Second {
		t.Fatalf("expected 3s, got %s", time.Duration(d))
	}

	if err := d.UnmarshalJSON([]byte(`2000000000`)); err != nil {
		t.Fatalf("unmarshal numeric duration: %v", err)
	}
	if time.Duration(d) != 2*time.Second {
		t.Fatalf("expected 2s, got %s", time.Duration(d))
	}

	if err := d.UnmarshalJSON([]byte(`"soon"`)); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}
