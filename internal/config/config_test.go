// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, service strings, and merging

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "munnel.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  bind: "0.0.0.0:10000"

services:
  - name: VNC
    group: "desktops"
    listen: "0.0.0.0:5900"
    dest: "localhost:5900"
  - name: SSH
    listen: "127.0.0.1:2222"
    dest: "10.0.0.5:22"

timeouts:
  ping_interval: "15s"
  pong_timeout: "45s"
  pending_request: "90s"
  drain: "20s"
  dial: "5s"

limits:
  max_agents: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Bind != "0.0.0.0:10000" {
		t.Errorf("Server.Bind = %q, want %q", cfg.Server.Bind, "0.0.0.0:10000")
	}

	if len(cfg.Services) != 2 {
		t.Fatalf("len(Services) = %d, want 2", len(cfg.Services))
	}
	if cfg.Services[0].Name != "VNC" || cfg.Services[0].Group != "desktops" {
		t.Errorf("Services[0] = %+v, want VNC/desktops", cfg.Services[0])
	}
	if cfg.Services[1].Group != "" {
		t.Errorf("Services[1].Group = %q, want empty", cfg.Services[1].Group)
	}

	if cfg.Timeouts.PingInterval != 15*time.Second {
		t.Errorf("Timeouts.PingInterval = %v, want 15s", cfg.Timeouts.PingInterval)
	}
	if cfg.Timeouts.PongTimeout != 45*time.Second {
		t.Errorf("Timeouts.PongTimeout = %v, want 45s", cfg.Timeouts.PongTimeout)
	}
	if cfg.Timeouts.PendingRequest != 90*time.Second {
		t.Errorf("Timeouts.PendingRequest = %v, want 90s", cfg.Timeouts.PendingRequest)
	}
	if cfg.Timeouts.Drain != 20*time.Second {
		t.Errorf("Timeouts.Drain = %v, want 20s", cfg.Timeouts.Drain)
	}
	if cfg.Timeouts.Dial != 5*time.Second {
		t.Errorf("Timeouts.Dial = %v, want 5s", cfg.Timeouts.Dial)
	}

	if cfg.Limits.MaxAgents != 50 {
		t.Errorf("Limits.MaxAgents = %d, want 50", cfg.Limits.MaxAgents)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("MUNNEL_TEST_BIND", "127.0.0.1:9999")

	configPath := writeConfig(t, `
server:
  bind: "${MUNNEL_TEST_BIND}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9999" {
		t.Errorf("Server.Bind = %q, want expanded env value", cfg.Server.Bind)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
timeouts:
  ping_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on invalid duration")
	}
	if !strings.Contains(err.Error(), "ping_interval") {
		t.Errorf("error %q should name the bad field", err)
	}
}

func TestLoad_InvalidServiceAddress(t *testing.T) {
	configPath := writeConfig(t, `
services:
  - name: BROKEN
    listen: "not-an-address"
    dest: "localhost:80"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Load() should fail on invalid listen address")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() should fail when the file does not exist")
	}
}

func TestLoadIfPresent_MissingFileIsEmpty(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := LoadIfPresent()
	if err != nil {
		t.Fatalf("LoadIfPresent() error = %v", err)
	}
	if len(cfg.Services) != 0 || cfg.Server.Bind != "" {
		t.Errorf("missing file should produce an empty config, got %+v", cfg)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(); got != DefaultPath {
		t.Errorf("ResolvePath() = %q, want %q", got, DefaultPath)
	}

	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	if got := ResolvePath(); got != "/tmp/custom.yaml" {
		t.Errorf("ResolvePath() = %q, want env override", got)
	}
}

func TestParseServiceString(t *testing.T) {
	svc, err := ParseServiceString("VNC desktops 0.0.0.0:5900 localhost:5900")
	if err != nil {
		t.Fatalf("ParseServiceString() error = %v", err)
	}
	want := ServiceConfig{Name: "VNC", Group: "desktops", Listen: "0.0.0.0:5900", Dest: "localhost:5900"}
	if svc != want {
		t.Errorf("ParseServiceString() = %+v, want %+v", svc, want)
	}
}

func TestParseServiceString_DashMeansNoGroup(t *testing.T) {
	svc, err := ParseServiceString("SSH - 0.0.0.0:2222 10.0.0.5:22")
	if err != nil {
		t.Fatalf("ParseServiceString() error = %v", err)
	}
	if svc.Group != "" {
		t.Errorf("Group = %q, want empty for dash sentinel", svc.Group)
	}
}

func TestParseServiceString_Invalid(t *testing.T) {
	cases := []string{
		"",
		"VNC desktops 0.0.0.0:5900",
		"VNC desktops 0.0.0.0:5900 localhost:5900 extra",
		"VNC desktops bad-listen localhost:5900",
		"VNC desktops 0.0.0.0:5900 bad-dest",
		"VNC desktops 0.0.0.0:5900 localhost:notaport",
		"VNC desktops 0.0.0.0:5900 localhost:99999",
	}
	for _, s := range cases {
		if _, err := ParseServiceString(s); err == nil {
			t.Errorf("ParseServiceString(%q) should fail", s)
		}
	}
}

func TestMergeServices_CLIWins(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fromFile := []ServiceConfig{
		{Name: "VNC", Listen: "0.0.0.0:5900", Dest: "localhost:5900"},
		{Name: "SSH", Listen: "0.0.0.0:2222", Dest: "localhost:22"},
	}
	fromCLI := []ServiceConfig{
		{Name: "VNC", Listen: "0.0.0.0:5901", Dest: "localhost:5901"},
	}

	merged := MergeServices(fromFile, fromCLI, logger)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}
	if merged[0].Listen != "0.0.0.0:5901" {
		t.Errorf("VNC should come from the command line, got %+v", merged[0])
	}
	if merged[1].Name != "SSH" {
		t.Errorf("merged[1] = %+v, want the file's SSH service", merged[1])
	}
}

func TestMergeServices_FirstOccurrenceWins(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fromCLI := []ServiceConfig{
		{Name: "VNC", Listen: "0.0.0.0:5900", Dest: "localhost:5900"},
		{Name: "VNC", Listen: "0.0.0.0:5901", Dest: "localhost:5901"},
	}

	merged := MergeServices(nil, fromCLI, logger)
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	if merged[0].Listen != "0.0.0.0:5900" {
		t.Errorf("first definition should win, got %+v", merged[0])
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "munnel.yaml")
	if err := WriteStarter(path); err != nil {
		t.Fatalf("WriteStarter() error = %v", err)
	}

	// The starter must itself be a loadable config.
	if _, err := Load(path); err != nil {
		t.Errorf("starter config should load cleanly: %v", err)
	}

	if err := WriteStarter(path); err == nil {
		t.Error("WriteStarter() should refuse to overwrite an existing file")
	}
}
