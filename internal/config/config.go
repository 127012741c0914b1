// ABOUTME: Configuration loading and parsing for munnel
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when MUNNEL_CONFIG is unset.
const DefaultPath = "./munnel.yaml"

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MUNNEL_CONFIG"

// Config represents the complete munnel configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Services []ServiceConfig `yaml:"services"`
	Timeouts TimeoutsConfig  `yaml:"timeouts"`
	Limits   LimitsConfig    `yaml:"limits"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the bind address for agent and return connections.
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// ServiceConfig describes one exposed service.
type ServiceConfig struct {
	Name   string `yaml:"name"`
	Group  string `yaml:"group"`
	Listen string `yaml:"listen"`
	Dest   string `yaml:"dest"`
}

// TimeoutsConfig holds the tunnel timing configuration.
type TimeoutsConfig struct {
	PingInterval   time.Duration `yaml:"-"`
	PongTimeout    time.Duration `yaml:"-"`
	PendingRequest time.Duration `yaml:"-"`
	Drain          time.Duration `yaml:"-"`
	Dial           time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw   string `yaml:"ping_interval"`
	PongTimeoutRaw    string `yaml:"pong_timeout"`
	PendingRequestRaw string `yaml:"pending_request"`
	DrainRaw          string `yaml:"drain"`
	DialRaw           string `yaml:"dial"`
}

// LimitsConfig holds connection limits.
type LimitsConfig struct {
	MaxAgents int `yaml:"max_agents"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ResolvePath returns the config file path from MUNNEL_CONFIG or the
// default location.
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadIfPresent loads the resolved config file, or returns an empty Config
// when no file exists. The file is optional; services can come entirely
// from the command line.
func LoadIfPresent() (*Config, error) {
	path := ResolvePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ParseServiceString parses a "<NAME> <GROUP> <LISTEN> <DEST>" command-line
// service definition. GROUP "-" stands for no group.
func ParseServiceString(s string) (ServiceConfig, error) {
	fields := strings.Fields(s)
	if len(fields) != 4 {
		return ServiceConfig{}, fmt.Errorf("service %q: want 4 fields (NAME GROUP LISTEN DEST), got %d", s, len(fields))
	}

	svc := ServiceConfig{
		Name:   fields[0],
		Group:  fields[1],
		Listen: fields[2],
		Dest:   fields[3],
	}
	if svc.Group == "-" {
		svc.Group = ""
	}
	if err := svc.validate(); err != nil {
		return ServiceConfig{}, err
	}
	return svc, nil
}

// validate checks a single service definition.
func (s ServiceConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("service with empty name")
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return fmt.Errorf("service %q: invalid listen address %q: %w", s.Name, s.Listen, err)
	}
	host, portStr, err := net.SplitHostPort(s.Dest)
	if err != nil {
		return fmt.Errorf("service %q: invalid destination %q: %w", s.Name, s.Dest, err)
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return fmt.Errorf("service %q: invalid destination port %q: %w", s.Name, portStr, err)
	}
	if len(host) > 255 {
		return fmt.Errorf("service %q: destination host exceeds 255 bytes", s.Name)
	}
	return nil
}

// MergeServices combines file and command-line services. Within each list
// the first occurrence of a name wins; across the two, command-line
// definitions override file definitions of the same name.
func MergeServices(fromFile, fromCLI []ServiceConfig, logger *slog.Logger) []ServiceConfig {
	var merged []ServiceConfig
	seen := make(map[string]bool)

	add := func(svc ServiceConfig, source string) {
		if seen[svc.Name] {
			logger.Warn("duplicate service name, keeping earlier definition",
				"service", svc.Name,
				"source", source,
			)
			return
		}
		seen[svc.Name] = true
		merged = append(merged, svc)
	}

	for _, svc := range fromCLI {
		add(svc, "cli")
	}
	for _, svc := range fromFile {
		add(svc, "file")
	}
	return merged
}

// Validate checks that all configured fields are well formed. A config with
// no services is valid here; the server requires at least one after merging.
func (c *Config) Validate() error {
	if c.Server.Bind != "" {
		if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
			return fmt.Errorf("server.bind %q: %w", c.Server.Bind, err)
		}
	}
	for _, svc := range c.Services {
		if err := svc.validate(); err != nil {
			return err
		}
	}
	if c.Limits.MaxAgents < 0 {
		return fmt.Errorf("limits.max_agents must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Timeouts.PingIntervalRaw, "ping_interval", &cfg.Timeouts.PingInterval},
		{cfg.Timeouts.PongTimeoutRaw, "pong_timeout", &cfg.Timeouts.PongTimeout},
		{cfg.Timeouts.PendingRequestRaw, "pending_request", &cfg.Timeouts.PendingRequest},
		{cfg.Timeouts.DrainRaw, "drain", &cfg.Timeouts.Drain},
		{cfg.Timeouts.DialRaw, "dial", &cfg.Timeouts.Dial},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// starterConfig is the commented example written by the init subcommand.
const starterConfig = `# munnel configuration
#
# Services can also be passed on the command line:
#   munnel server 0.0.0.0:10000 "VNC - 0.0.0.0:5900 localhost:5900"
# Command-line services override file services with the same name.

server:
  bind: "0.0.0.0:10000"

services: []
#  - name: VNC
#    group: ""            # agents with a matching group serve this service
#    listen: "0.0.0.0:5900"
#    dest: "localhost:5900"

#timeouts:
#  ping_interval: 30s
#  pong_timeout: 60s
#  pending_request: 60s
#  drain: 30s
#  dial: 10s

#limits:
#  max_agents: 1000

logging:
  level: info            # debug, info, warn, error
  format: text           # text or json
`

// WriteStarter writes a commented starter config to path. It refuses to
// overwrite an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("writing starter config: %w", err)
	}
	return nil
}
