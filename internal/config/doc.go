// Package config handles configuration loading for munnel.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, merged with services defined on the command line. The file is
// optional: a server can run entirely from command-line service strings.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MUNNEL_CONFIG environment variable
//  2. ./munnel.yaml (current directory)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  bind: "${MUNNEL_BIND}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	timeouts:
//	  ping_interval: "30s"
//	  pong_timeout: "60s"
//	  pending_request: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  bind: "0.0.0.0:10000"   # agent control and return connections
//
// Services:
//
//	services:
//	  - name: VNC
//	    group: ""             # "" means the no-group bucket
//	    listen: "0.0.0.0:5900"
//	    dest: "localhost:5900"
//
// Timeouts and limits:
//
//	timeouts:
//	  ping_interval: "30s"
//	  pong_timeout: "60s"
//	  pending_request: "60s"
//	  drain: "30s"
//	  dial: "10s"
//	limits:
//	  max_agents: 1000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load the resolved configuration file if one exists:
//
//	cfg, err := config.LoadIfPresent()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Load from a specific path:
//
//	cfg, err := config.Load("/etc/munnel/munnel.yaml")
package config
