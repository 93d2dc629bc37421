// Package config handles configuration loading for mesh-bridge.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file ends in
// .toml) with environment variable expansion, duration parsing, defaults and
// validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MESH_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mesh-bridge/config.yaml
//  3. ~/.config/mesh-bridge/config.yaml
//
// # Environment Variable Expansion
//
//	admin:
//	  secret: "${MESH_BRIDGE_ADMIN_SECRET}"
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax, plus a "d" suffix for whole days:
//
//	database:
//	  packet_retention: "14d"
//	  neighbor_retention: "48h"
//
// # Configuration Sections
//
// Networks (primary is required, secondary optional):
//
//	networks:
//	  primary:
//	    kind: serial            # serial, tcp, jsonl
//	    device: /dev/ttyUSB0
//	    silence_threshold: 15m
//	  secondary:
//	    kind: jsonl
//	    address: 127.0.0.1:5050
//
// Database:
//
//	database:
//	  path: /var/lib/mesh-bridge/bridge.db
//	  busy_retries: 5
//	  error_window: 5m
//	  error_threshold: 20
//
// Maintenance:
//
//	maintenance:
//	  interval: 30s
//	  broadcast_interval: 6h
//	  broadcast_text: "bridge online"
//
// Logging:
//
//	logging:
//	  level: info     # debug, info, warn, error
//	  format: text    # text, json
//	  file: /var/log/mesh-bridge/bridge.log
//
// # Validation
//
// Load() validates required addresses, network kinds, and the database path.
package config
