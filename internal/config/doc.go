// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/gateway.db"
//
// Authentication (optional; auth is disabled when jwt_secret is empty):
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Push hub:
//
//	hub:
//	  send_buffer: 256
//	  write_timeout: "5s"
//	  origin_patterns: ["app.example.com"]
//
// Run behavior:
//
//	runs:
//	  cancel_on_disconnect: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax (ns, us, ms, s, m, h).
//
// # Usage
//
//	cfg, err := config.Load("/etc/parley/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
