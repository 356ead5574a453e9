// Package config handles configuration loading for support-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SUPPORT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	automation:
//	  timeout: "10s"
//
// # Sections
//
//   - server: HTTP listen address
//   - database: SQLite database path
//   - auth: JWT secret for operator tokens
//   - automation: webhook endpoints of the automated-reply pipeline
//   - realtime: connection-layer policy (escalation pause, rate limits)
//   - logging: level and format
package config
