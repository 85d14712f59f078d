// Package config handles configuration loading for nekobridge.
//
// # Overview
//
// Configuration is loaded from a TOML file with environment variable
// expansion, decoded over defaults, and validated. Unknown keys are
// rejected so typos fail fast.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from NEKOBRIDGE_CONFIG environment variable
//  2. ./config.toml (current directory)
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[ux]
//	thinking_notify = "10s"
//	permission_timeout = "300s"
//
// # Sections
//
// Server (gateway listener and dedupe):
//
//	[server]
//	listen_addr = "127.0.0.1:8080"
//
// Agent (the subprocess to spawn):
//
//	[agent]
//	command = "claude-code-acp"
//	cwd = "workspace"
//
// UX (notices, permission behavior, image fetching) and Logging
// (level, format) round out the file; see the sample emitted by
// `nekobridge init` for every key.
package config
