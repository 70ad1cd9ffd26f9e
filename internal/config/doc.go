// Package config provides centralized configuration management for the
// MetaPilot runtime, covering the API server, snapshot storage backends,
// dispatch queues, reasoning providers and chain endpoints.
package config
