// Package config provides configuration loading and validation for the relay service.
// It handles YAML-based configuration with struct validation and environment-variable
// fallback for the upstream API key.
package config
