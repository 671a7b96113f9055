// Package config provides configuration loading and validation for the
// rehearsal daemon. Configuration is YAML; ${VAR} references are expanded
// from the environment so API keys can live in a .env file.
package config
