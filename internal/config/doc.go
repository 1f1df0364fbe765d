// Package config loads the daemon and client configuration from YAML.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets (database password, admin token) can stay out of the
// file. Durations use Go syntax ("30s", "5m").
package config
