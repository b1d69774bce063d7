// Package config loads, normalizes, and validates harvester configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// HARVESTER_ENV and HARVESTER_API_TOKEN. The Config type centralizes every
// knob the daemon and CLI need: status backend selection, broker wiring, the
// monitored queue set, retry policy, and classifier rules.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
