// Package config loads and validates the biolink core configuration.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// BIOLINK_* environment variable overrides for deployment-specific or
// secret values. Validation runs after all layers are applied so a
// bad override is caught at startup rather than at first use.
package config
