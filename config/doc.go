// Package config loads and validates middlewared configuration.
//
// Configuration comes from three layers, later layers winning:
//
//  1. built-in defaults (Default)
//  2. an optional YAML file (Load)
//  3. MIDDLEWARED_* environment variables (applied by Load)
//
// The resulting Config is validated once at startup and treated as
// immutable afterwards; runtime state changes never flow back into it.
package config
