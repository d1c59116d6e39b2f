// Package config resolves process settings from an optional YAML/JSON file,
// a .env file and the environment.
package config
