// Package config loads roomkit host configuration from YAML, expanding
// ${VAR} environment references and parsing duration strings.
package config
