package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/l2flow.yml"

var environmentAliases = map[string]string{
	"dev":  EnvironmentDevelopment,
	"prod": EnvironmentProduction,
	"stag": EnvironmentStaging,
}

// AppEnvironment reads APP_ENV, resolving short aliases. Empty means
// development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env should fail hard on optional
// integrations that could not be initialised.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// ResolveConfigPath swaps the default config file for its per-environment
// sibling (config/l2flow.production.yml) when that file exists. An explicit
// non-default path is always returned unchanged.
func ResolveConfigPath(path string) string {
	if path != "" && path != DefaultConfigPath {
		return path
	}
	ext := filepath.Ext(DefaultConfigPath)
	candidate := strings.TrimSuffix(DefaultConfigPath, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return DefaultConfigPath
}
