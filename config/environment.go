package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"":      environmentDevelopment,
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stage": environmentStaging,
	"stag":  environmentStaging,
}

// AppEnvironment returns APP_ENV lower-cased with aliases resolved.
// Unset means development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath swaps the default path for the current
// environment's file when that file exists. Explicit paths are kept.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}
	envPath, ok := envPaths[AppEnvironment()]
	if !ok {
		return path
	}
	if _, err := os.Stat(envPath); err != nil {
		return path
	}
	return envPath
}

// IsProductionLike reports whether env is production or staging. Those
// refuse to start without a credential.
func IsProductionLike(env string) bool {
	return env == environmentProduction || env == environmentStaging
}
