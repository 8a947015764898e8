package config

import (
	"context"
	"os"
)

// EnvConfigPath names the environment variable that points at the config
// file. PathFromEnv falls back to the conventional location when it is unset.
const EnvConfigPath = "HYDRA_ROUTER_CONFIG"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns a normalized, validated configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// PathFromEnv returns the config file path from the environment, or the
// default location next to the binary.
func PathFromEnv() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return "config/config.yaml"
}
