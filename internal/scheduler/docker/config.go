package docker

import (
	"github.com/natcap/invest-compute/internal/config"
)

// LoadConfigFromEnv loads Docker scheduler configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image: config.GetEnv("DOCKER_IMAGE", "debian:stable-slim"),
	}
}
