package runtime

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and parameterizes the runtime backend.
type Config struct {
	Backend string // "docker" or "podman"
	Binary  string // optional override for the runtime binary path
}

// NewClient creates the runtime client selected by the configuration.
func NewClient(logger *zap.Logger, config *Config) (Client, error) {
	binary := config.Binary
	if binary == "" {
		binary = config.Backend
	}

	switch config.Backend {
	case "docker", "podman":
		return NewCLIClient(logger, binary), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}
}
