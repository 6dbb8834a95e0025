package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"octopusspain/internal/config"
	"octopusspain/pkg/host"
)

// Context provides dependencies to plugins during initialization.
type Context struct {
	// Integration is the host contract plugins read and subscribe to.
	Integration host.Integration

	// Logger is a structured logger for the plugin to use.
	// Plugins should use logger.Named("pluginname") for namespacing.
	Logger *zap.Logger

	// Config is the loaded service configuration. Each plugin reads its
	// own section and returns ErrDisabled when that section is empty.
	Config *config.Config

	// Registerer receives any Prometheus collectors a plugin exposes.
	Registerer prometheus.Registerer
}

// NewContext creates a new plugin context with all required dependencies.
func NewContext(
	integration host.Integration,
	logger *zap.Logger,
	cfg *config.Config,
	registerer prometheus.Registerer,
) *Context {
	return &Context{
		Integration: integration,
		Logger:      logger,
		Config:      cfg,
		Registerer:  registerer,
	}
}
