// Package plugin provides the sink plugin interfaces and registry. Sinks
// (MQTT, Kafka, metrics) register themselves with the global registry from
// init() functions and are created, started and stopped by cmd in order.
package plugin

import (
	"context"
	"errors"
)

// ErrDisabled is returned by a Factory when the sink is not configured. The
// registry skips such sinks without failing startup.
var ErrDisabled = errors.New("plugin disabled")

// Plugin is a consumer of the host contract with its own lifecycle.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	Name() string

	// Start subscribes to the integration and starts background work. The
	// context bounds the plugin's lifetime.
	Start(ctx context.Context) error

	// Stop unsubscribes and releases resources.
	Stop() error
}

// Factory creates a plugin instance from the shared context.
type Factory func(ctx *Context) (Plugin, error)
