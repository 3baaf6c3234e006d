// Package plugin defines the module lifecycle shared by netmapper components.
package plugin

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/config"
)

// Route represents an HTTP route exposed by a plugin.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Plugin defines the interface that all netmapper modules must implement.
type Plugin interface {
	// Name returns the plugin's unique identifier (e.g., "scan", "mqtt").
	// It is also the config section passed to Init.
	Name() string

	// Version returns the plugin's semantic version.
	Version() string

	// Init initializes the plugin with its config section and logger.
	Init(cfg *config.Config, logger *zap.Logger) error

	// Start begins the plugin's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the plugin.
	Stop() error

	// Routes returns the HTTP routes this plugin exposes.
	Routes() []Route
}
