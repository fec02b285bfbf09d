// Package store opens the audit journal through a registered driver.
package store

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/config"
	"github.com/makorehaps/dkpbot/internal/event"
)

// Journal groups an event store with its lifecycle hooks.
type Journal struct {
	Events event.Store
	// Closer is called to release underlying resources (e.g. DB connection).
	Closer io.Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
}

// Driver opens a journal backend.
type Driver func(ctx context.Context, cfg config.JournalConfig, clk clock.Clock) (*Journal, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and opens the journal.
func Open(ctx context.Context, cfg config.JournalConfig, clk clock.Clock) (*Journal, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown journal driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, clk)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// NopCloser is an io.Closer that does nothing.
type NopCloser struct{}

// Close implements io.Closer.
func (NopCloser) Close() error { return nil }
