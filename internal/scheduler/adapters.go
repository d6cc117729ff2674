package scheduler

import (
	"github.com/seguro-projekt/platform/internal/compose"
	"github.com/seguro-projekt/platform/internal/store"
)

// storeAdapter narrows *store.Client to the Store interface.
type storeAdapter struct {
	*store.Client
}

// NewStore wraps the concrete store client for use by the scheduler.
func NewStore(c *store.Client) Store {
	return storeAdapter{c}
}

func (a storeAdapter) WatchAsync(prefix string, cb store.Callback, events store.Event, initial bool) WatchHandle {
	return a.Client.WatchAsync(prefix, cb, events, initial)
}

// composerAdapter narrows *compose.Composer to the ServiceBackend interface.
type composerAdapter struct {
	*compose.Composer
}

// NewServiceBackend wraps the concrete composer for use by the scheduler.
func NewServiceBackend(c *compose.Composer) ServiceBackend {
	return composerAdapter{c}
}

func (a composerAdapter) NewService(name string, spec map[string]any, scale int, forceRecreate, build bool) Runner {
	return a.Composer.NewService(name, spec, scale, forceRecreate, build)
}
