package scheduler

import (
	"context"

	"github.com/seguro-projekt/platform/internal/store"
)

// WatchHandle is a stoppable store subscription.
type WatchHandle interface {
	Stop()
}

// Store is the slice of the object store API the scheduler consumes.
type Store interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	WatchAsync(prefix string, cb store.Callback, events store.Event, initial bool) WatchHandle
}

// Runner starts and stops the container workload backing a job.
type Runner interface {
	Start(overlays []map[string]any) error
	Stop() error
}

// ServiceBackend materializes job container definitions as runnable
// services.
type ServiceBackend interface {
	NewService(name string, spec map[string]any, scale int, forceRecreate, build bool) Runner
	RemoveService(name string)
}
