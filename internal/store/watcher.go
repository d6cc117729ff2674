package store

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/rs/zerolog"

	"github.com/seguro-projekt/platform/pkg/logger"
)

// Event is a bitmask of object store event kinds.
type Event int

const (
	// EventCreated fires when an object is created or overwritten.
	EventCreated Event = 1 << iota
	// EventRemoved fires when an object is deleted.
	EventRemoved
)

// String returns the wire name of a single event kind.
func (e Event) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventCreated | EventRemoved:
		return "modified"
	}
	return "unknown"
}

// Has reports whether the mask contains the given kind.
func (e Event) Has(kind Event) bool {
	return e&kind != 0
}

// s3EventNames maps the mask to the server-side notification filters.
func (e Event) s3EventNames() []string {
	var names []string
	if e.Has(EventCreated) {
		names = append(names, "s3:ObjectCreated:*")
	}
	if e.Has(EventRemoved) {
		names = append(names, "s3:ObjectRemoved:*")
	}
	return names
}

// Notification is a single change-feed record.
type Notification struct {
	Event Event
	Key   string
}

// Callback receives change-feed records from an asynchronous watcher.
type Callback func(c *Client, event Event, key string)

// watchBackend is the slice of the store API a watcher consumes. It exists
// so tests can drive a watcher without a live store.
type watchBackend interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	listen(ctx context.Context, prefix string, events []string) <-chan notification.Info
}

// Watcher follows a key prefix on the store's change feed and emits one
// Notification per matching object event. When created with initial=true it
// first replays all existing keys under the prefix as synthetic created
// events, in lexicographic order, before any live event is delivered.
type Watcher struct {
	client  *Client
	backend watchBackend
	prefix  string
	events  Event
	initial bool

	out      chan Notification
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// Watch opens a watcher on the given prefix. The returned watcher's Events
// channel yields records until Stop is called.
func (c *Client) Watch(prefix string, events Event, initial bool) *Watcher {
	return newWatcher(c, c, prefix, events, initial, c.log)
}

func newWatcher(c *Client, backend watchBackend, prefix string, events Event, initial bool, log zerolog.Logger) *Watcher {
	w := &Watcher{
		client:  c,
		backend: backend,
		prefix:  prefix,
		events:  events,
		initial: initial,
		out:     make(chan Notification, 64),
		log:     logger.Component(log, "store_watcher").With().Str("prefix", prefix).Logger(),
	}

	w.start()

	return w
}

// WatchAsync opens a watcher on the given prefix and dispatches each record
// to the callback on a dedicated goroutine.
func (c *Client) WatchAsync(prefix string, cb Callback, events Event, initial bool) *Watcher {
	w := c.Watch(prefix, events, initial)
	w.dispatch(cb)
	return w
}

// dispatch drains the event stream into the callback.
func (w *Watcher) dispatch(cb Callback) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for n := range w.out {
			cb(w.client, n.Event, n.Key)
		}
	}()
}

// Events returns the stream of change-feed records. The channel is closed
// once Stop is called.
func (w *Watcher) Events() <-chan Notification {
	return w.out
}

// Stop terminates the watcher. The underlying long poll is closed to
// unblock any pending read and the background goroutines are joined.
// Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
}

func (w *Watcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.out)
		w.run(ctx)
	}()
}

func (w *Watcher) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever

	if w.initial && w.events.Has(EventCreated) {
		if !w.replay(ctx, bo) {
			return
		}
		bo.Reset()
	}

	for {
		healthy := w.consumeFeed(ctx)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		w.log.Warn().Dur("backoff", wait).Msg("Change feed interrupted, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// replay emits one synthetic created event per existing key, retrying the
// enumeration until the store answers. The batch completes before the live
// subscription is opened. It reports false when the watcher was stopped.
func (w *Watcher) replay(ctx context.Context, bo backoff.BackOff) bool {
	var keys []string
	for {
		var err error
		keys, err = w.backend.ListObjects(ctx, w.prefix)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}

		wait := bo.NextBackOff()
		w.log.Warn().Err(err).Dur("backoff", wait).Msg("Failed to enumerate existing objects, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}

	for _, key := range keys {
		if !w.emit(ctx, Notification{Event: EventCreated, Key: key}) {
			return false
		}
	}

	return true
}

// consumeFeed reads the change feed until it closes or errors. It reports
// whether at least one record was delivered, so the caller can reset the
// reconnect backoff.
func (w *Watcher) consumeFeed(ctx context.Context) bool {
	delivered := false

	for info := range w.backend.listen(ctx, w.prefix, w.events.s3EventNames()) {
		if info.Err != nil {
			w.log.Error().Err(info.Err).Msg("Change feed error")
			return delivered
		}

		for _, record := range info.Records {
			n, ok := w.decode(record)
			if !ok {
				continue
			}
			if !w.emit(ctx, n) {
				return delivered
			}
			delivered = true
		}
	}

	return delivered
}

// decode maps a raw notification record to a Notification, filtering by the
// requested event mask. Malformed records are logged and dropped.
func (w *Watcher) decode(record notification.Event) (Notification, bool) {
	var kind Event
	switch {
	case strings.HasPrefix(record.EventName, "s3:ObjectCreated:"):
		kind = EventCreated
	case strings.HasPrefix(record.EventName, "s3:ObjectRemoved:"):
		kind = EventRemoved
	default:
		w.log.Warn().Str("event", record.EventName).Msg("Ignoring unknown event kind")
		return Notification{}, false
	}

	if !w.events.Has(kind) {
		return Notification{}, false
	}

	// Object keys arrive URL-encoded in notification records.
	key, err := url.QueryUnescape(record.S3.Object.Key)
	if err != nil {
		w.log.Warn().
			Err(err).
			Str("key", record.S3.Object.Key).
			Msg("Dropping malformed notification record")
		return Notification{}, false
	}

	return Notification{Event: kind, Key: key}, true
}

// emit delivers a record to the output channel, giving up when the watcher
// is stopped. It reports whether the record was delivered.
func (w *Watcher) emit(ctx context.Context, n Notification) bool {
	select {
	case w.out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
