package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seguro-projekt/platform/internal/store"
)

// fakeStore implements Store in-memory and lets tests fire change-feed
// events by hand.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	watchers []*fakeWatch
}

type fakeWatch struct {
	store   *fakeStore
	prefix  string
	cb      store.Callback
	events  store.Event
	mu      sync.Mutex
	stopped bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) GetObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return data, nil
}

func (f *fakeStore) WatchAsync(prefix string, cb store.Callback, events store.Event, initial bool) WatchHandle {
	w := &fakeWatch{store: f, prefix: prefix, cb: cb, events: events}

	f.mu.Lock()
	f.watchers = append(f.watchers, w)
	var replay []string
	if initial && events.Has(store.EventCreated) {
		for key := range f.objects {
			if strings.HasPrefix(key, prefix) {
				replay = append(replay, key)
			}
		}
		sort.Strings(replay)
	}
	f.mu.Unlock()

	for _, key := range replay {
		cb(nil, store.EventCreated, key)
	}

	return w
}

func (w *fakeWatch) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func (w *fakeWatch) fire(event store.Event, key string) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()

	if stopped || !w.events.Has(event) || !strings.HasPrefix(key, w.prefix) {
		return
	}
	w.cb(nil, event, key)
}

// put stores an object and fires created on matching watchers.
func (f *fakeStore) put(key string, data []byte) {
	f.mu.Lock()
	f.objects[key] = data
	watchers := append([]*fakeWatch{}, f.watchers...)
	f.mu.Unlock()

	for _, w := range watchers {
		w.fire(store.EventCreated, key)
	}
}

// remove deletes an object and fires removed on matching watchers.
func (f *fakeStore) remove(key string) {
	f.mu.Lock()
	delete(f.objects, key)
	watchers := append([]*fakeWatch{}, f.watchers...)
	f.mu.Unlock()

	for _, w := range watchers {
		w.fire(store.EventRemoved, key)
	}
}

// watcherFor returns the most recent watcher opened on a prefix.
func (f *fakeStore) watcherFor(prefix string) *fakeWatch {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.watchers) - 1; i >= 0; i-- {
		if f.watchers[i].prefix == prefix {
			return f.watchers[i]
		}
	}
	return nil
}

// fakeServices records container launches instead of invoking the backend.
type fakeServices struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
	removed []string
}

type fakeRunner struct {
	name     string
	services *fakeServices

	mu            sync.Mutex
	launches      []JobInfo
	stops         int
	launchGate    chan struct{}
	launchStarted chan struct{}
}

func newFakeServices() *fakeServices {
	return &fakeServices{runners: make(map[string]*fakeRunner)}
}

func (f *fakeServices) NewService(name string, _ map[string]any, _ int, _, _ bool) Runner {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := &fakeRunner{name: name, services: f}
	f.runners[name] = r
	return r
}

func (f *fakeServices) RemoveService(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
}

func (r *fakeRunner) Start(overlays []map[string]any) error {
	info, err := jobInfoFromOverlays(r.name, overlays)
	if err != nil {
		return err
	}

	r.mu.Lock()
	gate, started := r.launchGate, r.launchStarted
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	r.launches = append(r.launches, *info)
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRunner) launchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launches)
}

func (r *fakeRunner) lastLaunch() JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches[len(r.launches)-1]
}

// jobInfoFromOverlays decodes the SEGURO_JOB_INFO value a workload would
// observe.
func jobInfoFromOverlays(name string, overlays []map[string]any) (*JobInfo, error) {
	for _, overlay := range overlays {
		services, ok := overlay["services"].(map[string]any)
		if !ok {
			continue
		}
		svc, ok := services[name].(map[string]any)
		if !ok {
			continue
		}
		env, ok := svc["environment"].(map[string]any)
		if !ok {
			continue
		}
		raw, ok := env["SEGURO_JOB_INFO"].(string)
		if !ok {
			continue
		}

		var info JobInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, err
		}
		return &info, nil
	}
	return nil, fmt.Errorf("no job info in overlays for %s", name)
}

func testEnv() Environment {
	return Environment{
		S3Host:    "minio:9000",
		MQTTHost:  "mosquitto:8883",
		TLSCACert: "/certs/ca.crt",
		TLSCert:   "/certs/client.crt",
		TLSKey:    "/certs/client.key",
	}
}

func newTestScheduler(st *fakeStore, services *fakeServices) *Scheduler {
	return New(st, services, testEnv(), "config/jobs/", zerolog.Nop())
}

func TestScheduler_ImplicitStartupTrigger(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/hello.yaml"] = []byte(`
container:
  image: busybox
  command: ["echo", "hi"]
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["hello"]
	require.NotNil(t, runner)
	require.Equal(t, 1, runner.launchCount())

	info := runner.lastLaunch()
	assert.Equal(t, "hello", info.Name)
	assert.Nil(t, info.Trigger)
}

func TestScheduler_ExplicitStartupTrigger(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/init.yaml"] = []byte(`
container: {image: busybox}
triggers:
  boot: {type: startup}
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["init"]
	require.NotNil(t, runner)
	require.Equal(t, 1, runner.launchCount())

	info := runner.lastLaunch()
	require.NotNil(t, info.Trigger)
	assert.Equal(t, "boot", info.Trigger.ID)
	assert.Equal(t, TriggerStartup, info.Trigger.Type)
}

func TestScheduler_StoreCreatedTrigger(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/scale.yaml"] = []byte(`
container: {image: busybox}
triggers:
  t:
    type: created
    prefix: data/raw/
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["scale"]
	require.NotNil(t, runner)
	require.Equal(t, 0, runner.launchCount(), "created trigger must not fire at instantiation")

	st.put("data/raw/42.bin", []byte{1})
	require.Equal(t, 1, runner.launchCount())

	info := runner.lastLaunch()
	require.NotNil(t, info.Trigger)
	assert.Equal(t, "t", info.Trigger.ID)
	assert.Equal(t, TriggerCreated, info.Trigger.Type)
	assert.Equal(t, "created", info.Trigger.Event)
	assert.Equal(t, "data/raw/42.bin", info.Trigger.Object)

	st.remove("data/raw/42.bin")
	assert.Equal(t, 1, runner.launchCount(), "removal must not fire a created trigger")
}

func TestScheduler_ModifiedTriggerFiresOnBothKinds(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/any.yaml"] = []byte(`
container: {image: busybox}
triggers:
  t:
    type: modified
    prefix: data/
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["any"]
	st.put("data/x", []byte{1})
	st.remove("data/x")

	require.Equal(t, 2, runner.launchCount())
	assert.Equal(t, "removed", runner.lastLaunch().Trigger.Event)
}

func TestScheduler_InitialReplayTrigger(t *testing.T) {
	st := newFakeStore()
	st.objects["data/raw/1.bin"] = []byte{1}
	st.objects["data/raw/2.bin"] = []byte{2}
	st.objects["config/jobs/replay.yaml"] = []byte(`
container: {image: busybox}
triggers:
  t:
    type: created
    prefix: data/raw/
    initial: true
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["replay"]
	require.NotNil(t, runner)
	assert.Equal(t, 2, runner.launchCount(), "one synthetic launch per pre-existing key")
}

func TestScheduler_IgnoresNonYAMLFiles(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/README.md"] = []byte("not a job")

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	assert.Empty(t, services.runners)
	assert.Empty(t, s.Jobs())
}

func TestScheduler_SkipsUnparsableSpecs(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/broken.yaml"] = []byte("triggers: [not, a, mapping]")
	st.objects["config/jobs/ok.yaml"] = []byte("container: {image: busybox}")

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	statuses := s.Jobs()
	require.Len(t, statuses, 1)
	assert.Equal(t, "ok", statuses[0].Name)
}

func TestScheduler_CatalogOverwriteReplacesJob(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/hello.yaml"] = []byte("container: {image: busybox}")

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	first := services.runners["hello"]
	require.Equal(t, 1, first.launchCount())

	st.put("config/jobs/hello.yaml", []byte("container: {image: alpine}"))

	second := services.runners["hello"]
	require.NotSame(t, first, second, "overwrite must instantiate a fresh job")
	assert.Equal(t, 1, first.stops, "previous instance must be taken down")
	assert.Equal(t, 1, second.launchCount())
	require.Len(t, s.Jobs(), 1)
}

func TestScheduler_CatalogRemoveStopsJob(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/hello.yaml"] = []byte("container: {image: busybox}")

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["hello"]

	st.remove("config/jobs/hello.yaml")

	assert.Equal(t, 1, runner.stops)
	assert.Empty(t, s.Jobs())
	assert.Contains(t, services.removed, "hello")

	// Removing an unknown job is warned and ignored.
	st.remove("config/jobs/ghost.yaml")
}

func TestJob_StopIsComplete(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/watcher.yaml"] = []byte(`
container: {image: busybox}
triggers:
  t:
    type: created
    prefix: data/
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["watcher"]
	dataWatch := st.watcherFor("data/")
	require.NotNil(t, dataWatch)

	s.mu.Lock()
	job := s.jobs["watcher"]
	s.mu.Unlock()
	require.NotNil(t, job)

	require.NoError(t, job.Stop(false))
	require.NoError(t, job.Stop(false), "stop must be idempotent")

	st.put("data/late.bin", []byte{1})
	assert.Equal(t, 0, runner.launchCount(), "no firing may occur after Stop returns")
	assert.Equal(t, 0, runner.stops, "down=false must leave the container alone")
}

func TestJob_StopWaitsForInFlightLaunch(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/slow.yaml"] = []byte(`
container: {image: busybox}
triggers:
  t:
    type: created
    prefix: data/
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)
	defer s.shutdown()

	runner := services.runners["slow"]
	require.NotNil(t, runner)

	runner.mu.Lock()
	runner.launchGate = make(chan struct{})
	runner.launchStarted = make(chan struct{}, 1)
	runner.mu.Unlock()

	s.mu.Lock()
	job := s.jobs["slow"]
	s.mu.Unlock()
	require.NotNil(t, job)

	go st.put("data/x.bin", []byte{1})
	<-runner.launchStarted

	stopDone := make(chan struct{})
	go func() {
		_ = job.Stop(false)
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a launch was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.launchGate)

	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the launch completed")
	}

	assert.Equal(t, 1, runner.launchCount())

	require.NoError(t, job.Start(&TriggerInfo{ID: "t", Type: TriggerCreated, Time: time.Now()}))
	assert.Equal(t, 1, runner.launchCount(), "no launch may land after Stop returns")
}

func TestScheduler_ShutdownFiresShutdownTriggers(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/final.yaml"] = []byte(`
container: {image: busybox}
triggers:
  bye: {type: shutdown}
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)

	runner := services.runners["final"]
	require.NotNil(t, runner)
	require.Equal(t, 0, runner.launchCount())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	s.Stop()
	s.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate")
	}

	require.Equal(t, 1, runner.launchCount())
	info := runner.lastLaunch()
	require.NotNil(t, info.Trigger)
	assert.Equal(t, "bye", info.Trigger.ID)
	assert.Equal(t, TriggerShutdown, info.Trigger.Type)
	assert.Equal(t, 0, runner.stops, "teardown must not take containers down")
}

func TestScheduler_ScheduleTriggerFires(t *testing.T) {
	st := newFakeStore()
	st.objects["config/jobs/tick.yaml"] = []byte(`
container: {image: busybox}
triggers:
  every:
    type: schedule
    interval: 1
    unit: seconds
`)

	services := newFakeServices()
	s := newTestScheduler(st, services)

	go s.Run(context.Background())
	defer s.Stop()

	runner := services.runners["tick"]
	require.NotNil(t, runner)

	require.Eventually(t, func() bool {
		return runner.launchCount() >= 1
	}, 5*time.Second, 50*time.Millisecond)

	info := runner.lastLaunch()
	require.NotNil(t, info.Trigger)
	assert.Equal(t, "every", info.Trigger.ID)
	assert.Equal(t, TriggerSchedule, info.Trigger.Type)
}

func TestEnvironment_Overlay(t *testing.T) {
	overlay := testEnv().overlay("hello", `{"name":"hello"}`)

	svc := overlay["services"].(map[string]any)["hello"].(map[string]any)
	env := svc["environment"].(map[string]any)

	assert.Equal(t, `{"name":"hello"}`, env["SEGURO_JOB_INFO"])
	assert.Equal(t, "minio:9000", env["S3_HOST"])
	assert.Equal(t, "mosquitto:8883", env["MQTT_HOST"])
	assert.Equal(t, "/certs/ca.crt", env["TLS_CACERT"])

	assert.ElementsMatch(t, []any{
		"key_clients:/keys/clients:ro",
		"certs:/certs:ro",
	}, svc["volumes"])

	volumes := overlay["volumes"].(map[string]any)
	assert.Equal(t, map[string]any{"external": true}, volumes["key_clients"])
	assert.Equal(t, map[string]any{"external": true}, volumes["certs"])
}
