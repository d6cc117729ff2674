package scheduler

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gosimple/slug"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/seguro-projekt/platform/internal/store"
)

// Scheduler watches the job catalog prefix, maintains the set of live jobs
// and drives their schedule triggers.
type Scheduler struct {
	store    Store
	services ServiceBackend
	cron     *cron.Cron
	env      Environment
	prefix   string
	log      zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	watcher WatchHandle

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler and subscribes to the catalog prefix. Existing
// catalog entries are replayed as created events, so the job set converges
// to the catalog state on startup.
func New(st Store, services ServiceBackend, env Environment, jobPrefix string, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		store:    st,
		services: services,
		cron:     cron.New(),
		env:      env,
		prefix:   jobPrefix,
		log:      log.With().Str("component", "scheduler").Logger(),
		jobs:     make(map[string]*Job),
		stop:     make(chan struct{}),
	}

	s.log.Info().Str("prefix", jobPrefix).Msg("Scheduler starting")

	s.watcher = st.WatchAsync(jobPrefix, s.handleCatalogEvent,
		store.EventCreated|store.EventRemoved, true)

	return s
}

// handleCatalogEvent applies one catalog change. Events arrive serially on
// the catalog watcher's dispatch goroutine.
func (s *Scheduler) handleCatalogEvent(_ *store.Client, event store.Event, key string) {
	filename := path.Base(key)
	ext := path.Ext(filename)

	if ext != ".yaml" && ext != ".yml" {
		s.log.Warn().Str("file", filename).Msg("Ignoring unsupported job file")
		return
	}

	name := slug.Make(strings.TrimSuffix(filename, ext))

	switch event {
	case store.EventCreated:
		data, err := s.store.GetObject(context.Background(), key)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Failed to fetch job description")
			return
		}

		spec, err := ParseJobSpec(data)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Failed to parse job description")
			return
		}

		s.addJob(name, spec)

	case store.EventRemoved:
		s.removeJob(name)

	default:
		s.log.Warn().Str("event", event.String()).Str("key", key).Msg("Ignoring unknown event kind")
	}
}

// addJob instantiates a job, replacing any previous instance of the same
// name, and fires its startup trigger. A job declaring no triggers at all
// is treated as having an implicit startup trigger.
func (s *Scheduler) addJob(name string, spec *JobSpec) {
	s.mu.Lock()
	old := s.jobs[name]
	delete(s.jobs, name)
	s.mu.Unlock()

	if old != nil {
		if err := old.Stop(true); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Failed to stop replaced job")
		}
	}

	job, err := newJob(s, name, spec)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("Failed to instantiate job")
		return
	}

	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()

	s.log.Info().Str("job", name).Msg("Added new job")

	if id, ok := job.hasTrigger(TriggerStartup); ok {
		s.fireLifecycle(job, id, TriggerStartup)
	} else if len(spec.Triggers) == 0 {
		if err := job.Start(nil); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Startup launch failed")
		}
	}
}

func (s *Scheduler) removeJob(name string) {
	s.mu.Lock()
	job := s.jobs[name]
	delete(s.jobs, name)
	s.mu.Unlock()

	if job == nil {
		s.log.Warn().Str("job", name).Msg("Attempted to remove unknown job")
		return
	}

	if err := job.Stop(true); err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("Failed to stop removed job")
	}

	s.log.Info().Str("job", name).Msg("Removed job")
}

func (s *Scheduler) fireLifecycle(job *Job, id string, kind TriggerType) {
	err := job.Start(&TriggerInfo{
		ID:   id,
		Type: kind,
		Time: time.Now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name).Str("trigger", id).Msg("Lifecycle launch failed")
	}
}

// Run drives the schedule triggers until the context is cancelled or Stop
// is called, then tears the scheduler down.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}

	s.shutdown()
}

// Stop requests a graceful termination of Run. Safe to call from signal
// handlers and idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// shutdown fires all shutdown triggers, stops every live job without
// tearing down its container, then stops the catalog watcher and the timer
// wheel.
func (s *Scheduler) shutdown() {
	s.log.Info().Msg("Scheduler stopping")

	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	for _, job := range jobs {
		if id, ok := job.hasTrigger(TriggerShutdown); ok {
			s.fireLifecycle(job, id, TriggerShutdown)
		}
	}

	for _, job := range jobs {
		if err := job.Stop(false); err != nil {
			s.log.Error().Err(err).Str("job", job.Name).Msg("Failed to stop job")
		}
	}

	s.watcher.Stop()

	<-s.cron.Stop().Done()

	s.log.Info().Msg("Scheduler stopped")
}

// JobStatus is a read-only snapshot of one live job, served by the status
// endpoint.
type JobStatus struct {
	Name     string   `json:"name"`
	Scale    int      `json:"scale"`
	Triggers []string `json:"triggers"`
}

// Jobs lists the live jobs in stable order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, job := range s.jobs {
		triggers := make([]string, 0, len(job.Spec.Triggers))
		for id := range job.Spec.Triggers {
			triggers = append(triggers, id)
		}
		sort.Strings(triggers)

		out = append(out, JobStatus{
			Name:     name,
			Scale:    job.Spec.Scale,
			Triggers: triggers,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
