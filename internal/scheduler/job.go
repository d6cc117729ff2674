package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/seguro-projekt/platform/internal/store"
)

// Environment carries the canonical collaborator endpoints and credential
// paths injected into every launched container.
type Environment struct {
	S3Host    string
	MQTTHost  string
	TLSCACert string
	TLSCert   string
	TLSKey    string
	EnvFile   string
}

// overlay builds the compose overlay for one launch: the serialized job
// info, the collaborator endpoints and the read-only secrets volumes.
func (e Environment) overlay(service, jobInfo string) map[string]any {
	env := map[string]any{
		"SEGURO_JOB_INFO": jobInfo,
	}
	if e.S3Host != "" {
		env["S3_HOST"] = e.S3Host
	}
	if e.MQTTHost != "" {
		env["MQTT_HOST"] = e.MQTTHost
	}
	if e.TLSCACert != "" {
		env["TLS_CACERT"] = e.TLSCACert
	}
	if e.TLSCert != "" {
		env["TLS_CERT"] = e.TLSCert
	}
	if e.TLSKey != "" {
		env["TLS_KEY"] = e.TLSKey
	}

	svc := map[string]any{
		"environment": env,
		"volumes": []any{
			"key_clients:/keys/clients:ro",
			"certs:/certs:ro",
		},
	}

	if e.EnvFile != "" {
		svc["env_file"] = []any{e.EnvFile}
	}

	return map[string]any{
		"services": map[string]any{
			service: svc,
		},
		"volumes": map[string]any{
			"key_clients": map[string]any{"external": true},
			"certs":       map[string]any{"external": true},
		},
	}
}

// Job is a scheduler-managed service binding: it owns its triggers and the
// container workload they launch.
type Job struct {
	Name string
	Spec *JobSpec

	sched    *Scheduler
	runner   Runner
	watchers []WatchHandle
	entries  []cron.EntryID
	log      zerolog.Logger

	mu       sync.Mutex
	stopped  bool
	launches sync.WaitGroup
}

// newJob binds the spec's container as a service and wires all of its
// declared triggers. On error all partially-created watchers are released.
func newJob(s *Scheduler, name string, spec *JobSpec) (*Job, error) {
	j := &Job{
		Name:   name,
		Spec:   spec,
		sched:  s,
		runner: s.services.NewService(name, spec.Container, spec.Scale, spec.Recreate, spec.Build),
		log:    s.log.With().Str("job", name).Logger(),
	}

	// Trigger ids are wired in stable order so replays and logs are
	// deterministic.
	ids := make([]string, 0, len(spec.Triggers))
	for id := range spec.Triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		trigger := spec.Triggers[id]
		if err := j.setupTrigger(id, &trigger); err != nil {
			j.release()
			s.services.RemoveService(name)
			return nil, fmt.Errorf("trigger %q: %w", id, err)
		}
	}

	return j, nil
}

func (j *Job) setupTrigger(id string, trigger *Trigger) error {
	switch {
	case trigger.IsStore():
		j.setupStoreTrigger(id, trigger)
	case trigger.Type == TriggerSchedule:
		return j.setupSchedule(id, trigger.Schedule)
	case trigger.Type == TriggerStartup, trigger.Type == TriggerShutdown:
		// Fired by the scheduler at instantiation and teardown.
	default:
		return fmt.Errorf("unknown trigger type: %q", trigger.Type)
	}
	return nil
}

func (j *Job) setupStoreTrigger(id string, trigger *Trigger) {
	kind := trigger.Type

	watcher := j.sched.store.WatchAsync(trigger.Store.Prefix,
		func(_ *store.Client, event store.Event, key string) {
			if err := j.Start(&TriggerInfo{
				ID:     id,
				Type:   kind,
				Time:   time.Now(),
				Event:  event.String(),
				Object: key,
			}); err != nil {
				j.log.Error().Err(err).Str("trigger", id).Msg("Triggered launch failed")
			}
		},
		kind.Events(), trigger.Store.Initial)

	j.watchers = append(j.watchers, watcher)
	j.log.Info().Str("trigger", id).Str("prefix", trigger.Store.Prefix).Msg("Watching store prefix")
}

func (j *Job) setupSchedule(id string, spec *ScheduleTrigger) error {
	sched, err := newSchedule(spec, time.Now())
	if err != nil {
		return err
	}

	entry := j.sched.cron.Schedule(sched, cron.FuncJob(func() {
		if err := j.Start(&TriggerInfo{
			ID:   id,
			Type: TriggerSchedule,
			Time: time.Now(),
		}); err != nil {
			j.log.Error().Err(err).Str("trigger", id).Msg("Scheduled launch failed")
		}
	}))

	j.entries = append(j.entries, entry)
	j.log.Info().Str("trigger", id).Int("interval", spec.Interval).Str("unit", string(spec.Unit)).Msg("Registered schedule")

	return nil
}

// Start launches the job's container, passing the originating trigger as
// invocation context. Each firing yields a fresh launch under the same
// service name.
func (j *Job) Start(info *TriggerInfo) error {
	// The launch is registered under the same lock that checks the stop
	// flag, so Stop can wait out every firing that got past the check.
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.launches.Add(1)
	j.mu.Unlock()
	defer j.launches.Done()

	data, err := json.Marshal(JobInfo{
		Name:    j.Name,
		Spec:    j.Spec,
		Trigger: info,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize job info: %w", err)
	}

	overlay := j.sched.env.overlay(j.Name, string(data))

	if err := j.runner.Start([]map[string]any{overlay}); err != nil {
		return fmt.Errorf("failed to start job %s: %w", j.Name, err)
	}

	j.log.Info().Msg("Started job")

	return nil
}

// Stop unregisters the job's schedules and watchers; with down=true the
// underlying container is taken down as well. Stop is idempotent, and once
// it returns no further trigger firing can launch this job.
func (j *Job) Stop(down bool) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.stopped = true
	j.mu.Unlock()

	j.launches.Wait()
	j.release()
	j.sched.services.RemoveService(j.Name)

	if down {
		if err := j.runner.Stop(); err != nil {
			return fmt.Errorf("failed to stop job %s: %w", j.Name, err)
		}
	}

	j.log.Info().Msg("Stopped job")

	return nil
}

// release clears timer entries and joins all watchers.
func (j *Job) release() {
	for _, entry := range j.entries {
		j.sched.cron.Remove(entry)
	}
	j.entries = nil

	for _, w := range j.watchers {
		w.Stop()
	}
	j.watchers = nil
}

// hasTrigger reports whether any declared trigger has the given type.
func (j *Job) hasTrigger(kind TriggerType) (string, bool) {
	ids := make([]string, 0, len(j.Spec.Triggers))
	for id := range j.Spec.Triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if j.Spec.Triggers[id].Type == kind {
			return id, true
		}
	}
	return "", false
}
