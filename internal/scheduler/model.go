// Package scheduler implements the event-driven job scheduler: it watches
// the job catalog in the object store, materializes each entry as a compose
// service and launches it in response to store, schedule and lifecycle
// triggers.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seguro-projekt/platform/internal/store"
)

// TriggerType discriminates the trigger variants of a job specification.
type TriggerType string

const (
	TriggerCreated  TriggerType = "created"
	TriggerRemoved  TriggerType = "removed"
	TriggerModified TriggerType = "modified"
	TriggerSchedule TriggerType = "schedule"
	TriggerStartup  TriggerType = "startup"
	TriggerShutdown TriggerType = "shutdown"
)

// ScheduleUnit is the base unit of a schedule trigger's interval.
type ScheduleUnit string

const (
	UnitSeconds ScheduleUnit = "seconds"
	UnitMinutes ScheduleUnit = "minutes"
	UnitHours   ScheduleUnit = "hours"
	UnitDays    ScheduleUnit = "days"
	UnitWeeks   ScheduleUnit = "weeks"
)

// Weekday anchors weekly schedules.
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

var weekdays = map[Weekday]time.Weekday{
	Monday:    time.Monday,
	Tuesday:   time.Tuesday,
	Wednesday: time.Wednesday,
	Thursday:  time.Thursday,
	Friday:    time.Friday,
	Saturday:  time.Saturday,
	Sunday:    time.Sunday,
}

// StoreTrigger fires on object events under a store prefix.
type StoreTrigger struct {
	Prefix  string `yaml:"prefix" json:"prefix"`
	Initial bool   `yaml:"initial" json:"initial,omitempty"`
}

// Events maps the trigger's type to the store event mask. Modified is the
// union of created and removed.
func (t TriggerType) Events() store.Event {
	switch t {
	case TriggerCreated:
		return store.EventCreated
	case TriggerRemoved:
		return store.EventRemoved
	case TriggerModified:
		return store.EventCreated | store.EventRemoved
	}
	return 0
}

// ScheduleTrigger fires on a wall-clock schedule.
type ScheduleTrigger struct {
	Interval   int          `yaml:"interval" json:"interval"`
	IntervalTo *int         `yaml:"interval_to" json:"interval_to,omitempty"`
	Once       bool         `yaml:"once" json:"once,omitempty"`
	At         string       `yaml:"at" json:"at,omitempty"`
	Until      string       `yaml:"until" json:"until,omitempty"`
	Unit       ScheduleUnit `yaml:"unit" json:"unit"`
	StartDay   Weekday      `yaml:"start_day" json:"start_day,omitempty"`
}

// Trigger is a tagged variant: exactly one of Store and Schedule is set for
// the store and schedule kinds; the lifecycle kinds carry no payload.
type Trigger struct {
	Type     TriggerType
	Store    *StoreTrigger
	Schedule *ScheduleTrigger
}

// IsStore reports whether the trigger fires on store events.
func (t *Trigger) IsStore() bool {
	switch t.Type {
	case TriggerCreated, TriggerRemoved, TriggerModified:
		return true
	}
	return false
}

// UnmarshalYAML decodes the variant selected by the type field.
func (t *Trigger) UnmarshalYAML(value *yaml.Node) error {
	var tag struct {
		Type TriggerType `yaml:"type"`
	}
	if err := value.Decode(&tag); err != nil {
		return err
	}

	t.Type = tag.Type

	switch tag.Type {
	case TriggerCreated, TriggerRemoved, TriggerModified:
		st := StoreTrigger{Prefix: "/"}
		if err := value.Decode(&st); err != nil {
			return err
		}
		t.Store = &st

	case TriggerSchedule:
		sched := ScheduleTrigger{
			Interval: 1,
			Unit:     UnitSeconds,
			StartDay: Monday,
		}
		if err := value.Decode(&sched); err != nil {
			return err
		}
		if err := sched.validate(); err != nil {
			return err
		}
		t.Schedule = &sched

	case TriggerStartup, TriggerShutdown:
		// No payload.

	default:
		return fmt.Errorf("unknown trigger type: %q", tag.Type)
	}

	return nil
}

// MarshalJSON flattens the active variant next to the type tag, matching
// the shape workloads see in their invocation context.
func (t Trigger) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": t.Type}

	switch {
	case t.Store != nil:
		out["prefix"] = t.Store.Prefix
		if t.Store.Initial {
			out["initial"] = t.Store.Initial
		}
	case t.Schedule != nil:
		out["interval"] = t.Schedule.Interval
		out["unit"] = t.Schedule.Unit
		if t.Schedule.IntervalTo != nil {
			out["interval_to"] = *t.Schedule.IntervalTo
		}
		if t.Schedule.Once {
			out["once"] = t.Schedule.Once
		}
		if t.Schedule.At != "" {
			out["at"] = t.Schedule.At
		}
		if t.Schedule.Until != "" {
			out["until"] = t.Schedule.Until
		}
		if t.Schedule.Unit == UnitWeeks {
			out["start_day"] = t.Schedule.StartDay
		}
	}

	return json.Marshal(out)
}

func (s *ScheduleTrigger) validate() error {
	switch s.Unit {
	case UnitSeconds, UnitMinutes, UnitHours, UnitDays, UnitWeeks:
	default:
		return fmt.Errorf("unknown schedule unit: %q", s.Unit)
	}

	if s.Interval < 1 {
		return fmt.Errorf("schedule interval must be positive, got %d", s.Interval)
	}

	if s.IntervalTo != nil && *s.IntervalTo < s.Interval {
		return fmt.Errorf("interval_to (%d) must not be below interval (%d)",
			*s.IntervalTo, s.Interval)
	}

	if _, ok := weekdays[s.StartDay]; !ok {
		return fmt.Errorf("unknown start day: %q", s.StartDay)
	}

	if s.At != "" {
		at, err := parseAt(s.At)
		if err != nil {
			return err
		}
		switch {
		case s.Unit == UnitSeconds:
			return fmt.Errorf("at is not supported for %s schedules", s.Unit)
		case s.Unit == UnitMinutes && !at.short:
			return fmt.Errorf("at for %s schedules must use the \":SS\" form", s.Unit)
		case (s.Unit == UnitDays || s.Unit == UnitWeeks) && at.short:
			return fmt.Errorf("at for %s schedules must name an hour and minute", s.Unit)
		}
	}

	if s.Until != "" {
		if _, err := parseUntil(s.Until, time.Now()); err != nil {
			return err
		}
	}

	return nil
}

// JobSpec is a job catalog entry: the compose service definition plus the
// triggers that launch it.
type JobSpec struct {
	Container map[string]any     `yaml:"container" json:"container"`
	Scale     int                `yaml:"scale" json:"scale"`
	Recreate  bool               `yaml:"recreate" json:"recreate,omitempty"`
	Build     bool               `yaml:"build" json:"build,omitempty"`
	Triggers  map[string]Trigger `yaml:"triggers" json:"triggers,omitempty"`
}

// ParseJobSpec decodes and validates a catalog YAML document.
func ParseJobSpec(data []byte) (*JobSpec, error) {
	spec := JobSpec{Scale: 1}

	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec: %w", err)
	}

	if len(spec.Container) == 0 {
		return nil, fmt.Errorf("job spec has no container definition")
	}

	if spec.Scale < 1 {
		return nil, fmt.Errorf("scale must be positive, got %d", spec.Scale)
	}

	return &spec, nil
}

// TriggerInfo describes the trigger firing that caused a launch.
type TriggerInfo struct {
	ID     string      `json:"id"`
	Type   TriggerType `json:"type"`
	Time   time.Time   `json:"time"`
	Event  string      `json:"event,omitempty"`
	Object string      `json:"object,omitempty"`
}

// JobInfo is the invocation context passed to every launched container via
// the SEGURO_JOB_INFO environment variable.
type JobInfo struct {
	Name    string       `json:"name"`
	Spec    *JobSpec     `json:"spec"`
	Trigger *TriggerInfo `json:"trigger,omitempty"`
}
