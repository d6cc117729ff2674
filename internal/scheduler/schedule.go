package scheduler

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// schedule turns a ScheduleTrigger into a cron.Schedule. Each call to Next
// computes the following firing: a fixed or randomized interval in the
// trigger's unit, optionally aligned to a time-of-day (`at`), anchored to a
// weekday for weekly schedules, and cut off at the `until` deadline.
type schedule struct {
	spec     *ScheduleTrigger
	at       *atSpec
	deadline time.Time

	mu    sync.Mutex
	calls int
}

var atPattern = regexp.MustCompile(`^(\d{2}):(\d{2})(?::(\d{2}))?$|^:(\d{2})$`)

// atSpec is a parsed `at` constraint. The short ":NN" form names the minute
// within the hour for hourly schedules and the second within the minute for
// minute schedules; day and week units take the full time-of-day.
type atSpec struct {
	hour, min, sec int
	short          bool
}

func parseAt(s string) (*atSpec, error) {
	m := atPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("invalid at time: %q", s)
	}

	at := &atSpec{}

	if m[4] != "" { // ":NN" form
		at.min, _ = strconv.Atoi(m[4])
		at.short = true
	} else {
		at.hour, _ = strconv.Atoi(m[1])
		at.min, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			at.sec, _ = strconv.Atoi(m[3])
		}
	}

	if at.hour > 23 || at.min > 59 || at.sec > 59 {
		return nil, fmt.Errorf("invalid at time: %q", s)
	}

	return at, nil
}

// parseUntil resolves the drop-dead constraint, which may be an absolute
// datetime, a time-of-day (today), or a duration from now.
func parseUntil(s string, now time.Time) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
		}
	}

	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("invalid until constraint: %q", s)
}

func newSchedule(spec *ScheduleTrigger, now time.Time) (*schedule, error) {
	s := &schedule{spec: spec}

	if spec.At != "" {
		at, err := parseAt(spec.At)
		if err != nil {
			return nil, err
		}
		s.at = at
	}

	if spec.Until != "" {
		deadline, err := parseUntil(spec.Until, now)
		if err != nil {
			return nil, err
		}
		s.deadline = deadline
	}

	return s, nil
}

func (s *schedule) unit() time.Duration {
	switch s.spec.Unit {
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	case UnitWeeks:
		return 7 * 24 * time.Hour
	default:
		return time.Second
	}
}

// period picks the next firing interval. With interval_to set it is a
// uniform random integer in [interval, interval_to], re-drawn per firing.
func (s *schedule) period() time.Duration {
	interval := s.spec.Interval
	if s.spec.IntervalTo != nil {
		interval += rand.Intn(*s.spec.IntervalTo - s.spec.Interval + 1)
	}
	return time.Duration(interval) * s.unit()
}

// Next implements cron.Schedule. A zero return de-activates the entry.
func (s *schedule) Next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The runner asks once at registration and once after each firing,
	// so the second call marks a once-schedule as exhausted.
	s.calls++
	if s.spec.Once && s.calls > 1 {
		return time.Time{}
	}

	next := now.Add(s.period())

	if s.at != nil {
		next = s.alignAt(now, next)
	}

	if s.spec.Unit == UnitWeeks {
		next = s.alignWeekday(now, next)
	}

	if !s.deadline.IsZero() && next.After(s.deadline) {
		return time.Time{}
	}

	return next
}

// alignAt snaps a provisional firing instant to the `at` constraint. The
// interval advances first and only the fields below the unit are replaced,
// so an every-2-days schedule with an at time still skips a day. An
// every-one-unit schedule may pull the firing back into the current unit
// when the at time has not passed yet.
func (s *schedule) alignAt(now, next time.Time) time.Time {
	var candidate time.Time

	switch s.spec.Unit {
	case UnitMinutes:
		// The short ":NN" form carries the second within the minute.
		sec := s.at.sec
		if s.at.short {
			sec = s.at.min
		}
		candidate = time.Date(next.Year(), next.Month(), next.Day(),
			next.Hour(), next.Minute(), sec, 0, next.Location())
	case UnitHours:
		candidate = time.Date(next.Year(), next.Month(), next.Day(),
			next.Hour(), s.at.min, s.at.sec, 0, next.Location())
	case UnitDays, UnitWeeks:
		candidate = time.Date(next.Year(), next.Month(), next.Day(),
			s.at.hour, s.at.min, s.at.sec, 0, next.Location())
	default:
		return next
	}

	if s.spec.Interval == 1 && s.spec.IntervalTo == nil && s.spec.Unit != UnitWeeks {
		if prev := candidate.Add(-s.unit()); prev.After(now) {
			candidate = prev
		}
	}

	for !candidate.After(now) {
		candidate = candidate.Add(s.unit())
	}

	return candidate
}

// alignWeekday rolls the candidate forward to the configured start day.
func (s *schedule) alignWeekday(now, next time.Time) time.Time {
	target := weekdays[s.spec.StartDay]

	for next.Weekday() != target || !next.After(now) {
		next = next.Add(24 * time.Hour)
	}

	return next
}
