// Package job gives containerized workloads access to their invocation
// context: the job name, spec and originating trigger the scheduler passed
// down through the environment.
package job

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EnvVar is the environment variable holding the serialized job info.
const EnvVar = "SEGURO_JOB_INFO"

// Trigger describes the event that caused this launch.
type Trigger struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Event  string    `json:"event,omitempty"`
	Object string    `json:"object,omitempty"`
}

// Info is the invocation context of a scheduler-launched workload. Spec is
// kept loosely typed so workloads do not need the scheduler's model.
type Info struct {
	Name    string         `json:"name"`
	Spec    map[string]any `json:"spec"`
	Trigger *Trigger       `json:"trigger,omitempty"`
}

// Parse decodes a serialized job info document.
func Parse(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse job info: %w", err)
	}
	return &info, nil
}

// FromEnv reads the invocation context from the environment. It fails when
// the process was not launched by the scheduler.
func FromEnv() (*Info, error) {
	raw, ok := os.LookupEnv(EnvVar)
	if !ok {
		return nil, fmt.Errorf("%s is not set; not running as a scheduled job", EnvVar)
	}
	return Parse([]byte(raw))
}
