package scheduler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seguro-projekt/platform/internal/store"
)

func TestParseJobSpec_Defaults(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
container:
  image: busybox
  command: ["echo", "hi"]
`))
	require.NoError(t, err)

	assert.Equal(t, 1, spec.Scale)
	assert.False(t, spec.Recreate)
	assert.False(t, spec.Build)
	assert.Empty(t, spec.Triggers)
	assert.Equal(t, "busybox", spec.Container["image"])
}

func TestParseJobSpec_StoreTrigger(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
container:
  image: busybox
triggers:
  t:
    type: created
    prefix: data/raw/
    initial: true
`))
	require.NoError(t, err)

	trigger, ok := spec.Triggers["t"]
	require.True(t, ok)
	assert.Equal(t, TriggerCreated, trigger.Type)
	require.NotNil(t, trigger.Store)
	assert.Equal(t, "data/raw/", trigger.Store.Prefix)
	assert.True(t, trigger.Store.Initial)
	assert.Nil(t, trigger.Schedule)
}

func TestParseJobSpec_StoreTriggerDefaults(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
container:
  image: busybox
triggers:
  t:
    type: modified
`))
	require.NoError(t, err)

	trigger := spec.Triggers["t"]
	assert.Equal(t, "/", trigger.Store.Prefix)
	assert.False(t, trigger.Store.Initial)
	assert.Equal(t, store.EventCreated|store.EventRemoved, trigger.Type.Events())
}

func TestParseJobSpec_ScheduleTrigger(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
container:
  image: busybox
scale: 3
recreate: true
build: true
triggers:
  tick:
    type: schedule
    interval: 2
    interval_to: 4
    unit: seconds
`))
	require.NoError(t, err)

	assert.Equal(t, 3, spec.Scale)
	assert.True(t, spec.Recreate)
	assert.True(t, spec.Build)

	trigger := spec.Triggers["tick"]
	require.NotNil(t, trigger.Schedule)
	assert.Equal(t, 2, trigger.Schedule.Interval)
	require.NotNil(t, trigger.Schedule.IntervalTo)
	assert.Equal(t, 4, *trigger.Schedule.IntervalTo)
	assert.Equal(t, UnitSeconds, trigger.Schedule.Unit)
	assert.Equal(t, Monday, trigger.Schedule.StartDay)
}

func TestParseJobSpec_LifecycleTriggers(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
container:
  image: busybox
triggers:
  up:
    type: startup
  down:
    type: shutdown
`))
	require.NoError(t, err)

	assert.Equal(t, TriggerStartup, spec.Triggers["up"].Type)
	assert.Equal(t, TriggerShutdown, spec.Triggers["down"].Type)
}

func TestParseJobSpec_Errors(t *testing.T) {
	cases := map[string]string{
		"missing container": `scale: 1`,
		"unknown trigger type": `
container: {image: busybox}
triggers:
  t: {type: quarterly}
`,
		"invalid scale": `
container: {image: busybox}
scale: 0
`,
		"interval_to below interval": `
container: {image: busybox}
triggers:
  t: {type: schedule, interval: 5, interval_to: 2}
`,
		"invalid at": `
container: {image: busybox}
triggers:
  t: {type: schedule, at: "noon"}
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJobSpec([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTrigger_MarshalJSON(t *testing.T) {
	t.Run("store trigger", func(t *testing.T) {
		trigger := Trigger{
			Type:  TriggerCreated,
			Store: &StoreTrigger{Prefix: "data/", Initial: true},
		}

		data, err := json.Marshal(trigger)
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "created", got["type"])
		assert.Equal(t, "data/", got["prefix"])
		assert.Equal(t, true, got["initial"])
	})

	t.Run("lifecycle trigger has only the tag", func(t *testing.T) {
		data, err := json.Marshal(Trigger{Type: TriggerStartup})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type": "startup"}`, string(data))
	})
}

func TestJobInfo_SerializesWithoutNullTrigger(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
container: {image: busybox}
`))
	require.NoError(t, err)

	data, err := json.Marshal(JobInfo{Name: "hello", Spec: spec})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got["name"])
	assert.NotContains(t, got, "trigger")
}
