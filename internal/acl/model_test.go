package acl

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	acl, err := Parse([]byte(`
clients:
  recorder:
    roles: [recorder]
roles:
  recorder:
    broker:
      - topic: data/#
    store:
      - object: recordings/*
`))
	require.NoError(t, err)

	role := acl.Roles["recorder"]
	require.Len(t, role.Broker, 1)
	assert.Equal(t, Allow, role.Broker[0].Effect)
	assert.Equal(t, []BrokerAction{Publish, Subscribe}, role.Broker[0].Actions)
	assert.Equal(t, -1, role.Broker[0].Priority)

	require.Len(t, role.Store, 1)
	assert.Equal(t, Allow, role.Store[0].Effect)
	assert.Equal(t, []StoreAction{AnyAction}, role.Store[0].Actions)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown effect": `
roles:
  r:
    broker:
      - {topic: "a", effect: Maybe}
`,
		"unknown broker action": `
roles:
  r:
    broker:
      - {topic: "a", actions: [Browse]}
`,
		"unknown store action": `
roles:
  r:
    store:
      - {object: "a", actions: [CopyObject]}
`,
		"missing topic": `
roles:
  r:
    broker:
      - {actions: [Publish]}
`,
		"missing object": `
roles:
  r:
    store:
      - {actions: [GetObject]}
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestAccessControlList_Prefix(t *testing.T) {
	acl, err := Parse([]byte(`
clients:
  reader:
    groups: [readers]
    roles: [reader]
groups:
  readers:
    roles: [reader]
roles:
  reader:
    store:
      - object: "data/*"
        actions: [GetObject]
`))
	require.NoError(t, err)

	out := acl.Prefix("a-")

	require.Contains(t, out.Clients, "a-reader")
	assert.Equal(t, []string{"a-readers"}, out.Clients["a-reader"].Groups)
	assert.Equal(t, []string{"a-reader"}, out.Clients["a-reader"].Roles)

	require.Contains(t, out.Groups, "a-readers")
	assert.Equal(t, []string{"a-reader"}, out.Groups["a-readers"].Roles)

	require.Contains(t, out.Roles, "a-reader")
	assert.Equal(t, "data/*", out.Roles["a-reader"].Store[0].Object)
}

func TestAccessControlList_Merge(t *testing.T) {
	t.Run("disjoint documents union", func(t *testing.T) {
		a := &AccessControlList{Clients: map[string]Client{"a-x": {}}}
		b := &AccessControlList{Clients: map[string]Client{"b-y": {}}}

		out := a.Merge(b)
		assert.Len(t, out.Clients, 2)
	})

	t.Run("colliding client unions memberships", func(t *testing.T) {
		a := &AccessControlList{Clients: map[string]Client{
			"x": {Groups: []string{"g1"}, Roles: []string{"r1", "r2"}},
		}}
		b := &AccessControlList{Clients: map[string]Client{
			"x": {Groups: []string{"g2", "g1"}, Roles: []string{"r2", "r3"}},
		}}

		out := a.Merge(b)
		assert.Equal(t, []string{"g1", "g2"}, out.Clients["x"].Groups)
		assert.Equal(t, []string{"r1", "r2", "r3"}, out.Clients["x"].Roles)
	})

	t.Run("colliding role unions statements", func(t *testing.T) {
		stm1 := BrokerStatement{Effect: Allow, Actions: []BrokerAction{Publish}, Topic: "a", Priority: -1}
		stm2 := BrokerStatement{Effect: Allow, Actions: []BrokerAction{Subscribe}, Topic: "b", Priority: -1}

		a := &AccessControlList{Roles: map[string]Role{"r": {Broker: []BrokerStatement{stm1}}}}
		b := &AccessControlList{Roles: map[string]Role{"r": {Broker: []BrokerStatement{stm1, stm2}}}}

		out := a.Merge(b)
		assert.Equal(t, []BrokerStatement{stm1, stm2}, out.Roles["r"].Broker)
	})

	t.Run("does not mutate the receivers", func(t *testing.T) {
		a := &AccessControlList{Clients: map[string]Client{"x": {Roles: []string{"r1"}}}}
		b := &AccessControlList{Clients: map[string]Client{"x": {Roles: []string{"r2"}}}}

		a.Merge(b)
		assert.Equal(t, []string{"r1"}, a.Clients["x"].Roles)
		assert.Equal(t, []string{"r2"}, b.Clients["x"].Roles)
	})
}

type fakeCatalog struct {
	keys    []string
	objects map[string][]byte
}

func (f *fakeCatalog) ListObjects(_ context.Context, _ string) ([]string, error) {
	return append([]string{}, f.keys...), nil
}

func (f *fakeCatalog) GetObject(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return data, nil
}

func TestLoad(t *testing.T) {
	docA := []byte(`
clients:
  reader:
    roles: [reader]
roles:
  reader:
    store:
      - object: "data/*"
        actions: [GetObject]
`)
	docB := []byte(`
clients:
  reader:
    roles: [reader]
roles:
  reader:
    broker:
      - topic: "data/#"
        actions: [Subscribe]
`)

	t.Run("documents stay namespaced by file stem", func(t *testing.T) {
		catalog := &fakeCatalog{
			keys: []string{"config/acls/a.yaml", "config/acls/b.yaml"},
			objects: map[string][]byte{
				"config/acls/a.yaml": docA,
				"config/acls/b.yaml": docB,
			},
		}

		acl, err := Load(context.Background(), catalog, "config/acls/", zerolog.Nop())
		require.NoError(t, err)

		assert.Len(t, acl.Clients, 2)
		assert.Equal(t, []string{"a-reader"}, acl.Clients["a-reader"].Roles)
		assert.Equal(t, []string{"b-reader"}, acl.Clients["b-reader"].Roles)
		assert.Empty(t, acl.Roles["b-reader"].Store)
	})

	t.Run("merge order is lexicographic regardless of listing order", func(t *testing.T) {
		forward := &fakeCatalog{
			keys: []string{"config/acls/a.yaml", "config/acls/b.yaml"},
			objects: map[string][]byte{
				"config/acls/a.yaml": docA,
				"config/acls/b.yaml": docB,
			},
		}
		reversed := &fakeCatalog{
			keys:    []string{"config/acls/b.yaml", "config/acls/a.yaml"},
			objects: forward.objects,
		}

		first, err := Load(context.Background(), forward, "config/acls/", zerolog.Nop())
		require.NoError(t, err)
		second, err := Load(context.Background(), reversed, "config/acls/", zerolog.Nop())
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("invalid documents are skipped", func(t *testing.T) {
		catalog := &fakeCatalog{
			keys: []string{"config/acls/bad.yaml", "config/acls/b.yaml"},
			objects: map[string][]byte{
				"config/acls/bad.yaml": []byte("roles:\n  r:\n    broker:\n      - {topic: a, effect: Sometimes}\n"),
				"config/acls/b.yaml":   docB,
			},
		}

		acl, err := Load(context.Background(), catalog, "config/acls/", zerolog.Nop())
		require.NoError(t, err)
		assert.Len(t, acl.Clients, 1)
	})

	t.Run("non-yaml files are ignored", func(t *testing.T) {
		catalog := &fakeCatalog{
			keys: []string{"config/acls/readme.txt", "config/acls/a.yaml"},
			objects: map[string][]byte{
				"config/acls/a.yaml": docA,
			},
		}

		acl, err := Load(context.Background(), catalog, "config/acls/", zerolog.Nop())
		require.NoError(t, err)
		assert.Len(t, acl.Clients, 1)
	})
}
