// Package acl implements the declarative access-control reconciler: YAML
// policy documents from the object store are merged into a single desired
// state and diffed against the live broker ACLs and store policies.
package acl

import (
	"context"
	"fmt"
	"path"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Effect is the outcome of a matching statement.
type Effect string

const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

// BrokerAction is a topic-level permission.
type BrokerAction string

const (
	Publish   BrokerAction = "Publish"
	Subscribe BrokerAction = "Subscribe"
)

// StoreAction is an object-level permission.
type StoreAction string

const (
	AnyAction    StoreAction = "*"
	GetObject    StoreAction = "GetObject"
	PutObject    StoreAction = "PutObject"
	DeleteObject StoreAction = "DeleteObject"
	ListObjects  StoreAction = "ListObjects"
)

// Condition constrains a store statement, keyed by condition operator.
type Condition map[string]map[string]string

// BrokerStatement grants or denies broker actions on a topic pattern.
type BrokerStatement struct {
	Effect   Effect         `yaml:"effect"`
	Actions  []BrokerAction `yaml:"actions"`
	Topic    string         `yaml:"topic"`
	Priority int            `yaml:"priority"`
}

// UnmarshalYAML applies the statement defaults before decoding.
func (s *BrokerStatement) UnmarshalYAML(value *yaml.Node) error {
	type raw BrokerStatement
	out := raw{
		Effect:   Allow,
		Actions:  []BrokerAction{Publish, Subscribe},
		Priority: -1,
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*s = BrokerStatement(out)
	return s.validate()
}

func (s *BrokerStatement) validate() error {
	if err := validEffect(s.Effect); err != nil {
		return err
	}
	if s.Topic == "" {
		return fmt.Errorf("broker statement has no topic")
	}
	for _, a := range s.Actions {
		switch a {
		case Publish, Subscribe:
		default:
			return fmt.Errorf("unknown broker action: %q", a)
		}
	}
	return nil
}

// StoreStatement grants or denies store actions on an object pattern.
type StoreStatement struct {
	Effect    Effect        `yaml:"effect"`
	Actions   []StoreAction `yaml:"actions"`
	Object    string        `yaml:"object"`
	Condition Condition     `yaml:"condition"`
}

// UnmarshalYAML applies the statement defaults before decoding.
func (s *StoreStatement) UnmarshalYAML(value *yaml.Node) error {
	type raw StoreStatement
	out := raw{
		Effect:  Allow,
		Actions: []StoreAction{AnyAction},
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*s = StoreStatement(out)
	return s.validate()
}

func (s *StoreStatement) validate() error {
	if err := validEffect(s.Effect); err != nil {
		return err
	}
	if s.Object == "" {
		return fmt.Errorf("store statement has no object pattern")
	}
	for _, a := range s.Actions {
		switch a {
		case AnyAction, GetObject, PutObject, DeleteObject, ListObjects:
		default:
			return fmt.Errorf("unknown store action: %q", a)
		}
	}
	return nil
}

func validEffect(e Effect) error {
	switch e {
	case Allow, Deny:
		return nil
	}
	return fmt.Errorf("unknown effect: %q", e)
}

// Role bundles broker and store statements.
type Role struct {
	Broker []BrokerStatement `yaml:"broker"`
	Store  []StoreStatement  `yaml:"store"`
}

// Group is a named set of roles.
type Group struct {
	Roles []string `yaml:"roles"`
}

// Client is a principal with group memberships and direct roles.
type Client struct {
	Groups []string `yaml:"groups"`
	Roles  []string `yaml:"roles"`
}

// AccessControlList is one parsed policy document, or the merge of several.
type AccessControlList struct {
	Clients map[string]Client `yaml:"clients"`
	Groups  map[string]Group  `yaml:"groups"`
	Roles   map[string]Role   `yaml:"roles"`
}

// Parse decodes and validates a single ACL YAML document.
func Parse(data []byte) (*AccessControlList, error) {
	var acl AccessControlList
	if err := yaml.Unmarshal(data, &acl); err != nil {
		return nil, fmt.Errorf("failed to parse ACL document: %w", err)
	}
	return &acl, nil
}

// Prefix namespaces all clients, groups and roles (and the references
// between them) with the given prefix.
func (a *AccessControlList) Prefix(pfx string) *AccessControlList {
	out := &AccessControlList{
		Clients: make(map[string]Client, len(a.Clients)),
		Groups:  make(map[string]Group, len(a.Groups)),
		Roles:   make(map[string]Role, len(a.Roles)),
	}

	for name, client := range a.Clients {
		out.Clients[pfx+name] = Client{
			Groups: prefixAll(pfx, client.Groups),
			Roles:  prefixAll(pfx, client.Roles),
		}
	}
	for name, group := range a.Groups {
		out.Groups[pfx+name] = Group{Roles: prefixAll(pfx, group.Roles)}
	}
	for name, role := range a.Roles {
		out.Roles[pfx+name] = role
	}

	return out
}

func prefixAll(pfx string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pfx + n
	}
	return out
}

// Merge unions another ACL into this one and returns the result. Colliding
// entities have their nested lists unioned, preserving first-seen order and
// deduplicating by structural equality.
func (a *AccessControlList) Merge(other *AccessControlList) *AccessControlList {
	out := &AccessControlList{
		Clients: make(map[string]Client),
		Groups:  make(map[string]Group),
		Roles:   make(map[string]Role),
	}

	for name, client := range a.Clients {
		out.Clients[name] = client
	}
	for name, group := range a.Groups {
		out.Groups[name] = group
	}
	for name, role := range a.Roles {
		out.Roles[name] = role
	}

	for name, client := range other.Clients {
		if existing, ok := out.Clients[name]; ok {
			out.Clients[name] = Client{
				Groups: unionStrings(existing.Groups, client.Groups),
				Roles:  unionStrings(existing.Roles, client.Roles),
			}
			continue
		}
		out.Clients[name] = client
	}

	for name, group := range other.Groups {
		if existing, ok := out.Groups[name]; ok {
			out.Groups[name] = Group{Roles: unionStrings(existing.Roles, group.Roles)}
			continue
		}
		out.Groups[name] = group
	}

	for name, role := range other.Roles {
		if existing, ok := out.Roles[name]; ok {
			out.Roles[name] = Role{
				Broker: unionBrokerStatements(existing.Broker, role.Broker),
				Store:  unionStoreStatements(existing.Store, role.Store),
			}
			continue
		}
		out.Roles[name] = role
	}

	return out
}

func unionStrings(a, b []string) []string {
	out := append([]string{}, a...)
	for _, v := range b {
		found := false
		for _, e := range out {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

func unionBrokerStatements(a, b []BrokerStatement) []BrokerStatement {
	out := append([]BrokerStatement{}, a...)
	for _, v := range b {
		found := false
		for _, e := range out {
			if reflect.DeepEqual(e, v) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

func unionStoreStatements(a, b []StoreStatement) []StoreStatement {
	out := append([]StoreStatement{}, a...)
	for _, v := range b {
		found := false
		for _, e := range out {
			if reflect.DeepEqual(e, v) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

// Catalog is the slice of the object store API the loader consumes.
type Catalog interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Load reads all ACL documents under the prefix, namespaces each by its
// file stem and merges them in lexicographic key order. Invalid documents
// are logged and skipped; the others proceed.
func Load(ctx context.Context, catalog Catalog, prefix string, log zerolog.Logger) (*AccessControlList, error) {
	keys, err := catalog.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list ACL documents: %w", err)
	}
	sort.Strings(keys)

	merged := &AccessControlList{
		Clients: map[string]Client{},
		Groups:  map[string]Group{},
		Roles:   map[string]Role{},
	}

	for _, key := range keys {
		filename := path.Base(key)
		ext := path.Ext(filename)
		if ext != ".yaml" && ext != ".yml" {
			log.Warn().Str("file", filename).Msg("Ignoring unsupported ACL file")
			continue
		}

		data, err := catalog.GetObject(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ACL document %s: %w", key, err)
		}

		acl, err := Parse(data)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Skipping invalid ACL document")
			continue
		}

		stem := strings.TrimSuffix(filename, ext)
		acl = acl.Prefix(stem + "-")

		log.Info().Str("name", stem).Msg("Loaded ACL document")

		merged = merged.Merge(acl)
	}

	return merged, nil
}
