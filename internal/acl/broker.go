package acl

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/seguro-projekt/platform/internal/broker"
)

// Mosquitto dynamic-security control topics.
const (
	dynsecTopic         = "$CONTROL/dynamic-security/v1"
	dynsecResponseTopic = dynsecTopic + "/response"

	commandTimeout = 10 * time.Second
)

// aclType is the dynamic-security ACL kind a broker action maps onto.
type aclType string

const (
	publishClientSend    aclType = "publishClientSend"
	publishClientReceive aclType = "publishClientReceive"
	subscribePattern     aclType = "subscribePattern"
	unsubscribePattern   aclType = "unsubscribePattern"
)

// aclTypes expands a statement action into the broker-side ACL kinds it
// implies. Subscribing requires the pattern pair plus receive permission.
func aclTypes(action BrokerAction) []aclType {
	switch action {
	case Publish:
		return []aclType{publishClientSend}
	case Subscribe:
		return []aclType{subscribePattern, unsubscribePattern, publishClientReceive}
	}
	return nil
}

type dynACL struct {
	ACLType  aclType `json:"acltype"`
	Topic    string  `json:"topic"`
	Priority int     `json:"priority"`
	Allow    bool    `json:"allow"`
}

type dynRoleRef struct {
	Rolename string `json:"rolename"`
	Priority int    `json:"priority"`
}

type dynGroupRef struct {
	Groupname string `json:"groupname"`
	Priority  int    `json:"priority"`
}

type dynRole struct {
	Rolename string   `json:"rolename"`
	ACLs     []dynACL `json:"acls"`
}

type dynGroup struct {
	Groupname string       `json:"groupname"`
	Roles     []dynRoleRef `json:"roles"`
}

type dynClient struct {
	Username string        `json:"username"`
	Groups   []dynGroupRef `json:"groups"`
	Roles    []dynRoleRef  `json:"roles"`
}

// dynConfig is a snapshot of the broker's dynamic-security state, either
// desired (derived from an ACL) or current (listed from the plugin).
type dynConfig struct {
	clients map[string]dynClient
	groups  map[string]dynGroup
	roles   map[string]dynRole
}

func newDynConfig() dynConfig {
	return dynConfig{
		clients: map[string]dynClient{},
		groups:  map[string]dynGroup{},
		roles:   map[string]dynRole{},
	}
}

// brokerConfig renders the desired dynamic-security state for an ACL.
// Roles without broker statements still exist as empty roles so group and
// client references stay valid.
func brokerConfig(acl *AccessControlList) dynConfig {
	cfg := newDynConfig()

	for name, role := range acl.Roles {
		var acls []dynACL
		for _, stm := range role.Broker {
			for _, action := range stm.Actions {
				for _, at := range aclTypes(action) {
					acls = append(acls, dynACL{
						ACLType:  at,
						Topic:    stm.Topic,
						Priority: stm.Priority,
						Allow:    stm.Effect == Allow,
					})
				}
			}
		}
		cfg.roles[name] = dynRole{Rolename: name, ACLs: acls}
	}

	for name, group := range acl.Groups {
		cfg.groups[name] = dynGroup{
			Groupname: name,
			Roles:     roleRefs(group.Roles),
		}
	}

	for name, client := range acl.Clients {
		groups := make([]dynGroupRef, len(client.Groups))
		for i, g := range client.Groups {
			groups[i] = dynGroupRef{Groupname: g, Priority: -1}
		}
		cfg.clients[name] = dynClient{
			Username: name,
			Groups:   groups,
			Roles:    roleRefs(client.Roles),
		}
	}

	return cfg
}

func roleRefs(names []string) []dynRoleRef {
	refs := make([]dynRoleRef, len(names))
	for i, n := range names {
		refs[i] = dynRoleRef{Rolename: n, Priority: -1}
	}
	return refs
}

// notIn keeps the entities whose names are absent from other.
func (c dynConfig) notIn(other dynConfig) dynConfig {
	return dynConfig{
		clients: lo.OmitByKeys(c.clients, lo.Keys(other.clients)),
		groups:  lo.OmitByKeys(c.groups, lo.Keys(other.groups)),
		roles:   lo.OmitByKeys(c.roles, lo.Keys(other.roles)),
	}
}

// alsoIn keeps the entities whose names are present in other.
func (c dynConfig) alsoIn(other dynConfig) dynConfig {
	return dynConfig{
		clients: lo.PickByKeys(c.clients, lo.Keys(other.clients)),
		groups:  lo.PickByKeys(c.groups, lo.Keys(other.groups)),
		roles:   lo.PickByKeys(c.roles, lo.Keys(other.roles)),
	}
}

// equalTo keeps the entities that exist in other with identical content,
// ignoring list ordering.
func (c dynConfig) equalTo(other dynConfig) dynConfig {
	return dynConfig{
		clients: lo.PickBy(c.clients, func(name string, client dynClient) bool {
			o, ok := other.clients[name]
			return ok && clientEqual(client, o)
		}),
		groups: lo.PickBy(c.groups, func(name string, group dynGroup) bool {
			o, ok := other.groups[name]
			return ok && groupEqual(group, o)
		}),
		roles: lo.PickBy(c.roles, func(name string, role dynRole) bool {
			o, ok := other.roles[name]
			return ok && roleEqual(role, o)
		}),
	}
}

// belongingTo keeps the named clients plus the groups and roles reachable
// from them, and nothing else.
func (c dynConfig) belongingTo(names []string) dynConfig {
	out := newDynConfig()

	for _, name := range names {
		client, ok := c.clients[name]
		if !ok {
			continue
		}
		out.clients[name] = client

		for _, ref := range client.Roles {
			if role, ok := c.roles[ref.Rolename]; ok {
				out.roles[ref.Rolename] = role
			}
		}
		for _, ref := range client.Groups {
			group, ok := c.groups[ref.Groupname]
			if !ok {
				continue
			}
			out.groups[ref.Groupname] = group
			for _, rref := range group.Roles {
				if role, ok := c.roles[rref.Rolename]; ok {
					out.roles[rref.Rolename] = role
				}
			}
		}
	}

	return out
}

func (c dynConfig) empty() bool {
	return len(c.clients) == 0 && len(c.groups) == 0 && len(c.roles) == 0
}

func clientEqual(a, b dynClient) bool {
	if a.Username != b.Username {
		return false
	}
	return refSetEqual(a.Roles, b.Roles) && groupRefSetEqual(a.Groups, b.Groups)
}

func groupEqual(a, b dynGroup) bool {
	return a.Groupname == b.Groupname && refSetEqual(a.Roles, b.Roles)
}

func roleEqual(a, b dynRole) bool {
	if a.Rolename != b.Rolename || len(a.ACLs) != len(b.ACLs) {
		return false
	}
	as := append([]dynACL{}, a.ACLs...)
	bs := append([]dynACL{}, b.ACLs...)
	sortACLs(as)
	sortACLs(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortACLs(acls []dynACL) {
	sort.Slice(acls, func(i, j int) bool {
		if acls[i].ACLType != acls[j].ACLType {
			return acls[i].ACLType < acls[j].ACLType
		}
		return acls[i].Topic < acls[j].Topic
	})
}

func refSetEqual(a, b []dynRoleRef) bool {
	if len(a) != len(b) {
		return false
	}
	want := map[dynRoleRef]int{}
	for _, r := range a {
		want[r]++
	}
	for _, r := range b {
		want[r]--
	}
	for _, n := range want {
		if n != 0 {
			return false
		}
	}
	return true
}

func groupRefSetEqual(a, b []dynGroupRef) bool {
	if len(a) != len(b) {
		return false
	}
	want := map[dynGroupRef]int{}
	for _, r := range a {
		want[r]++
	}
	for _, r := range b {
		want[r]--
	}
	for _, n := range want {
		if n != 0 {
			return false
		}
	}
	return true
}

// command is a single dynamic-security plugin command.
type command map[string]any

func newCommand(name string, payload any) command {
	cmd := command{"command": name}

	data, err := json.Marshal(payload)
	if err != nil {
		return cmd
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return cmd
	}
	for k, v := range fields {
		cmd[k] = v
	}

	return cmd
}

// createCommands emits the creation batch for a config, ordered so that
// every reference resolves: roles, then groups, then clients.
func (c dynConfig) createCommands() []command {
	var cmds []command
	for _, name := range sortedKeys(c.roles) {
		cmds = append(cmds, newCommand("createRole", c.roles[name]))
	}
	for _, name := range sortedKeys(c.groups) {
		cmds = append(cmds, newCommand("createGroup", c.groups[name]))
	}
	for _, name := range sortedKeys(c.clients) {
		cmds = append(cmds, newCommand("createClient", c.clients[name]))
	}
	return cmds
}

// modifyCommands emits the update batch in the same resolution order.
func (c dynConfig) modifyCommands() []command {
	var cmds []command
	for _, name := range sortedKeys(c.roles) {
		cmds = append(cmds, newCommand("modifyRole", c.roles[name]))
	}
	for _, name := range sortedKeys(c.groups) {
		cmds = append(cmds, newCommand("modifyGroup", c.groups[name]))
	}
	for _, name := range sortedKeys(c.clients) {
		cmds = append(cmds, newCommand("modifyClient", c.clients[name]))
	}
	return cmds
}

// deleteCommands emits the deletion batch in reverse resolution order:
// clients, then groups, then roles.
func (c dynConfig) deleteCommands() []command {
	var cmds []command
	for _, name := range sortedKeys(c.clients) {
		cmds = append(cmds, command{"command": "deleteClient", "username": name})
	}
	for _, name := range sortedKeys(c.groups) {
		cmds = append(cmds, command{"command": "deleteGroup", "groupname": name})
	}
	for _, name := range sortedKeys(c.roles) {
		cmds = append(cmds, command{"command": "deleteRole", "rolename": name})
	}
	return cmds
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// defaultAccessCommand builds the setDefaultACLAccess command covering all
// four ACL kinds.
func defaultAccessCommand(allow bool) command {
	kinds := []aclType{publishClientSend, publishClientReceive, subscribePattern, unsubscribePattern}

	acls := make([]map[string]any, len(kinds))
	for i, at := range kinds {
		acls[i] = map[string]any{"acltype": at, "allow": allow}
	}

	return command{"command": "setDefaultACLAccess", "acls": acls}
}

// SetDefaultAccess sets the broker's fallback behavior for topics no ACL
// matches. Reconciled setups run with allow=false so only explicit grants
// pass.
func SetDefaultAccess(client Broker, allow bool, log zerolog.Logger) error {
	d, err := newDynsec(client, log)
	if err != nil {
		return err
	}

	responses, err := d.execute([]command{defaultAccessCommand(allow)})
	if err != nil {
		return err
	}

	for _, resp := range responses {
		if resp.Error != "" {
			return fmt.Errorf("%s failed: %s", resp.Command, resp.Error)
		}
	}

	return nil
}

// Broker is the slice of the MQTT client the reconciler needs.
type Broker interface {
	Subscribe(topic string, handler broker.MessageHandler) error
	Publish(topic string, payload []byte) error
}

// response is a single dynamic-security command result.
type response struct {
	Command string          `json:"command"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// dynsec speaks the Mosquitto dynamic-security protocol: command batches
// go out on the control topic, responses come back correlated by order on
// the response topic.
type dynsec struct {
	client    Broker
	responses chan []byte
	log       zerolog.Logger
}

func newDynsec(client Broker, log zerolog.Logger) (*dynsec, error) {
	d := &dynsec{
		client:    client,
		responses: make(chan []byte, 8),
		log:       log.With().Str("component", "dynsec").Logger(),
	}

	err := client.Subscribe(dynsecResponseTopic, func(_ *broker.Client, msg broker.Message) {
		select {
		case d.responses <- msg.Payload:
		default:
			d.log.Warn().Msg("Dropping unexpected dynamic-security response")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to control responses: %w", err)
	}

	return d, nil
}

// execute sends a command batch and waits for the matching response batch.
func (d *dynsec) execute(cmds []command) ([]response, error) {
	payload, err := json.Marshal(map[string]any{"commands": cmds})
	if err != nil {
		return nil, fmt.Errorf("failed to encode command batch: %w", err)
	}

	if err := d.client.Publish(dynsecTopic, payload); err != nil {
		return nil, fmt.Errorf("failed to send command batch: %w", err)
	}

	select {
	case raw := <-d.responses:
		var batch struct {
			Responses []response `json:"responses"`
		}
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("failed to decode response batch: %w", err)
		}
		return batch.Responses, nil
	case <-time.After(commandTimeout):
		return nil, fmt.Errorf("timed out waiting for dynamic-security response")
	}
}

// currentConfig lists the broker's live clients, groups and roles.
func (d *dynsec) currentConfig() (dynConfig, error) {
	cfg := newDynConfig()

	responses, err := d.execute([]command{
		{"command": "listClients", "verbose": true, "count": -1, "offset": 0},
		{"command": "listGroups", "verbose": true, "count": -1, "offset": 0},
		{"command": "listRoles", "verbose": true, "count": -1, "offset": 0},
	})
	if err != nil {
		return cfg, err
	}

	for _, resp := range responses {
		if resp.Error != "" {
			return cfg, fmt.Errorf("%s failed: %s", resp.Command, resp.Error)
		}

		switch resp.Command {
		case "listClients":
			var data struct {
				Clients []dynClient `json:"clients"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return cfg, fmt.Errorf("failed to decode client list: %w", err)
			}
			for _, c := range data.Clients {
				cfg.clients[c.Username] = c
			}
		case "listGroups":
			var data struct {
				Groups []dynGroup `json:"groups"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return cfg, fmt.Errorf("failed to decode group list: %w", err)
			}
			for _, g := range data.Groups {
				cfg.groups[g.Groupname] = g
			}
		case "listRoles":
			var data struct {
				Roles []dynRole `json:"roles"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return cfg, fmt.Errorf("failed to decode role list: %w", err)
			}
			for _, r := range data.Roles {
				cfg.roles[r.Rolename] = r
			}
		}
	}

	return cfg, nil
}

// SyncBroker reconciles the broker's dynamic-security state with the ACL.
// Principals named in ignored are left untouched in both directions, along
// with the groups and roles only they reference.
func SyncBroker(acl *AccessControlList, client Broker, ignored []string, log zerolog.Logger) error {
	d, err := newDynsec(client, log)
	if err != nil {
		return err
	}

	current, err := d.currentConfig()
	if err != nil {
		return fmt.Errorf("failed to fetch current broker config: %w", err)
	}

	desired := brokerConfig(acl)

	current = current.notIn(current.belongingTo(ignored))
	desired = desired.notIn(desired.belongingTo(ignored))

	unchanged := desired.equalTo(current)
	created := desired.notIn(current)
	modified := desired.alsoIn(current).notIn(unchanged)
	removed := current.notIn(desired)

	d.log.Info().
		Int("create", len(created.clients)+len(created.groups)+len(created.roles)).
		Int("modify", len(modified.clients)+len(modified.groups)+len(modified.roles)).
		Int("delete", len(removed.clients)+len(removed.groups)+len(removed.roles)).
		Msg("Reconciling broker access control")

	var cmds []command
	cmds = append(cmds, created.createCommands()...)
	cmds = append(cmds, modified.modifyCommands()...)
	cmds = append(cmds, removed.deleteCommands()...)

	if len(cmds) == 0 {
		return nil
	}

	responses, err := d.execute(cmds)
	if err != nil {
		return err
	}

	var errs []error
	for _, resp := range responses {
		if resp.Error != "" {
			errs = append(errs, fmt.Errorf("%s failed: %s", resp.Command, resp.Error))
		}
	}

	return errors.Join(errs...)
}
