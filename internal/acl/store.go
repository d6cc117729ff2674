package acl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// IgnoredPrincipals are built-in identities the reconcilers never create,
// modify or delete.
var IgnoredPrincipals = []string{
	"consoleAdmin",
	"diagnostics",
	"readwrite",
	"readonly",
	"writeonly",
	"admin",
}

const policyVersion = "2012-10-17"

// PolicyStatement is a single statement of a store canned policy.
type PolicyStatement struct {
	Effect    Effect    `json:"Effect"`
	Action    []string  `json:"Action"`
	Resource  string    `json:"Resource"`
	Condition Condition `json:"Condition,omitempty"`
}

// Policy is a store canned policy document.
type Policy struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// clientPolicy renders the canned policy for one client by collecting the
// store statements of its direct roles and of the roles reachable through
// its groups. A reference to an undefined group or role is an error.
func clientPolicy(acl *AccessControlList, name string) (Policy, error) {
	client := acl.Clients[name]

	roleNames := append([]string{}, client.Roles...)
	for _, groupName := range client.Groups {
		group, ok := acl.Groups[groupName]
		if !ok {
			return Policy{}, fmt.Errorf("client %s references undefined group %s", name, groupName)
		}
		roleNames = append(roleNames, group.Roles...)
	}

	policy := Policy{Version: policyVersion}

	for _, roleName := range lo.Uniq(roleNames) {
		role, ok := acl.Roles[roleName]
		if !ok {
			return Policy{}, fmt.Errorf("client %s references undefined role %s", name, roleName)
		}

		for _, stm := range role.Store {
			actions := make([]string, len(stm.Actions))
			for i, a := range stm.Actions {
				actions[i] = "s3:" + string(a)
			}
			policy.Statement = append(policy.Statement, PolicyStatement{
				Effect:    stm.Effect,
				Action:    actions,
				Resource:  "arn:aws:s3:::" + stm.Object,
				Condition: stm.Condition,
			})
		}
	}

	return policy, nil
}

// storePolicies renders the desired canned policies for every client in
// the ACL, including empty ones for clients with no store statements.
func storePolicies(acl *AccessControlList) (map[string]Policy, error) {
	policies := make(map[string]Policy, len(acl.Clients))

	for name := range acl.Clients {
		policy, err := clientPolicy(acl, name)
		if err != nil {
			return nil, err
		}
		policies[name] = policy
	}

	return policies, nil
}

// PolicyAdmin is the slice of the store admin API the reconciler needs.
// The madmin client satisfies it directly.
type PolicyAdmin interface {
	ListCannedPolicies(ctx context.Context) (map[string]json.RawMessage, error)
	AddCannedPolicy(ctx context.Context, name string, policy []byte) error
	RemoveCannedPolicy(ctx context.Context, name string) error
}

// SyncStore reconciles the store's canned policies with the ACL. Policies
// named in ignored are left untouched. Nothing is applied if any client
// references an undefined group or role.
func SyncStore(ctx context.Context, acl *AccessControlList, admin PolicyAdmin, ignored []string, log zerolog.Logger) error {
	log = log.With().Str("component", "store-acl").Logger()

	desired, err := storePolicies(acl)
	if err != nil {
		return fmt.Errorf("failed to render store policies: %w", err)
	}

	existing, err := admin.ListCannedPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list canned policies: %w", err)
	}

	skip := map[string]bool{}
	for _, name := range ignored {
		skip[name] = true
	}

	var applied, removed int

	for _, name := range sortedKeys(desired) {
		if skip[name] {
			continue
		}

		policy := desired[name]
		if len(policy.Statement) == 0 {
			if _, ok := existing[name]; ok {
				if err := admin.RemoveCannedPolicy(ctx, name); err != nil {
					return fmt.Errorf("failed to remove policy %s: %w", name, err)
				}
				removed++
			}
			continue
		}

		data, err := json.Marshal(policy)
		if err != nil {
			return fmt.Errorf("failed to encode policy %s: %w", name, err)
		}
		if err := admin.AddCannedPolicy(ctx, name, data); err != nil {
			return fmt.Errorf("failed to apply policy %s: %w", name, err)
		}
		applied++
	}

	for _, name := range sortedKeys(existing) {
		if skip[name] {
			continue
		}
		if _, ok := desired[name]; ok {
			continue
		}
		if err := admin.RemoveCannedPolicy(ctx, name); err != nil {
			return fmt.Errorf("failed to remove policy %s: %w", name, err)
		}
		removed++
	}

	log.Info().Int("applied", applied).Int("removed", removed).Msg("Reconciled store policies")

	return nil
}
