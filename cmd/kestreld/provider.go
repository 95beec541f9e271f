package main

import (
	"context"
	"time"

	kestrel "github.com/kestrelsec/kestrel"
)

// staticProvider serves the principal list from the configuration file.
// Real deployments implement [kestrel.PrincipalProvider] over their own
// identity database; this one exists so the daemon runs standalone.
type staticProvider struct {
	principals map[string]kestrel.Principal
}

func newStaticProvider(entries []principalEntry) *staticProvider {
	p := &staticProvider{principals: make(map[string]kestrel.Principal, len(entries))}
	for _, e := range entries {
		role := e.Role
		if role == "" {
			role = kestrel.RoleMember
		}
		p.principals[e.ID] = kestrel.Principal{
			ID:        e.ID,
			Role:      role,
			CreatedAt: time.Now().UTC(),
		}
	}
	return p
}

func (p *staticProvider) GetPrincipalByID(_ context.Context, id string) (kestrel.Principal, error) {
	principal, ok := p.principals[id]
	if !ok {
		return kestrel.Principal{}, kestrel.ErrPrincipalNotFound
	}
	return principal, nil
}

func (p *staticProvider) CountPrincipals(_ context.Context) (int, error) {
	return len(p.principals), nil
}
