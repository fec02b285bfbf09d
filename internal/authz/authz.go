// Package authz maps chat role labels to bot capabilities.
package authz

// Capability is a permission a command can require.
type Capability string

const (
	// Read is granted to every caller.
	Read Capability = "read"
	// Manage covers point adjustments, auctions and attendance.
	Manage Capability = "manage"
	// Wipe allows clearing the whole ledger.
	Wipe Capability = "wipe"
)

// Set is the capabilities held by one caller.
type Set map[Capability]struct{}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Policy grants capabilities by role label.
type Policy struct {
	grants map[string][]Capability
}

// NewPolicy returns the standard two-tier policy: general gets Manage,
// commander gets Manage and Wipe. Labels must match exactly.
func NewPolicy(general, commander string) *Policy {
	p := &Policy{grants: make(map[string][]Capability)}
	p.Grant(general, Manage)
	p.Grant(commander, Manage, Wipe)
	return p
}

// Grant adds caps to role. Empty role labels are ignored.
func (p *Policy) Grant(role string, caps ...Capability) {
	if role == "" {
		return
	}
	p.grants[role] = append(p.grants[role], caps...)
}

// Resolve returns the capabilities held by a caller with the given roles.
func (p *Policy) Resolve(roles []string) Set {
	s := Set{Read: {}}
	for _, r := range roles {
		for _, c := range p.grants[r] {
			s[c] = struct{}{}
		}
	}
	return s
}
