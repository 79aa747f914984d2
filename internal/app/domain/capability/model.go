// Package capability defines the closed set of resource kinds a lapp may be
// granted access to, and the grant records authorizing that access.
package capability

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Kind is a closed enumeration of grantable resource kinds. New kinds are a
// compile-time-checked addition; there is no untyped string lookup.
type Kind string

const (
	// Filesystem scopes access to a subtree; the scope is the root path.
	Filesystem Kind = "filesystem"
	// NetworkEgress scopes outbound HTTP to a single host.
	NetworkEgress Kind = "network-egress"
	// InterLappCall scopes mediated calls to a target lapp id.
	InterLappCall Kind = "call"
	// Database grants the lapp its private key-value namespace. Unscoped.
	Database Kind = "database"
	// Sleep allows the module to suspend itself. Unscoped.
	Sleep Kind = "sleep"
)

// Kinds lists every valid kind.
func Kinds() []Kind {
	return []Kind{Filesystem, NetworkEgress, InterLappCall, Database, Sleep}
}

// Valid reports whether k is a member of the closed enumeration.
func (k Kind) Valid() bool {
	switch k {
	case Filesystem, NetworkEgress, InterLappCall, Database, Sleep:
		return true
	}
	return false
}

// Scoped reports whether the kind carries a scope. Database and Sleep grants
// are unscoped.
func (k Kind) Scoped() bool {
	switch k {
	case Database, Sleep:
		return false
	}
	return true
}

// Grant is an immutable permission record. Revocation deletes the record; it
// is never mutated in place.
type Grant struct {
	ID       string    `json:"id"`
	LappID   string    `json:"lapp_id"`
	Kind     Kind      `json:"kind"`
	Scope    string    `json:"scope,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// Validate checks the grant tuple is well formed.
func (g Grant) Validate() error {
	if g.LappID == "" {
		return fmt.Errorf("grant requires a lapp id")
	}
	if !g.Kind.Valid() {
		return fmt.Errorf("unknown capability kind %q", g.Kind)
	}
	if g.Kind.Scoped() && g.Scope == "" {
		return fmt.Errorf("capability kind %q requires a scope", g.Kind)
	}
	return nil
}

// Covers reports whether a grant with scope grantScope admits a request for
// requestScope under the kind's matching rule. Filesystem grants cover any
// path inside the granted root; every other scoped kind matches exactly.
func Covers(kind Kind, grantScope, requestScope string) bool {
	if !kind.Scoped() {
		return true
	}
	if kind == Filesystem {
		return pathWithin(grantScope, requestScope)
	}
	return grantScope == requestScope
}

func pathWithin(root, candidate string) bool {
	root = path.Clean(root)
	candidate = path.Clean(candidate)
	if root == candidate {
		return true
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return strings.HasPrefix(candidate, root)
}
