// Package lapp defines the core model for hosted lapps: identity, module
// bytes, capability manifest and lifecycle state.
package lapp

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
)

// State is a lapp's lifecycle state.
type State string

const (
	StateInstalled State = "installed"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
	StateUpdating  State = "updating"
)

// Requirement declares a capability a module needs. Optional requirements may
// be left ungranted; the corresponding host functions are then linked to a
// denied stub instead of failing instantiation.
type Requirement struct {
	Kind     capability.Kind `json:"kind"`
	Scope    string          `json:"scope"`
	Optional bool            `json:"optional,omitempty"`
}

// ExportDecl declares a callable export. Streaming exports may push
// asynchronous messages over an open WebSocket connection.
type ExportDecl struct {
	Name      string `json:"name"`
	Streaming bool   `json:"streaming,omitempty"`
}

// Manifest is the capability and export declaration shipped with a module.
type Manifest struct {
	Requires []Requirement `json:"requires,omitempty"`
	Exports  []ExportDecl  `json:"exports,omitempty"`
	Enabled  bool          `json:"enabled"`
}

// Export returns the declaration for the named export, if declared.
func (m Manifest) Export(name string) (ExportDecl, bool) {
	for _, decl := range m.Exports {
		if decl.Name == name {
			return decl, true
		}
	}
	return ExportDecl{}, false
}

// Lapp is an installed application unit.
type Lapp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ModuleHash  string    `json:"module_hash"`
	Module      []byte    `json:"-"`
	Manifest    Manifest  `json:"manifest"`
	State       State     `json:"state"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HashModule returns the hex-encoded SHA-256 of the module bytes. Modules are
// content-addressed by this hash.
func HashModule(module []byte) string {
	sum := sha256.Sum256(module)
	return hex.EncodeToString(sum[:])
}
