// Package iocage provides the jail manager abstraction used by the reconciliation
// core, and its implementations.
//
// ABOUTME: Manager mirrors the primitives iocage(8) exposes: list, get, set,
// create, start, stop, restart, destroy, fetch and update. ShellManager drives
// the iocage CLI; FakeManager is a deterministic in-memory manager for tests.
//
// ABOUTME: The manager performs no reconciliation of its own. It reports "jail
// not found" as ErrJailNotFound so callers can tell absence apart from a real
// execution failure.
package iocage

import (
	"context"

	"github.com/jailkeeper/jailkeeper/internal/props"
)

// DefaultsName is the name iocage uses for the defaults template.
const DefaultsName = "default"

// Scope selects what List returns.
type Scope string

const (
	// ScopeAll lists every jail.
	ScopeAll Scope = "all"
	// ScopeTemplate lists template jails.
	ScopeTemplate Scope = "template"
	// ScopeBase lists locally fetched releases.
	ScopeBase Scope = "base"
)

// Record is one row of iocage list output.
// For ScopeBase only Name (the release) is set.
type Record struct {
	JID     string `json:"jid,omitempty"`
	Name    string `json:"name"`
	State   string `json:"state,omitempty"`
	Release string `json:"release,omitempty"`
	IP4     string `json:"ip4,omitempty"`
}

// CreateFlags are the structural creation markers derived from a jail type.
type CreateFlags struct {
	Thick    bool   // --thickjail
	Base     bool   // --basejail
	Empty    bool   // --empty
	Clone    string // --clone <source jail>
	Template string // --template <template jail>
}

// CreateRequest carries everything iocage create needs.
type CreateRequest struct {
	Name        string
	Release     string
	Properties  []string // rendered "name=value" assignments
	Flags       CreateFlags
	PackageList string
}

// Manager defines the jail manager operations the core relies on.
// ABOUTME: ShellManager and FakeManager implement this interface.
type Manager interface {
	// List returns the jails, templates or releases known to the manager.
	List(ctx context.Context, scope Scope) ([]Record, error)

	// Exists reports whether a jail with the given name is known.
	Exists(ctx context.Context, name string) (bool, error)

	// Properties returns every property of a jail, including "state".
	// ABOUTME: Returns ErrJailNotFound if the jail does not exist.
	Properties(ctx context.Context, name string) (*props.Map, error)

	// Property returns one property of a jail.
	Property(ctx context.Context, name, key string) (string, error)

	// SetProperty writes one property.
	// ABOUTME: Returns ErrJailNotFound if the jail does not exist.
	SetProperty(ctx context.Context, name, key, value string) error

	// Create provisions a new jail in the stopped state.
	Create(ctx context.Context, req CreateRequest) error

	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error

	// Destroy removes a jail, stopping it first if needed.
	Destroy(ctx context.Context, name string) error

	// Fetch downloads a release. An empty release lets iocage pick its default.
	Fetch(ctx context.Context, release string) error

	// Update applies the latest patch set to a jail, optionally with packages.
	Update(ctx context.Context, name string, packages bool) error
}
