// Package role implements role-based access control for the middleware core.
// Roles map to sets of permitted methods; a principal carries a role set and
// a method is callable when the two intersect.
package role

import (
	"fmt"
	"log/slog"
	"sync"
)

// FullAdmin implicitly grants every method.
const FullAdmin = "FULL_ADMIN"

// Principal is the authenticated identity attached to a session. It is also
// snapshotted onto jobs so abort permission checks survive the session.
type Principal struct {
	Name  string   `json:"name"`  // audit identity (username, api key name, token owner)
	Roles []string `json:"roles"` // granted role set
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(name string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Manager stores role-to-method mappings. It is read-mostly after startup and
// safe under concurrent calls.
type Manager struct {
	mu     sync.RWMutex
	roles  map[string]map[string]bool // role -> method set
	logger *slog.Logger
}

// NewManager creates an empty role manager with the built-in FULL_ADMIN role.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		roles:  map[string]map[string]bool{FullAdmin: {}},
		logger: logger,
	}
}

// Register creates a role granting the given methods. Registering an already
// known role extends its method set. Called by service modules at startup.
func (m *Manager) Register(role string, methods []string) error {
	if role == "" {
		return fmt.Errorf("rolemanager.Register: role name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.roles[role]
	if !ok {
		set = make(map[string]bool, len(methods))
		m.roles[role] = set
	}
	for _, method := range methods {
		set[method] = true
	}
	return nil
}

// Grant extends a role's method set. Unlike Register, unknown role names are
// logged and ignored: plug-ins built against a newer core may grant roles
// this build does not know about.
func (m *Manager) Grant(role string, methods []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.roles[role]
	if !ok {
		m.logger.Warn("Ignoring grant for unknown role", "role", role)
		return
	}
	for _, method := range methods {
		set[method] = true
	}
}

// Known reports whether a role name has been registered. The registry uses
// this to hard-fail method descriptors that reference unknown roles.
func (m *Manager) Known(role string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roles[role]
	return ok
}

// Check evaluates whether the principal may call the method: true when any of
// the principal's roles grants it, or the principal holds FULL_ADMIN.
func (m *Manager) Check(p *Principal, method string) bool {
	if p == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range p.Roles {
		if r == FullAdmin {
			return true
		}
		if set, ok := m.roles[r]; ok && set[method] {
			return true
		}
	}
	return false
}

// MethodsFor returns the set of methods the principal may call. FULL_ADMIN
// principals get every method any role grants.
func (m *Manager) MethodsFor(p *Principal) map[string]bool {
	out := make(map[string]bool)
	if p == nil {
		return out
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if p.HasRole(FullAdmin) {
		for _, set := range m.roles {
			for method := range set {
				out[method] = true
			}
		}
		return out
	}

	for _, r := range p.Roles {
		for method := range m.roles[r] {
			out[method] = true
		}
	}
	return out
}

// RolesGranting returns the roles whose method set contains the method.
func (m *Manager) RolesGranting(method string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for r, set := range m.roles {
		if set[method] {
			out = append(out, r)
		}
	}
	return out
}
