package services

import (
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
)

// RoleReadonly grants the query side of the builtin services.
const RoleReadonly = "READONLY_ADMIN"

// RegisterRoles declares the builtin role names. Method grants come from
// SyncRoles after service registration.
func RegisterRoles(roles *role.Manager) error {
	return roles.Register(RoleReadonly, nil)
}

// SyncRoles walks the registry and grants every method to the roles its
// descriptor names. Call it after the last RegisterMethod and before the
// transports start accepting connections.
func SyncRoles(reg *registry.Registry, roles *role.Manager) {
	for _, svc := range reg.Services() {
		for _, m := range svc.Methods() {
			full := svc.Name + "." + m.Name
			for _, r := range m.Roles {
				roles.Grant(r, []string{full})
			}
		}
	}
}
