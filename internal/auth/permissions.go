package auth

// Permission is a named capability.
type Permission string

// Permission constants.
const (
	PermDeviceRead      Permission = "device:read"
	PermDeviceCommand   Permission = "device:command"
	PermDeviceConfigure Permission = "device:configure"
	PermFleetBroadcast  Permission = "fleet:broadcast"
	PermAuditRead       Permission = "audit:read"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceCommand,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceCommand,
		PermDeviceConfigure,
		PermFleetBroadcast,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns a copy of the permissions granted to a role,
// or nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
