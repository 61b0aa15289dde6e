package auth

// Role is an API authorisation tier.
type Role string

const (
	// RoleReader may list providers, read history and stream messages.
	RoleReader Role = "reader"

	// RolePublisher may additionally publish.
	RolePublisher Role = "publisher"

	// RoleAdmin has every permission, including provider management.
	RoleAdmin Role = "admin"
)

// Permission represents a named capability in the API.
type Permission string

// Permission constants.
const (
	PermProviderRead   Permission = "provider:read"
	PermMessageStream  Permission = "message:stream"
	PermMessagePublish Permission = "message:publish"
	PermProviderManage Permission = "provider:manage"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleReader: {
		PermProviderRead,
		PermMessageStream,
	},
	RolePublisher: {
		PermProviderRead,
		PermMessageStream,
		PermMessagePublish,
	},
	RoleAdmin: {
		PermProviderRead,
		PermMessageStream,
		PermMessagePublish,
		PermProviderManage,
	},
}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
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
