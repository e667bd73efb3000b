package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionAdmin  Action = "admin"
	ActionDelete Action = "delete"
)

// rank orders roles: owner ⊇ admin ⊇ member ⊇ viewer.
func rank(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleMember:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether role meets the min threshold.
func AtLeast(role, min Role) bool {
	return rank(role) >= rank(min)
}

func Can(role Role, action Action) bool {
	switch action {
	case ActionRead:
		return AtLeast(role, RoleViewer)
	case ActionWrite:
		return AtLeast(role, RoleMember)
	case ActionAdmin:
		return AtLeast(role, RoleAdmin)
	case ActionDelete:
		return role == RoleOwner
	default:
		return false
	}
}

// Normalize maps arbitrary stored strings onto a known membership role. Owner
// is never stored as a membership row, so it does not normalize from storage.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Assignable reports whether a role may be written to a membership row.
func Assignable(role Role) bool {
	return role == RoleViewer || role == RoleMember || role == RoleAdmin
}
