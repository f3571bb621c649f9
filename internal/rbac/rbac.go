package rbac

// Role is a per-channel role. It is assigned at join time and never derived from
// the caller's global account role.
type Role string
type Action string
type WriteMode string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	WriteAll       WriteMode = "all"
	WriteAdminOnly WriteMode = "admin_only"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionModerate Action = "moderate"
	ActionManage   Action = "manage"
)

// Can reports whether a channel role may perform action, ignoring write mode.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// CanWrite is the posting predicate: everyone may write in an open channel, only
// admins in an admin_only one.
func CanWrite(mode WriteMode, role Role) bool {
	if !Can(role, ActionWrite) {
		return false
	}
	return mode == WriteAll || role == RoleAdmin
}

func ParseRole(role string) (Role, bool) {
	switch Role(role) {
	case RoleMember, RoleAdmin:
		return Role(role), true
	case "":
		return RoleMember, true
	default:
		return "", false
	}
}

func ParseWriteMode(mode string) (WriteMode, bool) {
	switch WriteMode(mode) {
	case WriteAll, WriteAdminOnly:
		return WriteMode(mode), true
	case "":
		return WriteAll, true
	default:
		return "", false
	}
}
