// Package rbac decides what a session participant may do based on the role
// they hold inside that session.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionEdit    Action = "edit"
	ActionLock    Action = "lock"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionComment || action == ActionEdit || action == ActionLock
	case RoleViewer:
		return action == ActionView || action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// ForParticipant assigns the session role for a user joining a session. The
// session creator owns it; account-level viewers stay read-only.
func ForParticipant(accountRole string, creator bool) Role {
	if creator {
		return RoleOwner
	}
	if Role(accountRole) == RoleViewer {
		return RoleViewer
	}
	return RoleEditor
}
