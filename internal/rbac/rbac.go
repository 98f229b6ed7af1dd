// Package rbac defines document capability levels and the actions they allow.
package rbac

type Role string
type Action string

const (
	RoleNone      Role = "none"
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionManage  Action = "manage"
	ActionDelete  Action = "delete"
)

// Rank orders roles: none < viewer < commenter < editor.
func (r Role) Rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleCommenter:
		return 2
	case RoleEditor:
		return 3
	default:
		return 0
	}
}

func (r Role) AtLeast(required Role) bool {
	return r.Rank() >= required.Rank()
}

// Required returns the minimum role an action needs.
func Required(action Action) Role {
	switch action {
	case ActionRead:
		return RoleViewer
	case ActionComment:
		return RoleCommenter
	case ActionWrite, ActionManage, ActionDelete:
		return RoleEditor
	default:
		return RoleEditor
	}
}

func Can(role Role, action Action) bool {
	if role == RoleNone || role == "" {
		return false
	}
	return role.AtLeast(Required(action))
}

// Parse accepts only the three grantable roles.
func Parse(role string) (Role, bool) {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor:
		return Role(role), true
	default:
		return RoleNone, false
	}
}

// Normalize maps stored role strings onto a grantable role. Unknown values
// fall back to viewer, the narrowest grant.
func Normalize(role string) Role {
	if parsed, ok := Parse(role); ok {
		return parsed
	}
	return RoleViewer
}
