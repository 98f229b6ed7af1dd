// Package collab authorizes realtime collaboration sessions for documents.
package collab

import (
	"fmt"
	"unicode/utf16"

	"folio/api/internal/rbac"
)

// Grant is a set of session capabilities. Levels map onto nested sets so a
// higher level always holds every capability of a lower one.
type Grant uint8

const (
	CapRead Grant = 1 << iota
	CapPresenceWrite
	CapCommentWrite
	CapContentWrite
)

const (
	GrantNone      Grant = 0
	GrantViewer          = CapRead
	GrantCommenter       = CapRead | CapPresenceWrite | CapCommentWrite
	GrantEditor          = CapRead | CapPresenceWrite | CapCommentWrite | CapContentWrite
)

// GrantFor maps a resolved level onto its capability set. Anything that is
// not a recognised level gets the empty grant.
func GrantFor(role rbac.Role) Grant {
	switch role {
	case rbac.RoleEditor:
		return GrantEditor
	case rbac.RoleCommenter:
		return GrantCommenter
	case rbac.RoleViewer:
		return GrantViewer
	default:
		return GrantNone
	}
}

func (g Grant) Contains(other Grant) bool {
	return g&other == other
}

func (g Grant) Empty() bool {
	return g == GrantNone
}

// Permissions renders the grant as the realtime service's permission
// strings, in a stable order.
func (g Grant) Permissions() []string {
	out := make([]string, 0, 5)
	if g.Contains(CapRead) {
		out = append(out, "room:read", "comments:read")
	}
	if g.Contains(CapPresenceWrite) {
		out = append(out, "room:presence:write")
	}
	if g.Contains(CapCommentWrite) {
		out = append(out, "comments:write")
	}
	if g.Contains(CapContentWrite) {
		out = append(out, "room:write")
	}
	return out
}

// PresenceColor derives a stable HSL colour from a display name. The hue is
// the sum of the name's UTF-16 code units modulo 360.
func PresenceColor(name string) string {
	sum := 0
	for _, unit := range utf16.Encode([]rune(name)) {
		sum += int(unit)
	}
	return fmt.Sprintf("hsl(%d, 80%%, 60%%)", sum%360)
}
