// Package auth turns identity-provider tokens into a normalized Identity.
package auth

// Identity is the only principal shape downstream packages consume.
type Identity struct {
	PrincipalID    string
	OrganizationID string
	DisplayName    string
	Email          string
	AvatarURL      string
}

func (i Identity) Authenticated() bool {
	return i.PrincipalID != ""
}

// Name is the display label used for presence: display name, then email.
func (i Identity) Name() string {
	return firstNonBlank(i.DisplayName, i.Email, "Anonymous")
}
