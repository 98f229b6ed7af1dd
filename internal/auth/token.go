package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token shape issued by the identity provider. Organization
// membership arrives either under "o" or the legacy "org_id" claim.
type Claims struct {
	jwt.RegisteredClaims
	Org      *OrgClaim `json:"o,omitempty"`
	OrgID    string    `json:"org_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
	Picture  string    `json:"picture,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
}

type OrgClaim struct {
	ID   string `json:"id"`
	Slug string `json:"slug,omitempty"`
	Role string `json:"role,omitempty"`
}

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("expired token")
)

type Verifier struct {
	secret []byte
	leeway time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 5 * time.Second}
}

// Verify validates a bearer token and returns the normalized identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	identity := claims.Identity()
	if identity.PrincipalID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return identity, nil
}

// Identity normalizes the claim fallbacks in one place.
func (c *Claims) Identity() Identity {
	orgID := ""
	if c.Org != nil {
		orgID = strings.TrimSpace(c.Org.ID)
	}
	if orgID == "" {
		orgID = strings.TrimSpace(c.OrgID)
	}
	return Identity{
		PrincipalID:    strings.TrimSpace(c.Subject),
		OrganizationID: orgID,
		DisplayName:    strings.TrimSpace(c.Name),
		Email:          strings.TrimSpace(c.Email),
		AvatarURL:      firstNonBlank(c.Picture, c.ImageURL),
	}
}

// IssueToken signs claims with HS256. Used by tests and local tooling; the
// production identity provider issues its own tokens.
func IssueToken(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return signed, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
