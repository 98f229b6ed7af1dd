package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"folio/api/internal/access"
	"folio/api/internal/auth"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

var (
	ErrRoomRequired     = errors.New("room is required")
	ErrDocumentNotFound = errors.New("document not found")
	ErrAccessDenied     = errors.New("access denied to this document")
	ErrShareLinkInvalid = errors.New("share link expired or deleted")
)

// Bridge turns a resolved access level into a realtime session grant. It
// reads the store but never writes to it.
type Bridge struct {
	resolver *access.Resolver
	client   Client
	log      *zap.Logger
}

func NewBridge(resolver *access.Resolver, client Client, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{resolver: resolver, client: client, log: log}
}

// Authorize re-resolves the caller's level for room (a document id) and asks
// the realtime service for a matching session. A none level is refused
// before any call goes out.
func (b *Bridge) Authorize(ctx context.Context, identity auth.Identity, room, token string) (AuthorizeResponse, error) {
	if !identity.Authenticated() {
		return AuthorizeResponse{}, auth.ErrUnauthenticated
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return AuthorizeResponse{}, ErrRoomRequired
	}

	_, decision, err := b.resolver.Check(ctx, room, access.PrincipalOf(identity), token)
	if errors.Is(err, store.ErrNotFound) {
		return AuthorizeResponse{}, ErrDocumentNotFound
	}
	if err != nil {
		return AuthorizeResponse{}, fmt.Errorf("resolve session access: %w", err)
	}

	grant := GrantFor(decision.Role)
	if decision.Role == rbac.RoleNone || grant.Empty() {
		if strings.TrimSpace(token) != "" {
			return AuthorizeResponse{}, ErrShareLinkInvalid
		}
		return AuthorizeResponse{}, ErrAccessDenied
	}

	name := identity.Name()
	resp, err := b.client.Authorize(ctx, AuthorizeRequest{
		UserID: identity.PrincipalID,
		UserInfo: UserInfo{
			Name:   name,
			Avatar: identity.AvatarURL,
			Color:  PresenceColor(name),
		},
		Room:  room,
		Grant: grant,
	})
	if err != nil {
		return AuthorizeResponse{}, fmt.Errorf("authorize session: %w", err)
	}

	b.log.Debug("session authorized",
		zap.String("room", room),
		zap.String("user_id", identity.PrincipalID),
		zap.String("role", string(decision.Role)),
		zap.String("rule", string(decision.Rule)),
		zap.Int("status", resp.Status),
	)
	return resp, nil
}
