package access

import (
	"context"
	"fmt"
	"time"

	"folio/api/internal/store"
)

// VersionAccess is the outcome of the version-history gate.
type VersionAccess int

const (
	VersionUnresolved VersionAccess = iota
	VersionFull
	VersionViaLink
	VersionUnauthorized
)

func (v VersionAccess) String() string {
	switch v {
	case VersionFull:
		return "authorized_full"
	case VersionViaLink:
		return "authorized_via_link"
	case VersionUnauthorized:
		return "unauthorized"
	default:
		return "unresolved"
	}
}

func (v VersionAccess) Allowed() bool {
	return v == VersionFull || v == VersionViaLink
}

// ResolveVersionAccess gates read access to version history. Owners,
// organization members and explicit permission holders get full access.
// Anyone else is let through while the document has at least one active
// share link, whether or not they present its token.
func ResolveVersionAccess(ctx context.Context, r store.Reader, doc store.Document, p Principal, now time.Time) (VersionAccess, error) {
	decision, err := Resolve(ctx, r, doc, p, "", now)
	if err != nil {
		return VersionUnresolved, err
	}
	if decision.Rule != RuleNone {
		return VersionFull, nil
	}

	links, err := r.ListShareLinks(ctx, doc.ID)
	if err != nil {
		return VersionUnresolved, fmt.Errorf("list share links: %w", err)
	}
	nowMillis := now.UnixMilli()
	for _, link := range links {
		if link.Active(nowMillis) {
			return VersionViaLink, nil
		}
	}
	return VersionUnauthorized, nil
}

// CheckVersions runs the version gate for documentID inside one snapshot.
func (r *Resolver) CheckVersions(ctx context.Context, documentID string, p Principal) (VersionAccess, error) {
	now := r.now()
	state := VersionUnresolved
	err := r.store.View(ctx, func(rd store.Reader) error {
		doc, err := rd.GetDocument(ctx, documentID)
		if err != nil {
			return err
		}
		state, err = ResolveVersionAccess(ctx, rd, doc, p, now)
		return err
	})
	if err != nil {
		return VersionUnresolved, err
	}
	return state, nil
}
