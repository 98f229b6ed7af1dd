// Package access resolves what a principal may do to a document.
//
// Resolution walks an ordered rule list and stops at the first match:
// owner, organization, explicit permission, share link, none. Rules never
// combine. An unmatched request resolves to rbac.RoleNone with a nil error;
// the only errors surfaced are store failures.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

type Rule string

const (
	RuleOwner        Rule = "owner"
	RuleOrganization Rule = "organization"
	RulePermission   Rule = "permission"
	RuleShareLink    Rule = "share_link"
	RuleNone         Rule = "none"
)

// Principal is the part of an identity the resolver looks at.
type Principal struct {
	ID             string
	OrganizationID string
}

func PrincipalOf(identity auth.Identity) Principal {
	return Principal{ID: identity.PrincipalID, OrganizationID: identity.OrganizationID}
}

type Decision struct {
	DocumentID string
	Role       rbac.Role
	Rule       Rule
	IsOwner    bool
	// LinkID is set when the share-link rule matched.
	LinkID string
}

func (d Decision) Can(action rbac.Action) bool {
	return rbac.Can(d.Role, action)
}

// CanDelete applies the delete-authority policy. With requireOwner only the
// owner may delete; otherwise any principal holding editor may.
func (d Decision) CanDelete(requireOwner bool) bool {
	if requireOwner {
		return d.IsOwner
	}
	return d.Can(rbac.ActionDelete)
}

// Resolve computes the capability of p on doc. All lookups go through r, so
// callers that pass a store snapshot get a decision free of check/use gaps.
func Resolve(ctx context.Context, r store.Reader, doc store.Document, p Principal, token string, now time.Time) (Decision, error) {
	decision := Decision{DocumentID: doc.ID, Role: rbac.RoleNone, Rule: RuleNone}

	if p.ID != "" && p.ID == doc.OwnerID {
		decision.Role = rbac.RoleEditor
		decision.Rule = RuleOwner
		decision.IsOwner = true
		return decision, nil
	}

	if p.OrganizationID != "" && doc.OrganizationID != nil && *doc.OrganizationID == p.OrganizationID {
		decision.Role = rbac.RoleEditor
		decision.Rule = RuleOrganization
		return decision, nil
	}

	if p.ID != "" {
		perm, err := r.GetPermission(ctx, doc.ID, p.ID)
		switch {
		case err == nil:
			decision.Role = rbac.Normalize(perm.Role)
			decision.Rule = RulePermission
			return decision, nil
		case !errors.Is(err, store.ErrNotFound):
			return Decision{}, fmt.Errorf("lookup permission: %w", err)
		}
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return decision, nil
	}
	link, ok, err := activeLink(ctx, r, token, now)
	if err != nil {
		return Decision{}, err
	}
	if !ok || link.DocumentID != doc.ID {
		return decision, nil
	}
	decision.Role = rbac.Normalize(link.Role)
	decision.Rule = RuleShareLink
	decision.LinkID = link.ID
	return decision, nil
}

// ActiveShareLink looks a token up and hides links whose expiry has passed.
// An expired link is reported exactly like a missing one.
func ActiveShareLink(ctx context.Context, r store.Reader, token string, now time.Time) (store.ShareLink, bool, error) {
	return activeLink(ctx, r, strings.TrimSpace(token), now)
}

func activeLink(ctx context.Context, r store.Reader, token string, now time.Time) (store.ShareLink, bool, error) {
	if token == "" {
		return store.ShareLink{}, false, nil
	}
	link, err := r.GetShareLinkByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.ShareLink{}, false, nil
	}
	if err != nil {
		return store.ShareLink{}, false, fmt.Errorf("lookup share link: %w", err)
	}
	if !link.Active(now.UnixMilli()) {
		return store.ShareLink{}, false, nil
	}
	return link, true, nil
}

// Resolver binds resolution to a store and a clock.
type Resolver struct {
	store store.Store
	now   func() time.Time
}

func NewResolver(s store.Store, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: s, now: now}
}

func (r *Resolver) Now() time.Time {
	return r.now()
}

// Check loads the document and resolves p against it inside one snapshot
// with a single captured clock reading. A missing document yields
// store.ErrNotFound.
func (r *Resolver) Check(ctx context.Context, documentID string, p Principal, token string) (store.Document, Decision, error) {
	now := r.now()
	var (
		doc      store.Document
		decision Decision
	)
	err := r.store.View(ctx, func(rd store.Reader) error {
		var err error
		doc, err = rd.GetDocument(ctx, documentID)
		if err != nil {
			return err
		}
		decision, err = Resolve(ctx, rd, doc, p, token, now)
		return err
	})
	if err != nil {
		return store.Document{}, Decision{}, err
	}
	return doc, decision, nil
}
