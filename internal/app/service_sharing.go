package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"folio/api/internal/access"
	"folio/api/internal/auth"
	"folio/api/internal/gitrepo"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

const (
	shareTokenBytes      = 32
	shareTokenAttempts   = 3
	millisPerDay         = int64(86_400_000)
	maxShareLinkDays     = 3650
	defaultVersionReason = "Snapshot"
)

// MyAccess is the caller's own standing on a document.
type MyAccess struct {
	Role    rbac.Role   `json:"role"`
	IsOwner bool        `json:"isOwner"`
	Rule    access.Rule `json:"rule"`
}

type CreateShareLinkInput struct {
	Role          string `json:"role"`
	ExpiresInDays *int   `json:"expiresInDays"`
}

type CreateVersionInput struct {
	Content     string  `json:"content"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

// manageableDocument loads documentID inside tx and requires the caller to
// hold manage rights without any share-link token.
func (s *Service) manageableDocument(ctx context.Context, tx store.Reader, identity auth.Identity, documentID string) (store.Document, error) {
	doc, err := tx.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, notFoundAs(err, "Document not found")
	}
	decision, err := access.Resolve(ctx, tx, doc, access.PrincipalOf(identity), "", s.now())
	if err != nil {
		return store.Document{}, err
	}
	if !decision.Can(rbac.ActionManage) {
		return store.Document{}, errForbidden("Editor access required")
	}
	return doc, nil
}

// Grant gives granteeID role on the document, replacing any role the
// grantee already held. It returns the id of the permission row.
func (s *Service) Grant(ctx context.Context, identity auth.Identity, documentID, granteeID, role string) (string, error) {
	if !identity.Authenticated() {
		return "", errUnauthenticated()
	}
	granteeID = strings.TrimSpace(granteeID)
	if granteeID == "" {
		return "", errValidation("userId is required", nil)
	}
	parsed, ok := rbac.Parse(role)
	if !ok {
		return "", errValidation("Role must be one of viewer, commenter, editor", map[string]any{"role": role})
	}

	var permissionID string
	err := s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := s.manageableDocument(ctx, tx, identity, documentID)
		if err != nil {
			return err
		}
		permissionID, err = tx.UpsertPermission(ctx, store.Permission{
			ID:         util.NewID("perm"),
			DocumentID: doc.ID,
			UserID:     granteeID,
			Role:       string(parsed),
			CreatedAt:  s.now().UTC(),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	s.log.Info("permission granted",
		zap.String("document_id", documentID),
		zap.String("grantee_id", granteeID),
		zap.String("role", string(parsed)),
		zap.String("granted_by", identity.PrincipalID),
	)
	return permissionID, nil
}

// Revoke removes granteeID's explicit permission. Revoking a grant that does
// not exist succeeds.
func (s *Service) Revoke(ctx context.Context, identity auth.Identity, documentID, granteeID string) error {
	if !identity.Authenticated() {
		return errUnauthenticated()
	}
	granteeID = strings.TrimSpace(granteeID)
	if granteeID == "" {
		return errValidation("userId is required", nil)
	}
	return s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := s.manageableDocument(ctx, tx, identity, documentID)
		if err != nil {
			return err
		}
		_, err = tx.DeletePermission(ctx, doc.ID, granteeID)
		return err
	})
}

// ListPermissions is open to anyone holding access through ownership,
// organization membership or an explicit grant.
func (s *Service) ListPermissions(ctx context.Context, identity auth.Identity, documentID string) ([]store.Permission, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	now := s.now()
	var perms []store.Permission
	err := s.store.View(ctx, func(r store.Reader) error {
		doc, err := r.GetDocument(ctx, documentID)
		if err != nil {
			return notFoundAs(err, "Document not found")
		}
		decision, err := access.Resolve(ctx, r, doc, access.PrincipalOf(identity), "", now)
		if err != nil {
			return err
		}
		if decision.Role == rbac.RoleNone {
			return errForbidden("Access denied to this document")
		}
		perms, err = r.ListPermissions(ctx, doc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return perms, nil
}

// MyPermission reports the caller's resolved standing, or nil when the
// caller has none or the document does not exist.
func (s *Service) MyPermission(ctx context.Context, identity auth.Identity, documentID, token string) (*MyAccess, error) {
	if !identity.Authenticated() {
		return nil, nil
	}
	_, decision, err := s.resolver.Check(ctx, documentID, access.PrincipalOf(identity), token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if decision.Role == rbac.RoleNone {
		return nil, nil
	}
	return &MyAccess{Role: decision.Role, IsOwner: decision.IsOwner, Rule: decision.Rule}, nil
}

// CreateShareLink mints an unguessable bearer token granting role on the
// document until the optional expiry.
func (s *Service) CreateShareLink(ctx context.Context, identity auth.Identity, documentID string, input CreateShareLinkInput) (store.ShareLink, error) {
	if !identity.Authenticated() {
		return store.ShareLink{}, errUnauthenticated()
	}
	role, ok := rbac.Parse(input.Role)
	if !ok {
		return store.ShareLink{}, errValidation("Role must be one of viewer, commenter, editor", map[string]any{"role": input.Role})
	}
	if input.ExpiresInDays != nil && *input.ExpiresInDays <= 0 {
		return store.ShareLink{}, errValidation("expiresInDays must be a positive number of days", map[string]any{"expiresInDays": *input.ExpiresInDays})
	}
	if input.ExpiresInDays != nil && *input.ExpiresInDays > maxShareLinkDays {
		return store.ShareLink{}, errValidation(fmt.Sprintf("expiresInDays must be at most %d", maxShareLinkDays), map[string]any{"expiresInDays": *input.ExpiresInDays})
	}

	now := s.now()
	var expiresAt *int64
	if input.ExpiresInDays != nil {
		at := now.UnixMilli() + int64(*input.ExpiresInDays)*millisPerDay
		expiresAt = &at
	}

	for attempt := 1; ; attempt++ {
		token, err := util.NewToken(shareTokenBytes)
		if err != nil {
			return store.ShareLink{}, fmt.Errorf("generate share token: %w", err)
		}
		link := store.ShareLink{
			ID:        util.NewID("link"),
			Token:     token,
			Role:      string(role),
			ExpiresAt: expiresAt,
			CreatedBy: identity.PrincipalID,
			CreatedAt: now.UTC(),
		}
		err = s.store.Update(ctx, func(tx store.Tx) error {
			doc, err := s.manageableDocument(ctx, tx, identity, documentID)
			if err != nil {
				return err
			}
			link.DocumentID = doc.ID
			return tx.InsertShareLink(ctx, link)
		})
		if errors.Is(err, store.ErrConflict) && attempt < shareTokenAttempts {
			continue
		}
		if err != nil {
			return store.ShareLink{}, err
		}
		s.log.Info("share link created",
			zap.String("document_id", link.DocumentID),
			zap.String("link_id", link.ID),
			zap.String("role", link.Role),
			zap.String("created_by", identity.PrincipalID),
		)
		return link, nil
	}
}

// DeleteShareLink lets the link's creator, or anyone who may manage the
// document, remove a link.
func (s *Service) DeleteShareLink(ctx context.Context, identity auth.Identity, linkID string) error {
	if !identity.Authenticated() {
		return errUnauthenticated()
	}
	return s.store.Update(ctx, func(tx store.Tx) error {
		link, err := tx.GetShareLink(ctx, linkID)
		if err != nil {
			return notFoundAs(err, "Share link not found")
		}
		if link.CreatedBy != identity.PrincipalID {
			if _, err := s.manageableDocument(ctx, tx, identity, link.DocumentID); err != nil {
				return err
			}
		}
		return tx.DeleteShareLink(ctx, link.ID)
	})
}

// GetShareLinkByToken is public. An expired link is reported as not found.
func (s *Service) GetShareLinkByToken(ctx context.Context, token string) (store.ShareLink, error) {
	now := s.now()
	var (
		link  store.ShareLink
		found bool
	)
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		link, found, err = access.ActiveShareLink(ctx, r, token, now)
		return err
	})
	if err != nil {
		return store.ShareLink{}, err
	}
	if !found {
		return store.ShareLink{}, errNotFound("Share link not found")
	}
	return link, nil
}

// ListShareLinks returns the document's active links.
func (s *Service) ListShareLinks(ctx context.Context, identity auth.Identity, documentID string) ([]store.ShareLink, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	nowMillis := s.now().UnixMilli()
	var active []store.ShareLink
	err := s.store.View(ctx, func(r store.Reader) error {
		doc, err := s.manageableDocument(ctx, r, identity, documentID)
		if err != nil {
			return err
		}
		links, err := r.ListShareLinks(ctx, doc.ID)
		if err != nil {
			return err
		}
		active = make([]store.ShareLink, 0, len(links))
		for _, link := range links {
			if link.Active(nowMillis) {
				active = append(active, link)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// ListVersions returns the document's snapshots, newest first. A caller the
// version gate turns away gets an empty list rather than an error.
func (s *Service) ListVersions(ctx context.Context, identity auth.Identity, documentID string) ([]store.Version, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	now := s.now()
	versions := []store.Version{}
	err := s.store.View(ctx, func(r store.Reader) error {
		doc, err := r.GetDocument(ctx, documentID)
		if err != nil {
			return notFoundAs(err, "Document not found")
		}
		state, err := access.ResolveVersionAccess(ctx, r, doc, access.PrincipalOf(identity), now)
		if err != nil {
			return err
		}
		if !state.Allowed() {
			return nil
		}
		versions, err = r.ListVersions(ctx, doc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// GetVersion returns one snapshot. Unlike ListVersions a refusal here is an
// error.
func (s *Service) GetVersion(ctx context.Context, identity auth.Identity, versionID string) (store.Version, error) {
	if !identity.Authenticated() {
		return store.Version{}, errUnauthenticated()
	}
	now := s.now()
	var version store.Version
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		version, err = r.GetVersion(ctx, versionID)
		if err != nil {
			return notFoundAs(err, "Version not found")
		}
		doc, err := r.GetDocument(ctx, version.DocumentID)
		if err != nil {
			return notFoundAs(err, "Document not found")
		}
		state, err := access.ResolveVersionAccess(ctx, r, doc, access.PrincipalOf(identity), now)
		if err != nil {
			return err
		}
		if !state.Allowed() {
			return errForbidden("Access denied to this version")
		}
		return nil
	})
	if err != nil {
		return store.Version{}, err
	}

	if s.archive != nil && version.CommitHash != "" {
		snap, err := s.archive.Read(version.DocumentID, version.CommitHash)
		if err != nil {
			s.log.Warn("read archived version",
				zap.String("version_id", version.ID),
				zap.String("commit", version.CommitHash),
				zap.Error(err),
			)
		} else {
			version.Content = snap.Content
		}
	}
	return version, nil
}

// CreateVersion snapshots content for the document. With an archive
// configured the content is committed there first and the row records the
// commit hash.
func (s *Service) CreateVersion(ctx context.Context, identity auth.Identity, documentID string, input CreateVersionInput) (store.Version, error) {
	if !identity.Authenticated() {
		return store.Version{}, errUnauthenticated()
	}
	doc, decision, err := s.resolver.Check(ctx, documentID, access.PrincipalOf(identity), "")
	if err != nil {
		return store.Version{}, notFoundAs(err, "Document not found")
	}
	if !decision.Can(rbac.ActionWrite) {
		return store.Version{}, errForbidden("Editor access required")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = doc.Title
	}
	if err := validateTitle(title); err != nil {
		return store.Version{}, err
	}
	description := optionalString(trimmedOrEmpty(input.Description))

	version := store.Version{
		ID:          util.NewID("ver"),
		DocumentID:  doc.ID,
		Content:     input.Content,
		Title:       title,
		CreatedBy:   identity.PrincipalID,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}

	if s.archive != nil {
		message := defaultVersionReason
		if description != nil {
			message = *description
		}
		commit, err := s.archive.Commit(doc.ID, gitrepo.Snapshot{
			Title:       title,
			Content:     input.Content,
			Description: trimmedOrEmpty(description),
		}, identity.Name(), message)
		if err != nil {
			return store.Version{}, fmt.Errorf("archive version: %w", err)
		}
		version.CommitHash = commit.Hash
	}

	err = s.store.Update(ctx, func(tx store.Tx) error {
		current, err := tx.GetDocument(ctx, doc.ID)
		if err != nil {
			return notFoundAs(err, "Document not found")
		}
		decision, err := access.Resolve(ctx, tx, current, access.PrincipalOf(identity), "", s.now())
		if err != nil {
			return err
		}
		if !decision.Can(rbac.ActionWrite) {
			return errForbidden("Editor access required")
		}
		return tx.InsertVersion(ctx, version)
	})
	if err != nil {
		return store.Version{}, err
	}
	return version, nil
}
