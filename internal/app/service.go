package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"folio/api/internal/access"
	"folio/api/internal/auth"
	"folio/api/internal/collab"
	"folio/api/internal/directory"
	"folio/api/internal/gitrepo"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

const (
	defaultDocumentTitle = "Untitled document"
	maxTitleLength       = 200
	maxTags              = 20
	maxBatchIDs          = 100
	// maxFolderDepth bounds ancestor walks so a cycle left behind by older
	// data cannot hang a request.
	maxFolderDepth = 64
)

// DocumentIndex is the search side of document writes.
type DocumentIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

// VersionArchive keeps version snapshot content outside the entity store.
type VersionArchive interface {
	Commit(documentID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
	Read(documentID, hash string) (gitrepo.Snapshot, error)
	Remove(documentID string) error
}

// ProfileDirectory remembers the principals seen per organization.
type ProfileDirectory interface {
	Remember(ctx context.Context, identity auth.Identity) error
	ListOrganization(ctx context.Context, organizationID string) ([]directory.Profile, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Store  store.Store
	Collab collab.Client
	// Optional collaborators; nil disables the feature.
	Search    DocumentIndex
	Archive   VersionArchive
	Directory ProfileDirectory

	DeleteRequiresOwner bool
	Now                 func() time.Time
	Log                 *zap.Logger
}

type Service struct {
	store     store.Store
	resolver  *access.Resolver
	bridge    *collab.Bridge
	index     DocumentIndex
	archive   VersionArchive
	directory ProfileDirectory
	log       *zap.Logger
	now       func() time.Time

	deleteRequiresOwner bool
}

func New(deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	index := deps.Search
	if index == nil {
		index = search.NewService(nil, search.NewScanSearcher(deps.Store), log)
	}
	resolver := access.NewResolver(deps.Store, now)
	return &Service{
		store:               deps.Store,
		resolver:            resolver,
		bridge:              collab.NewBridge(resolver, deps.Collab, log),
		index:               index,
		archive:             deps.Archive,
		directory:           deps.Directory,
		log:                 log,
		now:                 now,
		deleteRequiresOwner: deps.DeleteRequiresOwner,
	}
}

type CreateDocumentInput struct {
	Title          string   `json:"title"`
	InitialContent *string  `json:"initialContent"`
	FolderID       *string  `json:"folderId"`
	Tags           []string `json:"tags"`
}

// UpdateDocumentInput carries a partial update. An empty FolderID moves the
// document back to the root.
type UpdateDocumentInput struct {
	Title          *string   `json:"title"`
	InitialContent *string   `json:"initialContent"`
	FolderID       *string   `json:"folderId"`
	Tags           *[]string `json:"tags"`
	IsStarred      *bool     `json:"isStarred"`
}

type CreateFolderInput struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
}

type OrganizationUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingDirectory reports whether a profile directory is wired and whether it
// answers.
func (s *Service) PingDirectory(ctx context.Context) (bool, error) {
	if s.directory == nil {
		return false, nil
	}
	return true, s.directory.Ping(ctx)
}

// RememberIdentity records the caller in the profile directory. Failures are
// logged and otherwise ignored.
func (s *Service) RememberIdentity(ctx context.Context, identity auth.Identity) {
	if s.directory == nil || !identity.Authenticated() {
		return
	}
	if err := s.directory.Remember(ctx, identity); err != nil {
		s.log.Debug("remember identity", zap.String("user_id", identity.PrincipalID), zap.Error(err))
	}
}

// AuthorizeSession exchanges the caller's resolved level on room for a
// realtime session grant.
func (s *Service) AuthorizeSession(ctx context.Context, identity auth.Identity, room, token string) (collab.AuthorizeResponse, error) {
	return s.bridge.Authorize(ctx, identity, room, token)
}

func (s *Service) CreateDocument(ctx context.Context, identity auth.Identity, input CreateDocumentInput) (store.Document, error) {
	if !identity.Authenticated() {
		return store.Document{}, errUnauthenticated()
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = defaultDocumentTitle
	}
	if err := validateTitle(title); err != nil {
		return store.Document{}, err
	}
	tags, err := normalizeTags(input.Tags)
	if err != nil {
		return store.Document{}, err
	}

	doc := store.Document{
		ID:             util.NewID("doc"),
		Title:          title,
		InitialContent: input.InitialContent,
		OwnerID:        identity.PrincipalID,
		OrganizationID: optionalString(identity.OrganizationID),
		Tags:           tags,
		CreatedAt:      s.now().UTC(),
	}
	err = s.store.Update(ctx, func(tx store.Tx) error {
		if folderID := trimmedOrEmpty(input.FolderID); folderID != "" {
			if _, err := s.accessibleFolder(ctx, tx, identity, folderID); err != nil {
				return err
			}
			doc.FolderID = &folderID
		}
		return tx.InsertDocument(ctx, doc)
	})
	if err != nil {
		return store.Document{}, err
	}
	s.index.IndexDocument(documentRecord(doc))
	return doc, nil
}

// GetDocument returns the document together with the caller's resolved
// access. token is an optional share-link token.
func (s *Service) GetDocument(ctx context.Context, identity auth.Identity, documentID, token string) (store.Document, access.Decision, error) {
	if !identity.Authenticated() {
		return store.Document{}, access.Decision{}, errUnauthenticated()
	}
	doc, decision, err := s.resolver.Check(ctx, documentID, access.PrincipalOf(identity), token)
	if err != nil {
		return store.Document{}, access.Decision{}, notFoundAs(err, "Document not found")
	}
	if !decision.Can(rbac.ActionRead) {
		return store.Document{}, access.Decision{}, accessDenied(token)
	}
	return doc, decision, nil
}

// ListDocuments returns the organization's documents when the caller acts
// for one, and the caller's own documents otherwise.
func (s *Service) ListDocuments(ctx context.Context, identity auth.Identity) ([]store.Document, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	var docs []store.Document
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		if identity.OrganizationID != "" {
			docs, err = r.ListDocumentsByOrganization(ctx, identity.OrganizationID)
		} else {
			docs, err = r.ListDocumentsByOwner(ctx, identity.PrincipalID)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sortDocuments(docs)
	return docs, nil
}

// GetDocumentsByIDs returns the subset of ids the caller may read. Unknown
// and unreadable ids are dropped silently.
func (s *Service) GetDocumentsByIDs(ctx context.Context, identity auth.Identity, ids []string) ([]store.Document, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	ids = uniqueNonBlank(ids)
	if len(ids) > maxBatchIDs {
		return nil, errValidation(fmt.Sprintf("At most %d ids may be requested at once", maxBatchIDs), nil)
	}
	if len(ids) == 0 {
		return []store.Document{}, nil
	}

	now := s.now()
	principal := access.PrincipalOf(identity)
	readable := make([]store.Document, 0, len(ids))
	err := s.store.View(ctx, func(r store.Reader) error {
		docs, err := r.ListDocumentsByIDs(ctx, ids)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			decision, err := access.Resolve(ctx, r, doc, principal, "", now)
			if err != nil {
				return err
			}
			if decision.Can(rbac.ActionRead) {
				readable = append(readable, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	return readable, nil
}

func (s *Service) UpdateDocument(ctx context.Context, identity auth.Identity, documentID, token string, input UpdateDocumentInput) (store.Document, error) {
	if !identity.Authenticated() {
		return store.Document{}, errUnauthenticated()
	}
	now := s.now()
	principal := access.PrincipalOf(identity)

	var updated store.Document
	err := s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx, documentID)
		if err != nil {
			return notFoundAs(err, "Document not found")
		}
		decision, err := access.Resolve(ctx, tx, doc, principal, token, now)
		if err != nil {
			return err
		}
		if decision.Role == rbac.RoleNone {
			return accessDenied(token)
		}
		if !decision.Can(rbac.ActionWrite) {
			return errForbidden("Editor access required")
		}

		patch, err := s.documentPatch(ctx, tx, identity, input)
		if err != nil {
			return err
		}
		if patch.Empty() {
			updated = doc
			return nil
		}
		if err := tx.PatchDocument(ctx, doc.ID, patch); err != nil {
			return err
		}
		updated, err = tx.GetDocument(ctx, doc.ID)
		return err
	})
	if err != nil {
		return store.Document{}, err
	}
	if input.Title != nil {
		s.index.IndexDocument(documentRecord(updated))
	}
	return updated, nil
}

func (s *Service) documentPatch(ctx context.Context, tx store.Tx, identity auth.Identity, input UpdateDocumentInput) (store.DocumentPatch, error) {
	var patch store.DocumentPatch
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return patch, errValidation("Title must not be empty", nil)
		}
		if err := validateTitle(title); err != nil {
			return patch, err
		}
		patch.Title = &title
	}
	patch.InitialContent = input.InitialContent
	if input.FolderID != nil {
		folderID := strings.TrimSpace(*input.FolderID)
		if folderID == "" {
			patch.ClearFolder = true
		} else {
			if _, err := s.accessibleFolder(ctx, tx, identity, folderID); err != nil {
				return patch, err
			}
			patch.FolderID = &folderID
		}
	}
	if input.Tags != nil {
		tags, err := normalizeTags(*input.Tags)
		if err != nil {
			return patch, err
		}
		patch.Tags = &tags
	}
	patch.IsStarred = input.IsStarred
	return patch, nil
}

// DeleteDocument removes the document and, through the store, every
// permission, share link and version that belongs to it.
func (s *Service) DeleteDocument(ctx context.Context, identity auth.Identity, documentID string) error {
	if !identity.Authenticated() {
		return errUnauthenticated()
	}
	now := s.now()
	principal := access.PrincipalOf(identity)

	err := s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx, documentID)
		if err != nil {
			return notFoundAs(err, "Document not found")
		}
		decision, err := access.Resolve(ctx, tx, doc, principal, "", now)
		if err != nil {
			return err
		}
		if !decision.CanDelete(s.deleteRequiresOwner) {
			if s.deleteRequiresOwner {
				return errForbidden("Only the owner can delete this document")
			}
			return errForbidden("Editor access required")
		}
		return tx.DeleteDocument(ctx, doc.ID)
	})
	if err != nil {
		return err
	}

	s.index.DeleteDocument(documentID)
	if s.archive != nil {
		if err := s.archive.Remove(documentID); err != nil {
			s.log.Warn("remove version archive", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return nil
}

// SearchDocuments matches titles within the caller's listing scope.
func (s *Service) SearchDocuments(ctx context.Context, identity auth.Identity, text string, limit, offset int) (search.Response, error) {
	if !identity.Authenticated() {
		return search.Response{}, errUnauthenticated()
	}
	return s.index.Search(ctx, search.Query{
		Text:           strings.TrimSpace(text),
		OwnerID:        identity.PrincipalID,
		OrganizationID: identity.OrganizationID,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

func (s *Service) CreateFolder(ctx context.Context, identity auth.Identity, input CreateFolderInput) (store.Folder, error) {
	if !identity.Authenticated() {
		return store.Folder{}, errUnauthenticated()
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Folder{}, errValidation("Folder name is required", nil)
	}
	if len([]rune(name)) > maxTitleLength {
		return store.Folder{}, errValidation(fmt.Sprintf("Folder name must be at most %d characters", maxTitleLength), nil)
	}

	folder := store.Folder{
		ID:             util.NewID("fld"),
		Name:           name,
		OwnerID:        identity.PrincipalID,
		OrganizationID: optionalString(identity.OrganizationID),
		CreatedAt:      s.now().UTC(),
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if parentID := trimmedOrEmpty(input.ParentID); parentID != "" {
			if _, err := s.accessibleFolder(ctx, tx, identity, parentID); err != nil {
				return err
			}
			folder.ParentID = &parentID
		}
		return tx.InsertFolder(ctx, folder)
	})
	if err != nil {
		return store.Folder{}, err
	}
	return folder, nil
}

func (s *Service) ListFolders(ctx context.Context, identity auth.Identity) ([]store.Folder, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	var folders []store.Folder
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		if identity.OrganizationID != "" {
			folders, err = r.ListFoldersByOrganization(ctx, identity.OrganizationID)
		} else {
			folders, err = r.ListFoldersByOwner(ctx, identity.PrincipalID)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		return strings.ToLower(folders[i].Name) < strings.ToLower(folders[j].Name)
	})
	return folders, nil
}

// MoveFolder re-parents folderID. A nil or empty parentID moves it to the
// root. Moving a folder under itself or one of its descendants is rejected.
func (s *Service) MoveFolder(ctx context.Context, identity auth.Identity, folderID string, parentID *string) (store.Folder, error) {
	if !identity.Authenticated() {
		return store.Folder{}, errUnauthenticated()
	}
	target := trimmedOrEmpty(parentID)

	var moved store.Folder
	err := s.store.Update(ctx, func(tx store.Tx) error {
		folder, err := s.accessibleFolder(ctx, tx, identity, folderID)
		if err != nil {
			return err
		}
		var next *string
		if target != "" {
			if target == folder.ID {
				return errValidation("A folder cannot be its own parent", nil)
			}
			if _, err := s.accessibleFolder(ctx, tx, identity, target); err != nil {
				return err
			}
			if err := ensureNotDescendant(ctx, tx, folder.ID, target); err != nil {
				return err
			}
			next = &target
		}
		if err := tx.UpdateFolderParent(ctx, folder.ID, next); err != nil {
			return err
		}
		moved, err = tx.GetFolder(ctx, folder.ID)
		return err
	})
	if err != nil {
		return store.Folder{}, err
	}
	return moved, nil
}

// ensureNotDescendant walks up from candidateParent and fails if folderID
// appears among its ancestors. The walk stops at the root, at a missing
// ancestor, at an already visited folder or after maxFolderDepth steps.
func ensureNotDescendant(ctx context.Context, r store.Reader, folderID, candidateParent string) error {
	visited := map[string]bool{}
	current := candidateParent
	for depth := 0; current != ""; depth++ {
		if current == folderID {
			return errValidation("A folder cannot be moved into one of its own subfolders", nil)
		}
		if depth >= maxFolderDepth {
			return errValidation("Folder hierarchy is too deep", nil)
		}
		if visited[current] {
			return nil
		}
		visited[current] = true

		folder, err := r.GetFolder(ctx, current)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current = trimmedOrEmpty(folder.ParentID)
	}
	return nil
}

// DeleteFolder is reserved to the folder's owner. Child folders move up to
// the deleted folder's parent and its documents return to the root.
func (s *Service) DeleteFolder(ctx context.Context, identity auth.Identity, folderID string) error {
	if !identity.Authenticated() {
		return errUnauthenticated()
	}
	return s.store.Update(ctx, func(tx store.Tx) error {
		folder, err := tx.GetFolder(ctx, folderID)
		if err != nil {
			return notFoundAs(err, "Folder not found")
		}
		if folder.OwnerID != identity.PrincipalID {
			return errForbidden("Only the owner can delete this folder")
		}
		return tx.DeleteFolder(ctx, folder.ID)
	})
}

func (s *Service) accessibleFolder(ctx context.Context, r store.Reader, identity auth.Identity, folderID string) (store.Folder, error) {
	folder, err := r.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, notFoundAs(err, "Folder not found")
	}
	if folder.OwnerID == identity.PrincipalID {
		return folder, nil
	}
	if identity.OrganizationID != "" && folder.OrganizationID != nil && *folder.OrganizationID == identity.OrganizationID {
		return folder, nil
	}
	return store.Folder{}, errForbidden("Access denied to this folder")
}

// ListOrganizationUsers returns the principals recently seen in the
// caller's organization, each with a presence color. The caller is always
// part of the result.
func (s *Service) ListOrganizationUsers(ctx context.Context, identity auth.Identity) ([]OrganizationUser, error) {
	if !identity.Authenticated() {
		return nil, errUnauthenticated()
	}
	self := organizationUser(identity.PrincipalID, identity.Name(), identity.AvatarURL)
	if identity.OrganizationID == "" || s.directory == nil {
		return []OrganizationUser{self}, nil
	}

	profiles, err := s.directory.ListOrganization(ctx, identity.OrganizationID)
	if err != nil {
		s.log.Warn("list organization profiles",
			zap.String("organization_id", identity.OrganizationID),
			zap.Error(err),
		)
		return []OrganizationUser{self}, nil
	}

	users := make([]OrganizationUser, 0, len(profiles)+1)
	seenSelf := false
	for _, profile := range profiles {
		if profile.ID == identity.PrincipalID {
			seenSelf = true
			users = append(users, self)
			continue
		}
		name := profile.Name
		if strings.TrimSpace(name) == "" {
			name = auth.Identity{Email: profile.Email}.Name()
		}
		users = append(users, organizationUser(profile.ID, name, profile.AvatarURL))
	}
	if !seenSelf {
		users = append(users, self)
	}
	return users, nil
}

func organizationUser(id, name, avatar string) OrganizationUser {
	return OrganizationUser{ID: id, Name: name, Avatar: avatar, Color: collab.PresenceColor(name)}
}

func documentRecord(doc store.Document) search.DocumentRecord {
	record := search.DocumentRecord{ID: doc.ID, Title: doc.Title, OwnerID: doc.OwnerID}
	if doc.OrganizationID != nil {
		record.OrganizationID = *doc.OrganizationID
	}
	return record
}

func sortDocuments(docs []store.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
}

func validateTitle(title string) error {
	if len([]rune(title)) > maxTitleLength {
		return errValidation(fmt.Sprintf("Title must be at most %d characters", maxTitleLength), nil)
	}
	return nil
}

func normalizeTags(tags []string) ([]string, error) {
	out := uniqueNonBlank(tags)
	if len(out) > maxTags {
		return nil, errValidation(fmt.Sprintf("At most %d tags are allowed", maxTags), nil)
	}
	return out, nil
}

func uniqueNonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func trimmedOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

// accessDenied names the share link when a token was presented.
func accessDenied(token string) *DomainError {
	if strings.TrimSpace(token) != "" {
		return errForbidden("Share link expired or deleted")
	}
	return errForbidden("Access denied to this document")
}

// notFoundAs turns store.ErrNotFound into a NOT_FOUND domain error and
// passes every other error through.
func notFoundAs(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound(message)
	}
	return err
}
