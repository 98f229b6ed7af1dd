package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"folio/api/internal/util"
)

// MemoryStore keeps every entity in process memory. Snapshots are taken
// under a read lock and units of work under the write lock, so each View or
// Update observes a consistent state.
type MemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	documents   map[string]Document
	permissions map[permissionKey]Permission
	links       map[string]ShareLink
	tokens      map[string]string
	versions    map[string]memVersion
	folders     map[string]Folder
}

type permissionKey struct {
	documentID string
	userID     string
}

type memVersion struct {
	Version
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string]Document),
		permissions: make(map[permissionKey]Permission),
		links:       make(map[string]ShareLink),
		tokens:      make(map[string]string),
		versions:    make(map[string]memVersion),
		folders:     make(map[string]Folder),
	}
}

func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

// Update applies fn against a staged copy and publishes it only when fn
// succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.clone()
	if err := fn(&memTx{s: staged}); err != nil {
		return err
	}
	s.seq = staged.seq
	s.documents = staged.documents
	s.permissions = staged.permissions
	s.links = staged.links
	s.tokens = staged.tokens
	s.versions = staged.versions
	s.folders = staged.folders
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) clone() *MemoryStore {
	out := &MemoryStore{
		seq:         s.seq,
		documents:   make(map[string]Document, len(s.documents)),
		permissions: make(map[permissionKey]Permission, len(s.permissions)),
		links:       make(map[string]ShareLink, len(s.links)),
		tokens:      make(map[string]string, len(s.tokens)),
		versions:    make(map[string]memVersion, len(s.versions)),
		folders:     make(map[string]Folder, len(s.folders)),
	}
	for k, v := range s.documents {
		out.documents[k] = v
	}
	for k, v := range s.permissions {
		out.permissions[k] = v
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	for k, v := range s.versions {
		out.versions[k] = v
	}
	for k, v := range s.folders {
		out.folders[k] = v
	}
	return out
}

type memTx struct {
	s *MemoryStore
}

func copyDocument(doc Document) Document {
	doc.InitialContent = cloneString(doc.InitialContent)
	doc.OrganizationID = cloneString(doc.OrganizationID)
	doc.FolderID = cloneString(doc.FolderID)
	doc.Tags = cloneStrings(doc.Tags)
	return doc
}

func copyLink(link ShareLink) ShareLink {
	link.ExpiresAt = cloneInt64(link.ExpiresAt)
	return link
}

func copyFolder(folder Folder) Folder {
	folder.OrganizationID = cloneString(folder.OrganizationID)
	folder.ParentID = cloneString(folder.ParentID)
	return folder
}

func (t *memTx) GetDocument(_ context.Context, id string) (Document, error) {
	doc, ok := t.s.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (t *memTx) listDocuments(match func(Document) bool) []Document {
	items := make([]Document, 0)
	for _, doc := range t.s.documents {
		if match(doc) {
			items = append(items, copyDocument(doc))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

func (t *memTx) ListDocumentsByOwner(_ context.Context, ownerID string) ([]Document, error) {
	return t.listDocuments(func(d Document) bool { return d.OwnerID == ownerID }), nil
}

func (t *memTx) ListDocumentsByOrganization(_ context.Context, organizationID string) ([]Document, error) {
	return t.listDocuments(func(d Document) bool {
		return d.OrganizationID != nil && *d.OrganizationID == organizationID
	}), nil
}

func (t *memTx) ListDocumentsByIDs(_ context.Context, ids []string) ([]Document, error) {
	items := make([]Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := t.s.documents[id]; ok {
			items = append(items, copyDocument(doc))
		}
	}
	return items, nil
}

func (t *memTx) GetPermission(_ context.Context, documentID, userID string) (Permission, error) {
	perm, ok := t.s.permissions[permissionKey{documentID, userID}]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

func (t *memTx) ListPermissions(_ context.Context, documentID string) ([]Permission, error) {
	items := make([]Permission, 0)
	for key, perm := range t.s.permissions {
		if key.documentID == documentID {
			items = append(items, perm)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (t *memTx) GetShareLink(_ context.Context, id string) (ShareLink, error) {
	link, ok := t.s.links[id]
	if !ok {
		return ShareLink{}, ErrNotFound
	}
	return copyLink(link), nil
}

func (t *memTx) GetShareLinkByToken(ctx context.Context, token string) (ShareLink, error) {
	id, ok := t.s.tokens[token]
	if !ok {
		return ShareLink{}, ErrNotFound
	}
	return t.GetShareLink(ctx, id)
}

func (t *memTx) ListShareLinks(_ context.Context, documentID string) ([]ShareLink, error) {
	items := make([]ShareLink, 0)
	for _, link := range t.s.links {
		if link.DocumentID == documentID {
			items = append(items, copyLink(link))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (t *memTx) GetVersion(_ context.Context, id string) (Version, error) {
	version, ok := t.s.versions[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	out := version.Version
	out.Description = cloneString(out.Description)
	return out, nil
}

func (t *memTx) ListVersions(_ context.Context, documentID string) ([]Version, error) {
	rows := make([]memVersion, 0)
	for _, version := range t.s.versions {
		if version.DocumentID == documentID {
			rows = append(rows, version)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	items := make([]Version, len(rows))
	for i, row := range rows {
		items[i] = row.Version
		items[i].Description = cloneString(row.Description)
	}
	return items, nil
}

func (t *memTx) GetFolder(_ context.Context, id string) (Folder, error) {
	folder, ok := t.s.folders[id]
	if !ok {
		return Folder{}, ErrNotFound
	}
	return copyFolder(folder), nil
}

func (t *memTx) listFolders(match func(Folder) bool) []Folder {
	items := make([]Folder, 0)
	for _, folder := range t.s.folders {
		if match(folder) {
			items = append(items, copyFolder(folder))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func (t *memTx) ListFoldersByOwner(_ context.Context, ownerID string) ([]Folder, error) {
	return t.listFolders(func(f Folder) bool { return f.OwnerID == ownerID }), nil
}

func (t *memTx) ListFoldersByOrganization(_ context.Context, organizationID string) ([]Folder, error) {
	return t.listFolders(func(f Folder) bool {
		return f.OrganizationID != nil && *f.OrganizationID == organizationID
	}), nil
}

func (t *memTx) InsertDocument(_ context.Context, doc Document) error {
	if _, exists := t.s.documents[doc.ID]; exists {
		return fmt.Errorf("insert document %s: %w", doc.ID, ErrConflict)
	}
	t.s.documents[doc.ID] = copyDocument(doc)
	return nil
}

func (t *memTx) PatchDocument(_ context.Context, id string, patch DocumentPatch) error {
	doc, ok := t.s.documents[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.InitialContent != nil {
		doc.InitialContent = cloneString(patch.InitialContent)
	}
	if patch.ClearFolder {
		doc.FolderID = nil
	} else if patch.FolderID != nil {
		doc.FolderID = cloneString(patch.FolderID)
	}
	if patch.Tags != nil {
		doc.Tags = cloneStrings(*patch.Tags)
	}
	if patch.IsStarred != nil {
		doc.IsStarred = *patch.IsStarred
	}
	t.s.documents[id] = doc
	return nil
}

func (t *memTx) DeleteDocument(_ context.Context, id string) error {
	if _, ok := t.s.documents[id]; !ok {
		return ErrNotFound
	}
	delete(t.s.documents, id)
	for key := range t.s.permissions {
		if key.documentID == id {
			delete(t.s.permissions, key)
		}
	}
	for linkID, link := range t.s.links {
		if link.DocumentID == id {
			delete(t.s.tokens, link.Token)
			delete(t.s.links, linkID)
		}
	}
	for versionID, version := range t.s.versions {
		if version.DocumentID == id {
			delete(t.s.versions, versionID)
		}
	}
	return nil
}

func (t *memTx) UpsertPermission(_ context.Context, perm Permission) (string, error) {
	if _, ok := t.s.documents[perm.DocumentID]; !ok {
		return "", ErrNotFound
	}
	key := permissionKey{perm.DocumentID, perm.UserID}
	if existing, ok := t.s.permissions[key]; ok {
		existing.Role = perm.Role
		t.s.permissions[key] = existing
		return existing.ID, nil
	}
	if perm.ID == "" {
		perm.ID = util.NewID("perm")
	}
	t.s.permissions[key] = perm
	return perm.ID, nil
}

func (t *memTx) DeletePermission(_ context.Context, documentID, userID string) (bool, error) {
	key := permissionKey{documentID, userID}
	if _, ok := t.s.permissions[key]; !ok {
		return false, nil
	}
	delete(t.s.permissions, key)
	return true, nil
}

func (t *memTx) InsertShareLink(_ context.Context, link ShareLink) error {
	if _, ok := t.s.documents[link.DocumentID]; !ok {
		return ErrNotFound
	}
	if _, exists := t.s.tokens[link.Token]; exists {
		return fmt.Errorf("insert share link: token: %w", ErrConflict)
	}
	if _, exists := t.s.links[link.ID]; exists {
		return fmt.Errorf("insert share link %s: %w", link.ID, ErrConflict)
	}
	t.s.links[link.ID] = copyLink(link)
	t.s.tokens[link.Token] = link.ID
	return nil
}

func (t *memTx) DeleteShareLink(_ context.Context, id string) error {
	link, ok := t.s.links[id]
	if !ok {
		return ErrNotFound
	}
	delete(t.s.tokens, link.Token)
	delete(t.s.links, id)
	return nil
}

func (t *memTx) InsertVersion(_ context.Context, version Version) error {
	if _, ok := t.s.documents[version.DocumentID]; !ok {
		return ErrNotFound
	}
	if _, exists := t.s.versions[version.ID]; exists {
		return fmt.Errorf("insert version %s: %w", version.ID, ErrConflict)
	}
	t.s.seq++
	version.Description = cloneString(version.Description)
	t.s.versions[version.ID] = memVersion{Version: version, seq: t.s.seq}
	return nil
}

func (t *memTx) InsertFolder(_ context.Context, folder Folder) error {
	if _, exists := t.s.folders[folder.ID]; exists {
		return fmt.Errorf("insert folder %s: %w", folder.ID, ErrConflict)
	}
	t.s.folders[folder.ID] = copyFolder(folder)
	return nil
}

func (t *memTx) UpdateFolderParent(_ context.Context, id string, parentID *string) error {
	folder, ok := t.s.folders[id]
	if !ok {
		return ErrNotFound
	}
	folder.ParentID = cloneString(parentID)
	t.s.folders[id] = folder
	return nil
}

// DeleteFolder re-parents child folders onto the deleted folder's parent and
// detaches contained documents.
func (t *memTx) DeleteFolder(_ context.Context, id string) error {
	folder, ok := t.s.folders[id]
	if !ok {
		return ErrNotFound
	}
	for childID, child := range t.s.folders {
		if child.ParentID != nil && *child.ParentID == id {
			child.ParentID = cloneString(folder.ParentID)
			t.s.folders[childID] = child
		}
	}
	for docID, doc := range t.s.documents {
		if doc.FolderID != nil && *doc.FolderID == id {
			doc.FolderID = nil
			t.s.documents[docID] = doc
		}
	}
	delete(t.s.folders, id)
	return nil
}
