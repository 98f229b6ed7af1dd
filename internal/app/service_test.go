package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/api/internal/access"
	"folio/api/internal/auth"
	"folio/api/internal/collab"
	"folio/api/internal/directory"
	"folio/api/internal/gitrepo"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	owner      = auth.Identity{PrincipalID: "u1", OrganizationID: "o1", DisplayName: "Ada", Email: "ada@example.com"}
	teammate   = auth.Identity{PrincipalID: "u2", OrganizationID: "o1", DisplayName: "Grace"}
	outsider   = auth.Identity{PrincipalID: "u3", Email: "u3@example.com"}
	stranger   = auth.Identity{PrincipalID: "u4"}
	anonymous  = auth.Identity{}
	soloWriter = auth.Identity{PrincipalID: "u5", DisplayName: "Solo"}
)

type fakeCollab struct {
	calls []collab.AuthorizeRequest
}

func (f *fakeCollab) Authorize(_ context.Context, req collab.AuthorizeRequest) (collab.AuthorizeResponse, error) {
	f.calls = append(f.calls, req)
	return collab.AuthorizeResponse{Status: 200, Body: []byte(`{"token":"session"}`)}, nil
}

type fakeDirectory struct {
	remembered []auth.Identity
	profiles   []directory.Profile
	err        error
	pingErr    error
}

func (f *fakeDirectory) Remember(_ context.Context, identity auth.Identity) error {
	f.remembered = append(f.remembered, identity)
	return nil
}

func (f *fakeDirectory) ListOrganization(context.Context, string) ([]directory.Profile, error) {
	return f.profiles, f.err
}

func (f *fakeDirectory) Ping(context.Context) error {
	return f.pingErr
}

type serviceFixture struct {
	store   *store.MemoryStore
	now     time.Time
	collab  *fakeCollab
	service *Service
}

func newServiceFixture(t *testing.T, mutate ...func(*Deps)) *serviceFixture {
	t.Helper()
	f := &serviceFixture{store: store.NewMemoryStore(), now: epoch, collab: &fakeCollab{}}
	deps := Deps{
		Store:               f.store,
		Collab:              f.collab,
		DeleteRequiresOwner: true,
		Now:                 func() time.Time { return f.now },
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	f.service = New(deps)
	return f
}

func (f *serviceFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *serviceFixture) createDocument(t *testing.T, identity auth.Identity, title string) store.Document {
	t.Helper()
	doc, err := f.service.CreateDocument(context.Background(), identity, CreateDocumentInput{Title: title})
	require.NoError(t, err)
	return doc
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, code, domainErr.Code, domainErr.Message)
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func TestCreateDocumentDefaults(t *testing.T) {
	f := newServiceFixture(t)
	doc, err := f.service.CreateDocument(context.Background(), owner, CreateDocumentInput{Tags: []string{" plan ", "plan", ""}})
	require.NoError(t, err)

	assert.Equal(t, defaultDocumentTitle, doc.Title)
	assert.Equal(t, "u1", doc.OwnerID)
	require.NotNil(t, doc.OrganizationID)
	assert.Equal(t, "o1", *doc.OrganizationID)
	assert.Equal(t, []string{"plan"}, doc.Tags)
	assert.Equal(t, epoch, doc.CreatedAt)
}

// An organization member edits a document nobody shared with them.
func TestOrganizationMemberEditsWithoutGrant(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Roadmap")

	updated, err := f.service.UpdateDocument(ctx, teammate, doc.ID, "", UpdateDocumentInput{Title: strPtr("Roadmap v2")})
	require.NoError(t, err)
	assert.Equal(t, "Roadmap v2", updated.Title)
	assert.Equal(t, "u1", updated.OwnerID)

	mine, err := f.service.MyPermission(ctx, teammate, doc.ID, "")
	require.NoError(t, err)
	require.NotNil(t, mine)
	assert.Equal(t, MyAccess{Role: rbac.RoleEditor, IsOwner: false, Rule: access.RuleOrganization}, *mine)

	perms, err := f.service.ListPermissions(ctx, teammate, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

// A viewer reads but cannot write, share or grant.
func TestViewerCannotEscalate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Budget")

	_, err := f.service.Grant(ctx, owner, doc.ID, outsider.PrincipalID, "viewer")
	require.NoError(t, err)

	_, decision, err := f.service.GetDocument(ctx, outsider, doc.ID, "")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleViewer, decision.Role)
	assert.Equal(t, access.RulePermission, decision.Rule)

	_, err = f.service.UpdateDocument(ctx, outsider, doc.ID, "", UpdateDocumentInput{Title: strPtr("Mine")})
	requireCode(t, err, CodeForbidden)

	_, err = f.service.Grant(ctx, outsider, doc.ID, outsider.PrincipalID, "editor")
	requireCode(t, err, CodeForbidden)

	_, err = f.service.CreateShareLink(ctx, outsider, doc.ID, CreateShareLinkInput{Role: "editor"})
	requireCode(t, err, CodeForbidden)

	_, err = f.service.ListShareLinks(ctx, outsider, doc.ID)
	requireCode(t, err, CodeForbidden)

	_, err = f.service.CreateVersion(ctx, outsider, doc.ID, CreateVersionInput{Content: "x"})
	requireCode(t, err, CodeForbidden)
}

func TestStrangerIsRefused(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Secret")

	_, _, err := f.service.GetDocument(ctx, stranger, doc.ID, "")
	requireCode(t, err, CodeForbidden)

	_, _, err = f.service.GetDocument(ctx, stranger, doc.ID, "no-such-token")
	requireCode(t, err, CodeForbidden)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "Share link expired or deleted", domainErr.Message)

	_, err = f.service.ListPermissions(ctx, stranger, doc.ID)
	requireCode(t, err, CodeForbidden)

	mine, err := f.service.MyPermission(ctx, stranger, doc.ID, "")
	require.NoError(t, err)
	assert.Nil(t, mine)

	_, _, err = f.service.GetDocument(ctx, stranger, "missing", "")
	requireCode(t, err, CodeNotFound)
}

func TestUnauthenticatedCallsAreRejected(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateDocument(ctx, anonymous, CreateDocumentInput{Title: "x"})
	requireCode(t, err, CodeUnauthorized)
	_, err = f.service.ListDocuments(ctx, anonymous)
	requireCode(t, err, CodeUnauthorized)
	_, err = f.service.Grant(ctx, anonymous, "d1", "u2", "viewer")
	requireCode(t, err, CodeUnauthorized)
	_, err = f.service.ListVersions(ctx, anonymous, "d1")
	requireCode(t, err, CodeUnauthorized)
	err = f.service.DeleteShareLink(ctx, anonymous, "l1")
	requireCode(t, err, CodeUnauthorized)

	_, err = f.service.AuthorizeSession(ctx, anonymous, "d1", "")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	mine, err := f.service.MyPermission(ctx, anonymous, "d1", "")
	require.NoError(t, err)
	assert.Nil(t, mine)
}

func TestGrantUpsertKeepsOneRow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Notes")

	first, err := f.service.Grant(ctx, owner, doc.ID, "u9", "viewer")
	require.NoError(t, err)
	second, err := f.service.Grant(ctx, owner, doc.ID, "u9", "editor")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	perms, err := f.service.ListPermissions(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "editor", perms[0].Role)

	require.NoError(t, f.service.Revoke(ctx, owner, doc.ID, "u9"))
	require.NoError(t, f.service.Revoke(ctx, owner, doc.ID, "u9"))
	perms, err = f.service.ListPermissions(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestConcurrentGrantsKeepOneRow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Notes")

	roles := []string{"viewer", "commenter", "editor"}
	const callers = 12
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.service.Grant(ctx, owner, doc.ID, "u9", roles[i%len(roles)])
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	perms, err := f.service.ListPermissions(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, ids[0], perms[0].ID)
}

func TestGrantValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Notes")

	_, err := f.service.Grant(ctx, owner, doc.ID, "u9", "admin")
	requireCode(t, err, CodeValidation)
	_, err = f.service.Grant(ctx, owner, doc.ID, "  ", "viewer")
	requireCode(t, err, CodeValidation)
	_, err = f.service.Grant(ctx, owner, "missing", "u9", "viewer")
	requireCode(t, err, CodeNotFound)
}

func TestExplicitEditorMayGrant(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, soloWriter, "Draft")

	_, err := f.service.Grant(ctx, soloWriter, doc.ID, outsider.PrincipalID, "editor")
	require.NoError(t, err)
	_, err = f.service.Grant(ctx, outsider, doc.ID, stranger.PrincipalID, "commenter")
	require.NoError(t, err)

	mine, err := f.service.MyPermission(ctx, stranger, doc.ID, "")
	require.NoError(t, err)
	require.NotNil(t, mine)
	assert.Equal(t, rbac.RoleCommenter, mine.Role)
}

func TestShareLinkExpiry(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Launch")

	link, err := f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "viewer", ExpiresInDays: intPtr(1)})
	require.NoError(t, err)
	require.NotNil(t, link.ExpiresAt)
	assert.Equal(t, epoch.UnixMilli()+86_400_000, *link.ExpiresAt)
	assert.GreaterOrEqual(t, len(link.Token), 43)

	found, err := f.service.GetShareLinkByToken(ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, link.ID, found.ID)

	_, decision, err := f.service.GetDocument(ctx, stranger, doc.ID, link.Token)
	require.NoError(t, err)
	assert.Equal(t, access.RuleShareLink, decision.Rule)

	f.advance(24*time.Hour + time.Millisecond)

	_, err = f.service.GetShareLinkByToken(ctx, link.Token)
	requireCode(t, err, CodeNotFound)

	_, _, err = f.service.GetDocument(ctx, stranger, doc.ID, link.Token)
	requireCode(t, err, CodeForbidden)

	links, err := f.service.ListShareLinks(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestShareLinkValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Launch")

	_, err := f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "owner"})
	requireCode(t, err, CodeValidation)
	_, err = f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "viewer", ExpiresInDays: intPtr(0)})
	requireCode(t, err, CodeValidation)
	_, err = f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "viewer", ExpiresInDays: intPtr(-3)})
	requireCode(t, err, CodeValidation)
	_, err = f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "editor", ExpiresInDays: intPtr(200_000_000_000)})
	requireCode(t, err, CodeValidation)
	_, err = f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "editor", ExpiresInDays: intPtr(maxShareLinkDays + 1)})
	requireCode(t, err, CodeValidation)

	links, err := f.service.ListShareLinks(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, links)

	longest, err := f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "viewer", ExpiresInDays: intPtr(maxShareLinkDays)})
	require.NoError(t, err)
	require.NotNil(t, longest.ExpiresAt)
	assert.Equal(t, f.now.UnixMilli()+int64(maxShareLinkDays)*millisPerDay, *longest.ExpiresAt)
	_, err = f.service.GetShareLinkByToken(ctx, longest.Token)
	require.NoError(t, err)
}

func TestShareLinkCreatorMayDeleteAfterDemotion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, soloWriter, "Proposal")

	_, err := f.service.Grant(ctx, soloWriter, doc.ID, outsider.PrincipalID, "editor")
	require.NoError(t, err)
	link, err := f.service.CreateShareLink(ctx, outsider, doc.ID, CreateShareLinkInput{Role: "viewer"})
	require.NoError(t, err)
	other, err := f.service.CreateShareLink(ctx, soloWriter, doc.ID, CreateShareLinkInput{Role: "viewer"})
	require.NoError(t, err)

	_, err = f.service.Grant(ctx, soloWriter, doc.ID, outsider.PrincipalID, "viewer")
	require.NoError(t, err)

	err = f.service.DeleteShareLink(ctx, outsider, other.ID)
	requireCode(t, err, CodeForbidden)
	require.NoError(t, f.service.DeleteShareLink(ctx, outsider, link.ID))

	err = f.service.DeleteShareLink(ctx, outsider, link.ID)
	requireCode(t, err, CodeNotFound)
}

func TestSessionGrantFollowsShareLink(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Board")

	link, err := f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "commenter", ExpiresInDays: intPtr(2)})
	require.NoError(t, err)

	resp, err := f.service.AuthorizeSession(ctx, outsider, doc.ID, link.Token)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	require.Len(t, f.collab.calls, 1)
	assert.Equal(t, collab.GrantCommenter, f.collab.calls[0].Grant)
	assert.Equal(t, "u3@example.com", f.collab.calls[0].UserInfo.Name)

	f.advance(48 * time.Hour)
	_, err = f.service.AuthorizeSession(ctx, outsider, doc.ID, link.Token)
	assert.ErrorIs(t, err, collab.ErrShareLinkInvalid)
	assert.Len(t, f.collab.calls, 1)
}

// Version history opens to strangers while an active share link exists.
func TestVersionGate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "History")

	version, err := f.service.CreateVersion(ctx, owner, doc.ID, CreateVersionInput{Content: "v1 body", Description: strPtr("first")})
	require.NoError(t, err)
	assert.Equal(t, "History", version.Title)
	assert.Empty(t, version.CommitHash)

	versions, err := f.service.ListVersions(ctx, stranger, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
	_, err = f.service.GetVersion(ctx, stranger, version.ID)
	requireCode(t, err, CodeForbidden)

	_, err = f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "viewer", ExpiresInDays: intPtr(1)})
	require.NoError(t, err)

	versions, err = f.service.ListVersions(ctx, stranger, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	got, err := f.service.GetVersion(ctx, stranger, version.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1 body", got.Content)

	f.advance(25 * time.Hour)
	versions, err = f.service.ListVersions(ctx, stranger, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = f.service.ListVersions(ctx, owner, "missing")
	requireCode(t, err, CodeNotFound)
	_, err = f.service.GetVersion(ctx, owner, "missing")
	requireCode(t, err, CodeNotFound)
}

func TestVersionsListNewestFirst(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Log")

	for _, body := range []string{"one", "two", "three"} {
		_, err := f.service.CreateVersion(ctx, teammate, doc.ID, CreateVersionInput{Content: body})
		require.NoError(t, err)
		f.advance(time.Minute)
	}
	versions, err := f.service.ListVersions(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "three", versions[0].Content)
	assert.Equal(t, "one", versions[2].Content)
	assert.Equal(t, "u2", versions[0].CreatedBy)
}

func TestCreateVersionArchivesContent(t *testing.T) {
	archive := gitrepo.New(t.TempDir())
	f := newServiceFixture(t, func(d *Deps) { d.Archive = archive })
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Archived")

	version, err := f.service.CreateVersion(ctx, owner, doc.ID, CreateVersionInput{Content: "committed body", Title: "Cut 1"})
	require.NoError(t, err)
	assert.Len(t, version.CommitHash, 40)

	snap, err := archive.Read(doc.ID, version.CommitHash)
	require.NoError(t, err)
	assert.Equal(t, "committed body", snap.Content)
	assert.Equal(t, "Cut 1", snap.Title)

	got, err := f.service.GetVersion(ctx, owner, version.ID)
	require.NoError(t, err)
	assert.Equal(t, "committed body", got.Content)

	require.NoError(t, f.service.DeleteDocument(ctx, owner, doc.ID))
	_, err = archive.Read(doc.ID, version.CommitHash)
	assert.Error(t, err)
}

func TestDeleteRequiresOwnerByDefault(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Keep")

	err := f.service.DeleteDocument(ctx, teammate, doc.ID)
	requireCode(t, err, CodeForbidden)

	require.NoError(t, f.service.DeleteDocument(ctx, owner, doc.ID))
	_, _, err = f.service.GetDocument(ctx, owner, doc.ID, "")
	requireCode(t, err, CodeNotFound)
}

func TestDeleteByEditorWhenOwnerNotRequired(t *testing.T) {
	f := newServiceFixture(t, func(d *Deps) { d.DeleteRequiresOwner = false })
	ctx := context.Background()
	doc := f.createDocument(t, soloWriter, "Shared")

	_, err := f.service.Grant(ctx, soloWriter, doc.ID, outsider.PrincipalID, "commenter")
	require.NoError(t, err)
	err = f.service.DeleteDocument(ctx, outsider, doc.ID)
	requireCode(t, err, CodeForbidden)

	_, err = f.service.Grant(ctx, soloWriter, doc.ID, outsider.PrincipalID, "editor")
	require.NoError(t, err)
	_, err = f.service.CreateShareLink(ctx, soloWriter, doc.ID, CreateShareLinkInput{Role: "viewer"})
	require.NoError(t, err)
	require.NoError(t, f.service.DeleteDocument(ctx, outsider, doc.ID))

	err = f.store.View(ctx, func(r store.Reader) error {
		links, err := r.ListShareLinks(ctx, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, links)
		_, err = r.GetPermission(ctx, doc.ID, outsider.PrincipalID)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestListDocumentsScope(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createDocument(t, owner, "Org A")
	f.advance(time.Second)
	f.createDocument(t, teammate, "Org B")
	f.createDocument(t, soloWriter, "Private")

	docs, err := f.service.ListDocuments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Org B", docs[0].Title)

	docs, err = f.service.ListDocuments(ctx, soloWriter)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Private", docs[0].Title)
}

func TestGetDocumentsByIDsFiltersUnreadable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	mine := f.createDocument(t, soloWriter, "Mine")
	theirs := f.createDocument(t, owner, "Theirs")

	docs, err := f.service.GetDocumentsByIDs(ctx, soloWriter, []string{mine.ID, theirs.ID, "missing", mine.ID})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, mine.ID, docs[0].ID)
}

func TestSearchDocumentsScoped(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createDocument(t, owner, "Quarterly plan")
	f.createDocument(t, soloWriter, "Plan for me")

	resp, err := f.service.SearchDocuments(ctx, teammate, "plan", 10, 0)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Quarterly plan", resp.Results[0].Title)
	assert.Equal(t, 1, resp.Total)
}

func TestUpdateDocumentFolderAndTags(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Filed")
	folder, err := f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "Reports"})
	require.NoError(t, err)

	starred := true
	tags := []string{"q1", "finance"}
	updated, err := f.service.UpdateDocument(ctx, owner, doc.ID, "", UpdateDocumentInput{FolderID: &folder.ID, Tags: &tags, IsStarred: &starred})
	require.NoError(t, err)
	require.NotNil(t, updated.FolderID)
	assert.Equal(t, folder.ID, *updated.FolderID)
	assert.Equal(t, tags, updated.Tags)
	assert.True(t, updated.IsStarred)

	updated, err = f.service.UpdateDocument(ctx, owner, doc.ID, "", UpdateDocumentInput{FolderID: strPtr("")})
	require.NoError(t, err)
	assert.Nil(t, updated.FolderID)

	_, err = f.service.UpdateDocument(ctx, owner, doc.ID, "", UpdateDocumentInput{Title: strPtr("   ")})
	requireCode(t, err, CodeValidation)

	foreign, err := f.service.CreateFolder(ctx, soloWriter, CreateFolderInput{Name: "Elsewhere"})
	require.NoError(t, err)
	_, err = f.service.UpdateDocument(ctx, owner, doc.ID, "", UpdateDocumentInput{FolderID: &foreign.ID})
	requireCode(t, err, CodeForbidden)
}

func TestEditorShareLinkCanWrite(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.createDocument(t, owner, "Open")

	link, err := f.service.CreateShareLink(ctx, owner, doc.ID, CreateShareLinkInput{Role: "editor"})
	require.NoError(t, err)

	updated, err := f.service.UpdateDocument(ctx, stranger, doc.ID, link.Token, UpdateDocumentInput{Title: strPtr("Edited by link")})
	require.NoError(t, err)
	assert.Equal(t, "Edited by link", updated.Title)

	_, err = f.service.Grant(ctx, stranger, doc.ID, stranger.PrincipalID, "editor")
	requireCode(t, err, CodeForbidden)
}

func TestFolderMoveRejectsCycles(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	a, err := f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "A"})
	require.NoError(t, err)
	b, err := f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "B", ParentID: &a.ID})
	require.NoError(t, err)
	c, err := f.service.CreateFolder(ctx, teammate, CreateFolderInput{Name: "C", ParentID: &b.ID})
	require.NoError(t, err)

	_, err = f.service.MoveFolder(ctx, owner, a.ID, &c.ID)
	requireCode(t, err, CodeValidation)
	_, err = f.service.MoveFolder(ctx, owner, a.ID, &a.ID)
	requireCode(t, err, CodeValidation)

	moved, err := f.service.MoveFolder(ctx, owner, c.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)

	moved, err = f.service.MoveFolder(ctx, owner, a.ID, &c.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, c.ID, *moved.ParentID)

	_, err = f.service.MoveFolder(ctx, soloWriter, a.ID, nil)
	requireCode(t, err, CodeForbidden)
}

func TestEnsureNotDescendantToleratesLegacyCycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		for _, folder := range []store.Folder{
			{ID: "x", Name: "X", OwnerID: "u1"},
			{ID: "y", Name: "Y", OwnerID: "u1", ParentID: strPtr("x")},
			{ID: "z", Name: "Z", OwnerID: "u1"},
		} {
			if err := tx.InsertFolder(ctx, folder); err != nil {
				return err
			}
		}
		return tx.UpdateFolderParent(ctx, "x", strPtr("y"))
	}))

	err := f.store.View(ctx, func(r store.Reader) error {
		return ensureNotDescendant(ctx, r, "z", "x")
	})
	assert.NoError(t, err)
}

func TestFolderCreateAndDelete(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "  "})
	requireCode(t, err, CodeValidation)
	_, err = f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "Orphan", ParentID: strPtr("missing")})
	requireCode(t, err, CodeNotFound)

	parent, err := f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "Parent"})
	require.NoError(t, err)
	child, err := f.service.CreateFolder(ctx, owner, CreateFolderInput{Name: "Child", ParentID: &parent.ID})
	require.NoError(t, err)

	err = f.service.DeleteFolder(ctx, teammate, parent.ID)
	requireCode(t, err, CodeForbidden)
	require.NoError(t, f.service.DeleteFolder(ctx, owner, parent.ID))

	folders, err := f.service.ListFolders(ctx, teammate)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, child.ID, folders[0].ID)
	assert.Nil(t, folders[0].ParentID)
}

func TestListOrganizationUsers(t *testing.T) {
	dir := &fakeDirectory{profiles: []directory.Profile{
		{ID: "u2", Name: "Grace", OrganizationID: "o1"},
		{ID: "u7", Email: "lin@example.com", OrganizationID: "o1"},
	}}
	f := newServiceFixture(t, func(d *Deps) { d.Directory = dir })
	ctx := context.Background()

	users, err := f.service.ListOrganizationUsers(ctx, owner)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "Grace", users[0].Name)
	assert.Equal(t, collab.PresenceColor("Grace"), users[0].Color)
	assert.Equal(t, "lin@example.com", users[1].Name)
	assert.Equal(t, "u1", users[2].ID)

	users, err = f.service.ListOrganizationUsers(ctx, soloWriter)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Solo", users[0].Name)

	dir.err = errors.New("redis down")
	users, err = f.service.ListOrganizationUsers(ctx, owner)
	require.NoError(t, err)
	require.Len(t, users, 1)

	f.service.RememberIdentity(ctx, teammate)
	f.service.RememberIdentity(ctx, anonymous)
	assert.Equal(t, []auth.Identity{teammate}, dir.remembered)
}
