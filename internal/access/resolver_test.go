package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func strPtr(v string) *string { return &v }

func millis(t time.Time) *int64 {
	v := t.UnixMilli()
	return &v
}

type fixture struct {
	store    *store.MemoryStore
	clock    *clock
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	c := &clock{now: epoch}
	return &fixture{store: s, clock: c, resolver: NewResolver(s, c.Now)}
}

func (f *fixture) update(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

func (f *fixture) document(t *testing.T, doc store.Document) {
	t.Helper()
	f.update(t, func(ctx context.Context, tx store.Tx) error { return tx.InsertDocument(ctx, doc) })
}

func (f *fixture) grant(t *testing.T, docID, userID string, role rbac.Role) {
	t.Helper()
	f.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpsertPermission(ctx, store.Permission{DocumentID: docID, UserID: userID, Role: string(role), CreatedAt: epoch})
		return err
	})
}

func (f *fixture) link(t *testing.T, link store.ShareLink) {
	t.Helper()
	f.update(t, func(ctx context.Context, tx store.Tx) error { return tx.InsertShareLink(ctx, link) })
}

func (f *fixture) resolve(t *testing.T, docID string, p Principal, token string) Decision {
	t.Helper()
	_, decision, err := f.resolver.Check(context.Background(), docID, p, token)
	require.NoError(t, err)
	return decision
}

func TestOwnerAlwaysResolvesEditor(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", OrganizationID: strPtr("orgA"), CreatedAt: epoch})
	f.grant(t, "d1", "u1", rbac.RoleViewer)
	f.link(t, store.ShareLink{ID: "l1", DocumentID: "d1", Token: "tok", Role: "viewer", CreatedBy: "u1"})

	for _, tc := range []struct {
		name string
		p    Principal
		tok  string
	}{
		{name: "bare", p: Principal{ID: "u1"}},
		{name: "other org", p: Principal{ID: "u1", OrganizationID: "orgB"}},
		{name: "with viewer link", p: Principal{ID: "u1"}, tok: "tok"},
		{name: "bogus token", p: Principal{ID: "u1"}, tok: "nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := f.resolve(t, "d1", tc.p, tc.tok)
			assert.Equal(t, rbac.RoleEditor, d.Role)
			assert.Equal(t, RuleOwner, d.Rule)
			assert.True(t, d.IsOwner)
		})
	}
}

func TestOrganizationMemberResolvesEditor(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", OrganizationID: strPtr("orgA"), CreatedAt: epoch})

	d := f.resolve(t, "d1", Principal{ID: "u4", OrganizationID: "orgA"}, "")
	assert.Equal(t, rbac.RoleEditor, d.Role)
	assert.Equal(t, RuleOrganization, d.Rule)
	assert.False(t, d.IsOwner)
}

func TestOrganizationRuleSkippedWithoutOrganization(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})
	f.document(t, store.Document{ID: "d2", Title: "Org", OwnerID: "u1", OrganizationID: strPtr("orgA"), CreatedAt: epoch})

	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d1", Principal{ID: "u4"}, "").Role)
	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d2", Principal{ID: "u4"}, "").Role)
	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d1", Principal{ID: "u4", OrganizationID: "orgA"}, "").Role)
}

func TestExplicitPermissionBeatsShareLink(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})
	f.grant(t, "d1", "u2", rbac.RoleViewer)
	f.link(t, store.ShareLink{ID: "l1", DocumentID: "d1", Token: "edit-tok", Role: "editor", CreatedBy: "u1"})

	d := f.resolve(t, "d1", Principal{ID: "u2"}, "edit-tok")
	assert.Equal(t, rbac.RoleViewer, d.Role)
	assert.Equal(t, RulePermission, d.Rule)
	assert.Empty(t, d.LinkID)
}

func TestShareLinkExpiry(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})
	f.link(t, store.ShareLink{ID: "l-exact", DocumentID: "d1", Token: "exact", Role: "editor", ExpiresAt: millis(epoch), CreatedBy: "u1"})
	f.link(t, store.ShareLink{ID: "l-past", DocumentID: "d1", Token: "past", Role: "editor", ExpiresAt: millis(epoch.Add(-time.Hour)), CreatedBy: "u1"})
	f.link(t, store.ShareLink{ID: "l-future", DocumentID: "d1", Token: "future", Role: "commenter", ExpiresAt: millis(epoch.Add(time.Millisecond)), CreatedBy: "u1"})
	f.link(t, store.ShareLink{ID: "l-forever", DocumentID: "d1", Token: "forever", Role: "viewer", CreatedBy: "u1"})

	caller := Principal{ID: "u3"}
	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d1", caller, "exact").Role)
	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d1", caller, "past").Role)

	d := f.resolve(t, "d1", caller, "future")
	assert.Equal(t, rbac.RoleCommenter, d.Role)
	assert.Equal(t, RuleShareLink, d.Rule)
	assert.Equal(t, "l-future", d.LinkID)

	f.clock.now = epoch.AddDate(10, 0, 0)
	assert.Equal(t, rbac.RoleViewer, f.resolve(t, "d1", caller, "forever").Role)
	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d1", caller, "future").Role)

	err := f.store.View(context.Background(), func(r store.Reader) error {
		_, ok, err := ActiveShareLink(context.Background(), r, "past", f.clock.now)
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
}

func TestShareLinkForOtherDocumentIgnored(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})
	f.document(t, store.Document{ID: "d2", Title: "Other", OwnerID: "u1", CreatedAt: epoch})
	f.link(t, store.ShareLink{ID: "l2", DocumentID: "d2", Token: "tok-d2", Role: "editor", CreatedBy: "u1"})

	assert.Equal(t, rbac.RoleNone, f.resolve(t, "d1", Principal{ID: "u3"}, "tok-d2").Role)
	assert.Equal(t, rbac.RoleEditor, f.resolve(t, "d2", Principal{ID: "u3"}, "tok-d2").Role)
}

func TestUnknownStoredRoleNarrowsToViewer(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})
	f.update(t, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpsertPermission(ctx, store.Permission{DocumentID: "d1", UserID: "u2", Role: "admin"})
		return err
	})

	assert.Equal(t, rbac.RoleViewer, f.resolve(t, "d1", Principal{ID: "u2"}, "").Role)
}

func TestCheckMissingDocument(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.resolver.Check(context.Background(), "missing", Principal{ID: "u1"}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScenarioUnsharedDocument(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})

	d := f.resolve(t, "d1", Principal{ID: "u2"}, "")
	assert.Equal(t, rbac.RoleNone, d.Role)
	assert.False(t, d.Can(rbac.ActionRead))

	state, err := f.resolver.CheckVersions(context.Background(), "d1", Principal{ID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, VersionUnauthorized, state)
}

func TestScenarioViewerCannotComment(t *testing.T) {
	f := newFixture(t)
	f.document(t, store.Document{ID: "d1", Title: "Plan", OwnerID: "u1", CreatedAt: epoch})
	f.grant(t, "d1", "u2", rbac.RoleViewer)

	d := f.resolve(t, "d1", Principal{ID: "u2"}, "")
	assert.Equal(t, rbac.RoleViewer, d.Role)
	assert.True(t, d.Can(rbac.ActionRead))
	assert.False(t, d.Can(rbac.ActionComment))
}

func TestCanDelete(t *testing.T) {
	owner := Decision{Role: rbac.RoleEditor, Rule: RuleOwner, IsOwner: true}
	org := Decision{Role: rbac.RoleEditor, Rule: RuleOrganization}
	viewer := Decision{Role: rbac.RoleViewer, Rule: RulePermission}

	assert.True(t, owner.CanDelete(true))
	assert.False(t, org.CanDelete(true))
	assert.True(t, org.CanDelete(false))
	assert.False(t, viewer.CanDelete(false))
}
