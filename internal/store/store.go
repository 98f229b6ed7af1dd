// Package store is the entity store for documents, permissions, share links,
// folders and version snapshots.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Reader is the query surface available inside one consistent snapshot.
type Reader interface {
	GetDocument(ctx context.Context, id string) (Document, error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error)
	ListDocumentsByOrganization(ctx context.Context, organizationID string) ([]Document, error)
	ListDocumentsByIDs(ctx context.Context, ids []string) ([]Document, error)

	GetPermission(ctx context.Context, documentID, userID string) (Permission, error)
	ListPermissions(ctx context.Context, documentID string) ([]Permission, error)

	GetShareLink(ctx context.Context, id string) (ShareLink, error)
	GetShareLinkByToken(ctx context.Context, token string) (ShareLink, error)
	ListShareLinks(ctx context.Context, documentID string) ([]ShareLink, error)

	GetVersion(ctx context.Context, id string) (Version, error)
	ListVersions(ctx context.Context, documentID string) ([]Version, error)

	GetFolder(ctx context.Context, id string) (Folder, error)
	ListFoldersByOwner(ctx context.Context, ownerID string) ([]Folder, error)
	ListFoldersByOrganization(ctx context.Context, organizationID string) ([]Folder, error)
}

// Tx extends Reader with the write primitives of a single unit of work.
type Tx interface {
	Reader

	InsertDocument(ctx context.Context, doc Document) error
	PatchDocument(ctx context.Context, id string, patch DocumentPatch) error
	DeleteDocument(ctx context.Context, id string) error

	// UpsertPermission keeps at most one row per (documentID, userID) and
	// returns the id of the surviving row.
	UpsertPermission(ctx context.Context, perm Permission) (string, error)
	DeletePermission(ctx context.Context, documentID, userID string) (bool, error)

	InsertShareLink(ctx context.Context, link ShareLink) error
	DeleteShareLink(ctx context.Context, id string) error

	InsertVersion(ctx context.Context, version Version) error

	InsertFolder(ctx context.Context, folder Folder) error
	UpdateFolderParent(ctx context.Context, id string, parentID *string) error
	DeleteFolder(ctx context.Context, id string) error
}

type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}
