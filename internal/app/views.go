package app

import (
	"time"

	"folio/api/internal/access"
	"folio/api/internal/store"
)

// Timestamps leave the API as epoch milliseconds, the unit share-link
// expiries are stored in.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func documentJSON(doc store.Document) map[string]any {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":             doc.ID,
		"title":          doc.Title,
		"initialContent": doc.InitialContent,
		"ownerId":        doc.OwnerID,
		"organizationId": doc.OrganizationID,
		"folderId":       doc.FolderID,
		"tags":           tags,
		"isStarred":      doc.IsStarred,
		"createdAt":      millis(doc.CreatedAt),
	}
}

func documentsJSON(docs []store.Document) []map[string]any {
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentJSON(doc))
	}
	return items
}

func decisionJSON(decision access.Decision) map[string]any {
	return map[string]any{
		"role":    decision.Role,
		"rule":    decision.Rule,
		"isOwner": decision.IsOwner,
	}
}

func permissionJSON(perm store.Permission) map[string]any {
	return map[string]any{
		"id":         perm.ID,
		"documentId": perm.DocumentID,
		"userId":     perm.UserID,
		"role":       perm.Role,
		"createdAt":  millis(perm.CreatedAt),
	}
}

func shareLinkJSON(link store.ShareLink) map[string]any {
	return map[string]any{
		"id":         link.ID,
		"documentId": link.DocumentID,
		"token":      link.Token,
		"role":       link.Role,
		"expiresAt":  link.ExpiresAt,
		"createdBy":  link.CreatedBy,
		"createdAt":  millis(link.CreatedAt),
	}
}

func versionJSON(version store.Version) map[string]any {
	return map[string]any{
		"id":          version.ID,
		"documentId":  version.DocumentID,
		"content":     version.Content,
		"title":       version.Title,
		"description": version.Description,
		"createdBy":   version.CreatedBy,
		"commit":      version.CommitHash,
		"createdAt":   millis(version.CreatedAt),
	}
}

func folderJSON(folder store.Folder) map[string]any {
	return map[string]any{
		"id":             folder.ID,
		"name":           folder.Name,
		"ownerId":        folder.OwnerID,
		"organizationId": folder.OrganizationID,
		"parentId":       folder.ParentID,
		"createdAt":      millis(folder.CreatedAt),
	}
}
