package store

import "time"

type Document struct {
	ID             string
	Title          string
	InitialContent *string
	OwnerID        string
	OrganizationID *string
	FolderID       *string
	Tags           []string
	IsStarred      bool
	CreatedAt      time.Time
}

// DocumentPatch carries the mutable document fields. Nil means unchanged.
// OwnerID is deliberately absent.
type DocumentPatch struct {
	Title          *string
	InitialContent *string
	FolderID       *string
	ClearFolder    bool
	Tags           *[]string
	IsStarred      *bool
}

func (p DocumentPatch) Empty() bool {
	return p.Title == nil && p.InitialContent == nil && p.FolderID == nil && !p.ClearFolder && p.Tags == nil && p.IsStarred == nil
}

type Permission struct {
	ID         string
	DocumentID string
	UserID     string
	Role       string
	CreatedAt  time.Time
}

type ShareLink struct {
	ID         string
	DocumentID string
	Token      string
	Role       string
	ExpiresAt  *int64 // epoch millis; nil never expires
	CreatedBy  string
	CreatedAt  time.Time
}

// Active reports whether the link is usable at nowMillis. A link whose
// expiry has passed is treated as nonexistent by every reader.
func (l ShareLink) Active(nowMillis int64) bool {
	return l.ExpiresAt == nil || *l.ExpiresAt > nowMillis
}

type Folder struct {
	ID             string
	Name           string
	OwnerID        string
	OrganizationID *string
	ParentID       *string
	CreatedAt      time.Time
}

type Version struct {
	ID          string
	DocumentID  string
	Content     string
	Title       string
	CreatedBy   string
	Description *string
	CommitHash  string
	CreatedAt   time.Time
}

func cloneStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
