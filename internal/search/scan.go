package search

import (
	"context"
	"strings"

	"folio/api/internal/store"
)

// ScanSearcher matches titles by scanning the caller's documents through the
// entity store. It backs search when no database index is available.
type ScanSearcher struct {
	store store.Store
}

func NewScanSearcher(s store.Store) *ScanSearcher {
	return &ScanSearcher{store: s}
}

func (s *ScanSearcher) Healthy() bool { return true }

func (s *ScanSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	var docs []store.Document
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		if q.OrganizationID != "" {
			docs, err = r.ListDocumentsByOrganization(ctx, q.OrganizationID)
		} else {
			docs, err = r.ListDocumentsByOwner(ctx, q.OwnerID)
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	matches := make([]Result, 0)
	for _, doc := range docs {
		if !strings.Contains(strings.ToLower(doc.Title), needle) {
			continue
		}
		matches = append(matches, Result{
			ID:             doc.ID,
			Title:          doc.Title,
			Snippet:        doc.Title,
			OwnerID:        doc.OwnerID,
			OrganizationID: deref(doc.OrganizationID),
		})
	}

	total := len(matches)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
