// Package search finds documents by title within the caller's scope.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Snippet        string `json:"snippet"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// Query describes a search request. When OrganizationID is set the search
// covers the organization's documents; otherwise only OwnerID's.
type Query struct {
	Text           string
	OwnerID        string
	OrganizationID string
	Limit          int
	Offset         int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a title search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RecordLoader yields every indexable document, for full reindexing.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]DocumentRecord, error)
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
}
