// Package search finds comments by their text. Meilisearch serves queries
// when it is configured and healthy; PostgreSQL full-text search is the
// fallback.
package search

import (
	"time"

	"civicplan/api/internal/store"
)

// Result is a single comment hit returned to the caller.
type Result struct {
	ID           string             `json:"id"`
	ResourceType store.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
	AuthorID     string             `json:"authorId"`
	AuthorName   string             `json:"authorName"`
	Snippet      string             `json:"snippet"`
	Resolved     bool               `json:"resolved"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// Query describes a search request. Empty filters match everything.
type Query struct {
	Text         string
	ResourceType store.ResourceType
	ResourceID   string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	ParentID     string `json:"parentId"`
	AuthorID     string `json:"authorId"`
	AuthorName   string `json:"authorName"`
	Content      string `json:"content"`
	Resolved     bool   `json:"resolved"`
	CreatedAt    int64  `json:"createdAt"`
}

func RecordFromComment(c store.Comment) CommentRecord {
	record := CommentRecord{
		ID:           c.ID,
		ResourceType: string(c.ResourceType),
		ResourceID:   c.ResourceID,
		AuthorID:     c.AuthorID,
		AuthorName:   c.AuthorName,
		Content:      c.Content,
		Resolved:     c.Resolved,
		CreatedAt:    c.CreatedAt.Unix(),
	}
	if c.ParentID != nil {
		record.ParentID = *c.ParentID
	}
	return record
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
