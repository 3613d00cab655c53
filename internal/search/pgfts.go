package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"civicplan/api/internal/store"
)

// PgFTS searches comments with PostgreSQL full-text search over the
// generated comments.search_vector column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks matches with ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `
		FROM comments c
		WHERE c.search_vector @@ plainto_tsquery('english', $1)
		  AND ($2='' OR c.resource_type=$2)
		  AND ($3='' OR c.resource_id=$3)`
	args := []any{q.Text, string(q.ResourceType), q.ResourceID}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.resource_type, c.resource_id, c.author_id, c.author_name,
			ts_headline('english', c.content, plainto_tsquery('english', $1), 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30'),
			c.resolved, c.created_at
		%s
		ORDER BY ts_rank(c.search_vector, plainto_tsquery('english', $1)) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`, where, normalizeLimit(q.Limit), offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var resourceType string
		if err := rows.Scan(&r.ID, &resourceType, &r.ResourceID, &r.AuthorID, &r.AuthorName, &r.Snippet, &r.Resolved, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ResourceType = store.ResourceType(resourceType)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every comment for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, COALESCE(parent_id, ''), author_id, author_name, content, resolved, created_at
		FROM comments
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var c store.Comment
		var parentID string
		if err := rows.Scan(&c.ID, &c.ResourceType, &c.ResourceID, &parentID, &c.AuthorID, &c.AuthorName, &c.Content, &c.Resolved, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		record := RecordFromComment(c)
		record.ParentID = parentID
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
