package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the comments.fts column. It is the fallback whenever
// Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS returns the Postgres full-text fallback engine.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.fts @@ plainto_tsquery('english', $1) AND c.deleted_at IS NULL"
	args := []any{q.Text}
	if q.PageID != "" {
		where += " AND c.page_id = $2"
		args = append(args, q.PageID)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM comments c WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.page_id, c.username,
			ts_headline('english', c.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel="' || chr(57344) || '",StopSel="' || chr(57345) || '"') AS snippet,
			COALESCE(c.parent_comment_id, ''), COALESCE(c.top_level_comment_id, ''),
			(EXTRACT(EPOCH FROM c.created_at) * 1000)::bigint
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.PageID, &r.Username, &r.Snippet, &r.ParentCommentID, &r.TopLevelCommentID, &r.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Snippet = safeSnippet(r.Snippet)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live comment for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, page_id, username, content,
			COALESCE(parent_comment_id, ''), COALESCE(top_level_comment_id, ''),
			(EXTRACT(EPOCH FROM created_at) * 1000)::bigint
		FROM comments
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var c CommentRecord
		if err := rows.Scan(&c.ID, &c.PageID, &c.Username, &c.Content, &c.ParentCommentID, &c.TopLevelCommentID, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
