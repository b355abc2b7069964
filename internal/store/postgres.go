package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"inkwell/api/internal/util"
)

const commentColumns = `id, page_id, username, content, created_at, edited_at, votes,
	parent_comment_id, top_level_comment_id, descendant_count, direct_children_count,
	last_subthread_activity, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	err := row.Scan(
		&item.ID,
		&item.PageID,
		&item.Username,
		&item.Content,
		&item.Timestamp,
		&item.EditedAt,
		&item.Votes,
		&item.ParentCommentID,
		&item.TopLevelCommentID,
		&item.DescendantCount,
		&item.DirectChildrenCount,
		&item.LastSubthreadActivity,
		&item.DeletedAt,
	)
	return item, err
}

func (s *PostgresStore) queryComments(ctx context.Context, op, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return item, nil
}

// FindByPage returns a page's comments. A zero Limit means no limit.
func (s *PostgresStore) FindByPage(ctx context.Context, pageID string, opts FindOptions) ([]Comment, error) {
	direction := "ASC"
	if opts.Order == NewestFirst {
		direction = "DESC"
	}
	query := `SELECT ` + commentColumns + ` FROM comments WHERE page_id=$1 ORDER BY created_at ` + direction + `, id ` + direction
	args := []any{pageID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}
	return s.queryComments(ctx, "find comments by page", query, args...)
}

func (s *PostgresStore) ListReplies(ctx context.Context, pageID, parentID string) ([]Comment, error) {
	return s.queryComments(ctx, "list replies", `
		SELECT `+commentColumns+`
		FROM comments
		WHERE page_id=$1 AND parent_comment_id=$2
		ORDER BY created_at ASC, id ASC
	`, pageID, parentID)
}

// ListThread returns the root comment followed by every comment under it.
func (s *PostgresStore) ListThread(ctx context.Context, pageID, topLevelID string) ([]Comment, error) {
	return s.queryComments(ctx, "list thread", `
		SELECT `+commentColumns+`
		FROM comments
		WHERE page_id=$1 AND (id=$2 OR top_level_comment_id=$2)
		ORDER BY (id=$2) DESC, created_at ASC, id ASC
	`, pageID, topLevelID)
}

func (s *PostgresStore) ListActiveThreads(ctx context.Context, pageID string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryComments(ctx, "list active threads", `
		SELECT `+commentColumns+`
		FROM comments
		WHERE page_id=$1 AND parent_comment_id IS NULL
		ORDER BY last_subthread_activity DESC, id DESC
		LIMIT $2
	`, pageID, limit)
}

func validateComment(c Comment) error {
	var missing []string
	if strings.TrimSpace(c.PageID) == "" {
		missing = append(missing, "pageId")
	}
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(c.Content) == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidComment, strings.Join(missing, ", "))
	}
	if (c.ParentCommentID == nil) != (c.TopLevelCommentID == nil) {
		return fmt.Errorf("%w: parent and top-level ids must both be set or both be empty", ErrInvalidComment)
	}
	return nil
}

// InsertComment persists c with zeroed counters and returns the stored row.
func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) (Comment, error) {
	if err := validateComment(c); err != nil {
		return Comment{}, err
	}
	if c.ID == "" {
		c.ID = util.NewID("cmt")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.LastSubthreadActivity.IsZero() {
		c.LastSubthreadActivity = c.Timestamp
	}

	item, err := scanComment(s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, page_id, username, content, created_at, votes, parent_comment_id, top_level_comment_id, last_subthread_activity)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
		RETURNING `+commentColumns,
		c.ID, c.PageID, c.Username, c.Content, c.Timestamp, c.ParentCommentID, c.TopLevelCommentID, c.LastSubthreadActivity,
	))
	if err != nil {
		switch pgCode(err) {
		case pgForeignKeyViolation:
			// The parent vanished between lookup and insert.
			return Comment{}, fmt.Errorf("insert comment: parent: %w", ErrNotFound)
		case pgCheckViolation:
			return Comment{}, fmt.Errorf("insert comment: %w", ErrInvalidComment)
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

// UpdateCounters applies delta in one statement and returns the comment's
// parent id so callers can continue up the ancestor chain.
func (s *PostgresStore) UpdateCounters(ctx context.Context, id string, delta CounterDelta) (*string, error) {
	var parentID *string
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET direct_children_count = GREATEST(direct_children_count + $2, 0),
			descendant_count = GREATEST(descendant_count + $3, 0),
			last_subthread_activity = GREATEST(last_subthread_activity, COALESCE($4, last_subthread_activity))
		WHERE id=$1
		RETURNING parent_comment_id
	`, id, delta.DirectChildren, delta.Descendants, delta.Activity).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update counters: %w", err)
	}
	return parentID, nil
}

// AdjustVotes adds delta to the vote count and returns the new total.
func (s *PostgresStore) AdjustVotes(ctx context.Context, id string, delta int) (int, error) {
	var votes int
	err := s.db.QueryRowContext(ctx, `UPDATE comments SET votes = votes + $2 WHERE id=$1 RETURNING votes`, id, delta).Scan(&votes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust votes: %w", err)
	}
	return votes, nil
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (Comment, error) {
	if strings.TrimSpace(content) == "" {
		return Comment{}, fmt.Errorf("%w: missing content", ErrInvalidComment)
	}
	item, err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET content=$2, edited_at=$3
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+commentColumns,
		id, content, editedAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetComment(ctx, id); getErr != nil {
			return Comment{}, getErr
		}
		return Comment{}, ErrAlreadyDeleted
	}
	if err != nil {
		return Comment{}, fmt.Errorf("update comment content: %w", err)
	}
	return item, nil
}

// SoftDelete blanks a comment that still has replies.
func (s *PostgresStore) SoftDelete(ctx context.Context, id string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET username=$2, content=$2, deleted_at=COALESCE(deleted_at, NOW())
		WHERE id=$1
		RETURNING `+commentColumns,
		id, DeletedSentinel,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("soft delete comment: %w", err)
	}
	return item, nil
}

// HardDelete removes a childless comment. A reply that landed after the
// caller's read surfaces as ErrHasReplies, either through the counter guard
// or through the parent foreign key.
func (s *PostgresStore) HardDelete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1 AND direct_children_count = 0`, id)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return ErrHasReplies
		}
		return fmt.Errorf("hard delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("hard delete comment rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetComment(ctx, id); err != nil {
		return err
	}
	return ErrHasReplies
}

// ReconcileCounters recomputes both child counters from parent links and
// returns how many rows had drifted.
func (s *PostgresStore) ReconcileCounters(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT id AS ancestor_id, id AS node_id FROM comments
			UNION ALL
			SELECT t.ancestor_id, c.id
			FROM tree t
			JOIN comments c ON c.parent_comment_id = t.node_id
		),
		descendants AS (
			SELECT ancestor_id, COUNT(*) - 1 AS total FROM tree GROUP BY ancestor_id
		),
		children AS (
			SELECT parent_comment_id AS id, COUNT(*) AS total
			FROM comments
			WHERE parent_comment_id IS NOT NULL
			GROUP BY parent_comment_id
		)
		UPDATE comments c
		SET descendant_count = d.total,
			direct_children_count = COALESCE(ch.total, 0)
		FROM descendants d
		LEFT JOIN children ch ON ch.id = d.ancestor_id
		WHERE c.id = d.ancestor_id
		  AND (c.descendant_count <> d.total OR c.direct_children_count <> COALESCE(ch.total, 0))
	`)
	if err != nil {
		return 0, fmt.Errorf("reconcile counters: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile counters rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) GetProtectedPage(ctx context.Context, pageID string) (ProtectedPage, error) {
	var page ProtectedPage
	err := s.db.QueryRowContext(ctx, `
		SELECT page_id, page_name, password_hash, salt, created_at, updated_at
		FROM protected_pages
		WHERE page_id=$1
	`, pageID).Scan(&page.PageID, &page.PageName, &page.PasswordHash, &page.Salt, &page.CreatedAt, &page.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProtectedPage{}, ErrNotFound
	}
	if err != nil {
		return ProtectedPage{}, fmt.Errorf("get protected page: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) UpsertProtectedPage(ctx context.Context, page ProtectedPage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protected_pages (page_id, page_name, password_hash, salt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (page_id) DO UPDATE
		SET page_name=EXCLUDED.page_name, password_hash=EXCLUDED.password_hash, salt=EXCLUDED.salt, updated_at=NOW()
	`, page.PageID, page.PageName, page.PasswordHash, page.Salt)
	if err != nil {
		return fmt.Errorf("upsert protected page: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLegacyMessages(ctx context.Context, afterID int64, limit int) ([]LegacyMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(page_id, ''), COALESCE(username, ''), content, created_at
		FROM legacy_messages
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list legacy messages: %w", err)
	}
	defer rows.Close()

	items := make([]LegacyMessage, 0)
	for rows.Next() {
		var item LegacyMessage
		if err := rows.Scan(&item.ID, &item.PageID, &item.Username, &item.Content, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan legacy message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CommentExists(ctx context.Context, username, content string, timestamp time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM comments WHERE username=$1 AND content=$2 AND created_at=$3)
	`, username, content, timestamp).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check comment fingerprint: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DataMigrationApplied(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM data_migrations WHERE name=$1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check data migration %s: %w", name, err)
	}
	return exists, nil
}

func (s *PostgresStore) RecordDataMigration(ctx context.Context, name string, migrated int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_migrations (name, migrated_count)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET migrated_count=EXCLUDED.migrated_count, applied_at=NOW()
	`, name, migrated)
	if err != nil {
		return fmt.Errorf("record data migration %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
