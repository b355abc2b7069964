package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/api/db"
)

func strPtr(s string) *string { return &s }

func TestValidateCommentRequiresFields(t *testing.T) {
	err := validateComment(Comment{PageID: "p1", Username: " ", Content: ""})
	require.ErrorIs(t, err, ErrInvalidComment)
	assert.Contains(t, err.Error(), "username, content")
}

func TestValidateCommentRequiresPairedThreadIDs(t *testing.T) {
	err := validateComment(Comment{PageID: "p1", Username: "ann", Content: "hi", ParentCommentID: strPtr("cmt_1")})
	require.ErrorIs(t, err, ErrInvalidComment)

	err = validateComment(Comment{PageID: "p1", Username: "ann", Content: "hi", ParentCommentID: strPtr("cmt_1"), TopLevelCommentID: strPtr("cmt_1")})
	require.NoError(t, err)
}

func TestIsTimeout(t *testing.T) {
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsTimeout(errors.New("boom")))
	assert.True(t, IsTimeout(fmt.Errorf("get comment: %w", context.DeadlineExceeded)))
}

func TestPgCode(t *testing.T) {
	err := fmt.Errorf("insert comment: %w", &pgconn.PgError{Code: pgForeignKeyViolation})
	assert.Equal(t, pgForeignKeyViolation, pgCode(err))
	assert.Equal(t, "", pgCode(errors.New("plain")))
}

func openMigratedStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := testDatabaseURL(t)

	conn, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, resetPublicSchema(ctx, conn))
	source, err := MigrationSource("", db.Migrations)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, conn, source))
	return NewPostgresStore(conn)
}

func TestPostgresCommentLifecycle(t *testing.T) {
	s := openMigratedStore(t)
	ctx := context.Background()

	root, err := s.InsertComment(ctx, Comment{PageID: "p1", Username: "ann", Content: "root"})
	require.NoError(t, err)
	assert.Nil(t, root.ParentCommentID)
	assert.Zero(t, root.DescendantCount)

	reply, err := s.InsertComment(ctx, Comment{
		PageID:            "p1",
		Username:          "bob",
		Content:           "reply",
		ParentCommentID:   strPtr(root.ID),
		TopLevelCommentID: strPtr(root.ID),
	})
	require.NoError(t, err)

	activity := reply.Timestamp
	parentID, err := s.UpdateCounters(ctx, root.ID, CounterDelta{DirectChildren: 1, Descendants: 1, Activity: &activity})
	require.NoError(t, err)
	assert.Nil(t, parentID)

	got, err := s.GetComment(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DirectChildrenCount)
	assert.Equal(t, 1, got.DescendantCount)

	require.ErrorIs(t, s.HardDelete(ctx, root.ID), ErrHasReplies)

	votes, err := s.AdjustVotes(ctx, reply.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, -1, votes)

	thread, err := s.ListThread(ctx, "p1", root.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, root.ID, thread[0].ID)

	deleted, err := s.SoftDelete(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, DeletedSentinel, deleted.Username)
	assert.Equal(t, DeletedSentinel, deleted.Content)
	assert.True(t, deleted.IsDeleted())

	_, err = s.UpdateContent(ctx, root.ID, "edited", time.Now().UTC())
	require.ErrorIs(t, err, ErrAlreadyDeleted)

	require.NoError(t, s.HardDelete(ctx, reply.ID))
	_, err = s.GetComment(ctx, reply.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresInsertReplyToMissingParent(t *testing.T) {
	s := openMigratedStore(t)

	_, err := s.InsertComment(context.Background(), Comment{
		PageID:            "p1",
		Username:          "ann",
		Content:           "orphan",
		ParentCommentID:   strPtr("cmt_missing"),
		TopLevelCommentID: strPtr("cmt_missing"),
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresReconcileCountersRepairsDrift(t *testing.T) {
	s := openMigratedStore(t)
	ctx := context.Background()

	root, err := s.InsertComment(ctx, Comment{PageID: "p1", Username: "ann", Content: "root"})
	require.NoError(t, err)
	child, err := s.InsertComment(ctx, Comment{PageID: "p1", Username: "bob", Content: "child", ParentCommentID: strPtr(root.ID), TopLevelCommentID: strPtr(root.ID)})
	require.NoError(t, err)
	_, err = s.InsertComment(ctx, Comment{PageID: "p1", Username: "cy", Content: "grandchild", ParentCommentID: strPtr(child.ID), TopLevelCommentID: strPtr(root.ID)})
	require.NoError(t, err)

	fixed, err := s.ReconcileCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fixed)

	got, err := s.GetComment(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DirectChildrenCount)
	assert.Equal(t, 2, got.DescendantCount)

	fixed, err = s.ReconcileCounters(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}
