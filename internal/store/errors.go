package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidComment = errors.New("invalid comment")
	ErrHasReplies     = errors.New("comment has replies")
	ErrAlreadyDeleted = errors.New("comment already deleted")
)

const (
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// IsTimeout reports whether err came from an expired deadline or a
// cancelled statement rather than a failed one.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
