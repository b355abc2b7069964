package store

import "time"

const (
	DeletedSentinel   = "[deleted]"
	AnonymousUsername = "Anonymous"
)

// Comment is a stored comment row.
type Comment struct {
	ID                    string
	PageID                string
	Username              string
	Content               string
	Timestamp             time.Time
	EditedAt              *time.Time
	Votes                 int
	ParentCommentID       *string
	TopLevelCommentID     *string
	DescendantCount       int
	DirectChildrenCount   int
	LastSubthreadActivity time.Time
	DeletedAt             *time.Time
}

func (c Comment) IsDeleted() bool {
	return c.DeletedAt != nil
}

// Order selects how FindByPage sorts a page's comments.
type Order string

const (
	OldestFirst Order = "oldest"
	NewestFirst Order = "newest"
)

type FindOptions struct {
	Order  Order
	Limit  int
	Offset int
}

// CounterDelta is applied to one comment in a single atomic statement.
type CounterDelta struct {
	DirectChildren int
	Descendants    int
	Activity       *time.Time
}

type ProtectedPage struct {
	PageID       string
	PageName     string
	PasswordHash string
	Salt         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LegacyMessage is a pre-threading flat message row.
type LegacyMessage struct {
	ID        int64
	PageID    string
	Username  string
	Content   string
	Timestamp time.Time
}
