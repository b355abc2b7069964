package search

import "context"

// Result is a single comment hit returned to the caller.
type Result struct {
	ID                string `json:"id"`
	PageID            string `json:"pageId"`
	Username          string `json:"username"`
	Snippet           string `json:"snippet"`
	ParentCommentID   string `json:"parentCommentId,omitempty"`
	TopLevelCommentID string `json:"topLevelCommentId,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// Query describes a search request. An empty PageID searches every page.
type Query struct {
	Text   string
	PageID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(c CommentRecord) error
	IndexComments(cs []CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment. Timestamp is unix
// milliseconds so the index can sort on it.
type CommentRecord struct {
	ID                string `json:"id"`
	PageID            string `json:"pageId"`
	Username          string `json:"username"`
	Content           string `json:"content"`
	ParentCommentID   string `json:"parentCommentId,omitempty"`
	TopLevelCommentID string `json:"topLevelCommentId,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}
