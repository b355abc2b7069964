// Package challenge stores single-use login challenges for protected pages.
package challenge

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("challenge not found or expired")

// Record is what the server remembers about an outstanding challenge.
type Record struct {
	PageID    string    `json:"page_id"`
	Salt      string    `json:"salt"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store holds outstanding challenges until they are consumed or expire.
type Store interface {
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Get returns ErrNotFound once the record has expired or been consumed.
	Get(ctx context.Context, key string) (Record, error)
	// Consume deletes key and reports whether this caller removed it.
	// Exactly one of several concurrent callers observes true.
	Consume(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Key identifies the challenge value issued for pageID.
func Key(pageID, value string) string {
	return pageID + ":" + value
}
