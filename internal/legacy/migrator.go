// Package legacy promotes pre-threading flat messages into comments.
package legacy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inkwell/api/internal/store"
)

// Version names the completed run in data_migrations.
const Version = "legacy-messages-v1"

const defaultBatchSize = 500

type Store interface {
	ListLegacyMessages(ctx context.Context, afterID int64, limit int) ([]store.LegacyMessage, error)
	CommentExists(ctx context.Context, username, content string, timestamp time.Time) (bool, error)
	InsertComment(ctx context.Context, c store.Comment) (store.Comment, error)
	DataMigrationApplied(ctx context.Context, name string) (bool, error)
	RecordDataMigration(ctx context.Context, name string, migrated int) error
}

// Result summarises a migration run.
type Result struct {
	Version  string `json:"version"`
	Scanned  int    `json:"scanned"`
	Migrated int    `json:"migrated"`
	Skipped  int    `json:"skipped"`
	// AlreadyApplied is set when a previous run completed and Force was off.
	AlreadyApplied bool `json:"alreadyApplied"`
}

// Migrator copies the flat legacy messages table into comments once.
type Migrator struct {
	store         Store
	defaultPageID string
	batchSize     int
}

func NewMigrator(s Store, defaultPageID string) *Migrator {
	if strings.TrimSpace(defaultPageID) == "" {
		defaultPageID = "home"
	}
	return &Migrator{store: s, defaultPageID: defaultPageID, batchSize: defaultBatchSize}
}

// Run copies every legacy message that has no matching comment yet. A
// message matches when username, content and timestamp are all equal, so an
// interrupted run can simply be repeated. With force unset a completed run
// is not repeated.
func (m *Migrator) Run(ctx context.Context, force bool) (Result, error) {
	result := Result{Version: Version}

	if !force {
		applied, err := m.store.DataMigrationApplied(ctx, Version)
		if err != nil {
			return result, err
		}
		if applied {
			result.AlreadyApplied = true
			return result, nil
		}
	}

	var afterID int64
	for {
		batch, err := m.store.ListLegacyMessages(ctx, afterID, m.batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		for _, msg := range batch {
			afterID = msg.ID
			result.Scanned++

			migrated, err := m.migrateOne(ctx, msg)
			if err != nil {
				return result, fmt.Errorf("migrate legacy message %d: %w", msg.ID, err)
			}
			if migrated {
				result.Migrated++
			} else {
				result.Skipped++
			}
		}

		log.Info().
			Int64("last_id", afterID).
			Int("migrated", result.Migrated).
			Int("skipped", result.Skipped).
			Msg("legacy migration progress")

		if len(batch) < m.batchSize {
			break
		}
	}

	if err := m.store.RecordDataMigration(ctx, Version, result.Migrated); err != nil {
		return result, err
	}
	log.Info().
		Str("version", Version).
		Int("scanned", result.Scanned).
		Int("migrated", result.Migrated).
		Msg("legacy migration complete")
	return result, nil
}

func (m *Migrator) migrateOne(ctx context.Context, msg store.LegacyMessage) (bool, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		log.Warn().Int64("legacy_id", msg.ID).Msg("skipping empty legacy message")
		return false, nil
	}
	username := strings.TrimSpace(msg.Username)
	if username == "" {
		username = store.AnonymousUsername
	}
	pageID := strings.TrimSpace(msg.PageID)
	if pageID == "" {
		pageID = m.defaultPageID
	}

	exists, err := m.store.CommentExists(ctx, username, content, msg.Timestamp)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = m.store.InsertComment(ctx, store.Comment{
		PageID:                pageID,
		Username:              username,
		Content:               content,
		Timestamp:             msg.Timestamp,
		LastSubthreadActivity: msg.Timestamp,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
