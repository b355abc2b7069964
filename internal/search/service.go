package search

import (
	"context"

	"github.com/rs/zerolog/log"
)

// primary is what the facade needs from the preferred engine.
type primary interface {
	Searcher
	Indexer
}

// recordLoader feeds full reindexes.
type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]CommentRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  primary
	fallback Searcher
	loader   recordLoader
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary engine if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexComment(c); err != nil {
			log.Warn().Err(err).Str("comment_id", c.ID).Msg("search: index comment")
		}
	}()
}

// DeleteComment removes a comment from the index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteComment(id); err != nil {
			log.Warn().Err(err).Str("comment_id", id).Msg("search: delete comment")
		}
	}()
}

// ReindexAllFromPG pushes every live comment into Meilisearch and returns
// how many were sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) int {
	if !s.primaryReady() || s.loader == nil {
		return 0
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		log.Error().Err(err).Msg("search: reindex load failed")
		return 0
	}
	if err := s.primary.IndexComments(records); err != nil {
		log.Error().Err(err).Msg("search: reindex comments")
		return 0
	}
	return len(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
