// Package search answers contribution text queries through Meilisearch with
// a SQL ILIKE fallback when the instance is down.
package search

import (
	"context"

	"github.com/rs/zerolog/log"

	"urbachamp/api/internal/store"
)

// Lister is the fallback query path, satisfied by the postgres store.
type Lister interface {
	ListContributions(ctx context.Context, q store.ListQuery) ([]store.Contribution, error)
}

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	meili    *Meili
	fallback Lister
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Lister) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search resolves a filtered contribution page. Both paths enforce the same
// visibility rules carried in the query.
func (s *Service) Search(ctx context.Context, q store.ListQuery) ([]store.Contribution, error) {
	if s.meili != nil && s.meili.Healthy() && q.Search != "" {
		records, _, err := s.meili.Search(q)
		if err == nil {
			out := make([]store.Contribution, 0, len(records))
			for _, rec := range records {
				out = append(out, rec.Contribution())
			}
			return out, nil
		}
		log.Warn().Err(err).Msg("meilisearch error, falling back to sql")
	}
	return s.fallback.ListContributions(ctx, q)
}

// IndexContribution pushes a row to the index, fire-and-forget.
func (s *Service) IndexContribution(c store.Contribution) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexContribution(RecordFromContribution(c)); err != nil {
			log.Warn().Err(err).Str("id", c.ID).Msg("index contribution")
		}
	}()
}

// RemoveContribution drops a row from the index, fire-and-forget.
func (s *Service) RemoveContribution(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteContribution(id); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("remove contribution from index")
		}
	}()
}

// Reindex bulk-loads rows into the index, used at startup.
func (s *Service) Reindex(rows []store.Contribution) {
	if s.meili == nil || !s.meili.Healthy() || len(rows) == 0 {
		return
	}
	records := make([]Record, 0, len(rows))
	for _, c := range rows {
		records = append(records, RecordFromContribution(c))
	}
	if err := s.meili.IndexContributions(records); err != nil {
		log.Warn().Err(err).Msg("reindex contributions")
	}
}
