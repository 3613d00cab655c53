package search

import (
	"context"

	"civicplan/api/internal/store"
	"github.com/rs/zerolog"
)

// Primary is the external engine tried first.
type Primary interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexComment(record CommentRecord) error
	IndexComments(records []CommentRecord) error
	DeleteComment(id string) error
}

// Fallback is the database-backed engine.
type Fallback interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	LoadAllRecords(ctx context.Context) ([]CommentRecord, error)
}

// Service tries the primary engine when healthy and falls back to the
// database otherwise. It also keeps the primary index in step with comment
// changes.
type Service struct {
	primary  Primary
	fallback Fallback
	logger   zerolog.Logger
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured.
func NewService(primary Primary, fallback Fallback, logger zerolog.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, logger: logger.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexComment pushes a comment into the primary index. Without a healthy
// primary it is a no-op: the database fallback reads comments directly.
func (s *Service) IndexComment(_ context.Context, comment store.Comment) error {
	if !s.primaryReady() {
		return nil
	}
	return s.primary.IndexComment(RecordFromComment(comment))
}

func (s *Service) DeleteComment(_ context.Context, commentID string) error {
	if !s.primaryReady() {
		return nil
	}
	return s.primary.DeleteComment(commentID)
}

// Reindex loads every comment from the database into the primary index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.primaryReady() || s.fallback == nil {
		return 0, nil
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.primary.IndexComments(records); err != nil {
		return 0, err
	}
	s.logger.Info().Int("comments", len(records)).Msg("search index rebuilt")
	return len(records), nil
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
