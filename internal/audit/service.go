package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agrilog/agrilog/internal/shared"
)

// Service answers audit queries on behalf of a viewer.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// List returns one page of records visible in scope, newest first.
func (s *Service) List(ctx context.Context, scope Scope, filters Filters) (ListResult, error) {
	if s.repo == nil {
		return ListResult{}, fmt.Errorf("audit: repository not configured")
	}
	filters, err := normalizeFilters(filters)
	if err != nil {
		return ListResult{}, err
	}
	offset := (filters.Page - 1) * filters.Limit
	records, total, err := s.repo.List(ctx, scope, filters, filters.Limit, offset)
	if err != nil {
		return ListResult{}, err
	}
	if records == nil {
		records = []Record{}
	}
	return ListResult{
		Records:    records,
		Pagination: shared.NewPagination(filters.Page, filters.Limit, total),
	}, nil
}

// Search is List with a mandatory free-text term.
func (s *Service) Search(ctx context.Context, scope Scope, filters Filters) (ListResult, error) {
	if strings.TrimSpace(filters.Search) == "" {
		return ListResult{}, fmt.Errorf("audit: search term required: %w", shared.ErrValidation)
	}
	return s.List(ctx, scope, filters)
}

// Get returns one record, or ErrNotFound when it is absent or not visible.
func (s *Service) Get(ctx context.Context, scope Scope, id int64) (Record, error) {
	if id <= 0 {
		return Record{}, fmt.Errorf("audit: record %d: %w", id, shared.ErrNotFound)
	}
	return s.repo.Get(ctx, scope, id)
}

// Stats counts activity over the trailing periodDays. Each grouping runs as
// its own query; the per-actor breakdown is only computed for privileged
// viewers.
func (s *Service) Stats(ctx context.Context, scope Scope, periodDays int) (Stats, error) {
	if periodDays == 0 {
		periodDays = DefaultStatsDays
	}
	if periodDays < 1 || periodDays > MaxStatsDays {
		return Stats{}, fmt.Errorf("audit: period must be between 1 and %d days: %w", MaxStatsDays, shared.ErrValidation)
	}
	since := s.now().AddDate(0, 0, -periodDays)
	stats := Stats{PeriodDays: periodDays, Since: since}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.repo.CountBy(gctx, scope, DimensionAction, since)
		stats.ByAction = counts
		return err
	})
	g.Go(func() error {
		counts, err := s.repo.CountBy(gctx, scope, DimensionTable, since)
		stats.ByTable = counts
		return err
	})
	if scope.Privileged {
		g.Go(func() error {
			counts, err := s.repo.CountBy(gctx, scope, DimensionActor, since)
			stats.ByActor = counts
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	for _, c := range stats.ByAction {
		stats.Total += c.Count
	}
	if stats.ByAction == nil {
		stats.ByAction = []Count{}
	}
	if stats.ByTable == nil {
		stats.ByTable = []Count{}
	}
	return stats, nil
}

// Export returns every visible record matching filters, ignoring pagination.
func (s *Service) Export(ctx context.Context, scope Scope, filters Filters) ([]Record, error) {
	filters, err := normalizeFilters(filters)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.All(ctx, scope, filters)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func normalizeFilters(f Filters) (Filters, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return Filters{}, fmt.Errorf("audit: date range start after end: %w", shared.ErrValidation)
	}
	if f.Action != "" {
		switch f.Action {
		case ActionCreation, ActionModification, ActionSuppression, ActionConsultation:
		default:
			return Filters{}, fmt.Errorf("audit: unknown action %q: %w", f.Action, shared.ErrValidation)
		}
	}
	f.TargetTable = strings.TrimSpace(f.TargetTable)
	f.Search = strings.TrimSpace(f.Search)
	return f, nil
}
