package audithttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilog/agrilog/internal/audit"
	"github.com/agrilog/agrilog/internal/rbac"
	"github.com/agrilog/agrilog/internal/shared"
)

type stubQueryService struct {
	lastScope   audit.Scope
	lastFilters audit.Filters
	lastDays    int
	records     []audit.Record
	err         error
}

func (s *stubQueryService) List(_ context.Context, scope audit.Scope, f audit.Filters) (audit.ListResult, error) {
	s.lastScope, s.lastFilters = scope, f
	if s.err != nil {
		return audit.ListResult{}, s.err
	}
	return audit.ListResult{Records: s.records, Pagination: shared.NewPagination(f.Page, f.Limit, len(s.records))}, nil
}

func (s *stubQueryService) Search(ctx context.Context, scope audit.Scope, f audit.Filters) (audit.ListResult, error) {
	if f.Search == "" {
		return audit.ListResult{}, shared.ErrValidation
	}
	return s.List(ctx, scope, f)
}

func (s *stubQueryService) Get(_ context.Context, scope audit.Scope, id int64) (audit.Record, error) {
	s.lastScope = scope
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return audit.Record{}, shared.ErrNotFound
}

func (s *stubQueryService) Stats(_ context.Context, scope audit.Scope, days int) (audit.Stats, error) {
	s.lastScope, s.lastDays = scope, days
	return audit.Stats{PeriodDays: days}, s.err
}

func (s *stubQueryService) Export(_ context.Context, scope audit.Scope, f audit.Filters) ([]audit.Record, error) {
	s.lastScope, s.lastFilters = scope, f
	return s.records, s.err
}

type stubChecker struct {
	privileged bool
	err        error
}

func (s stubChecker) Holds(context.Context, shared.Principal, rbac.Code) (bool, error) {
	return s.privileged, s.err
}

func newTestRouter(svc QueryService, checker PrivilegeChecker, cfg Config) http.Handler {
	h := NewHandler(nil, svc, checker, cfg)
	h.now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Route("/audit", h.MountRoutes)
	return r
}

func doRequest(router http.Handler, target string, principal *shared.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if principal != nil {
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), principal))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestListRequiresPrincipal(t *testing.T) {
	router := newTestRouter(&stubQueryService{}, stubChecker{}, Config{})
	rr := doRequest(router, "/audit", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestListParsesFiltersAndScope(t *testing.T) {
	svc := &stubQueryService{}
	router := newTestRouter(svc, stubChecker{}, Config{})

	rr := doRequest(router, "/audit?actor=4&tenant_id=2&table=animal&action=MODIFICATION&date_debut=2024-01-01&date_fin=2024-01-31&search=10.0&page=2&limit=50", &shared.Principal{ID: 9})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, audit.Scope{ViewerID: 9}, svc.lastScope)
	f := svc.lastFilters
	assert.Equal(t, int64(4), *f.ActorUserID)
	assert.Equal(t, int64(2), *f.TenantID)
	assert.Equal(t, "animal", f.TargetTable)
	assert.Equal(t, audit.ActionModification, f.Action)
	assert.Equal(t, "10.0", f.Search)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC), f.To)
	assert.Equal(t, 2, f.Page)
	assert.Equal(t, 50, f.Limit)
}

func TestListAcceptsRFC3339Bounds(t *testing.T) {
	svc := &stubQueryService{}
	router := newTestRouter(svc, stubChecker{privileged: true}, Config{})

	rr := doRequest(router, "/audit?from=2024-01-01T08:00:00Z&to=2024-01-01T18:00:00Z", &shared.Principal{ID: 1})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, svc.lastScope.Privileged)
	assert.Equal(t, time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), svc.lastFilters.To)
}

func TestListRejectsMalformedQuery(t *testing.T) {
	router := newTestRouter(&stubQueryService{}, stubChecker{}, Config{})
	for _, q := range []string{"page=0", "limit=abc", "date_debut=01/02/2024", "actor=me", "tenant_id=x"} {
		rr := doRequest(router, "/audit?"+q, &shared.Principal{ID: 1})
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestStoreFailureIsGeneric500(t *testing.T) {
	router := newTestRouter(&stubQueryService{err: errors.New("pq: timeout on audit_records")}, stubChecker{}, Config{})
	rr := doRequest(router, "/audit", &shared.Principal{ID: 1})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "audit_records")

	router = newTestRouter(&stubQueryService{}, stubChecker{err: errors.New("db down")}, Config{})
	rr = doRequest(router, "/audit", &shared.Principal{ID: 1})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGetRecord(t *testing.T) {
	svc := &stubQueryService{records: []audit.Record{{ID: 3, TargetTable: "lot", Action: audit.ActionCreation}}}
	router := newTestRouter(svc, stubChecker{}, Config{})

	rr := doRequest(router, "/audit/3", &shared.Principal{ID: 1})
	require.Equal(t, http.StatusOK, rr.Code)
	var rec audit.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "lot", rec.TargetTable)

	assert.Equal(t, http.StatusNotFound, doRequest(router, "/audit/4", &shared.Principal{ID: 1}).Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(router, "/audit/abc", &shared.Principal{ID: 1}).Code)
}

func TestSearchRoute(t *testing.T) {
	svc := &stubQueryService{}
	router := newTestRouter(svc, stubChecker{}, Config{})
	assert.Equal(t, http.StatusBadRequest, doRequest(router, "/audit/search", &shared.Principal{ID: 1}).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "/audit/search?q=animal", &shared.Principal{ID: 1}).Code)
	assert.Equal(t, "animal", svc.lastFilters.Search)
}

func TestStatsRoute(t *testing.T) {
	svc := &stubQueryService{}
	router := newTestRouter(svc, stubChecker{}, Config{})

	require.Equal(t, http.StatusOK, doRequest(router, "/audit/stats?periodDays=7", &shared.Principal{ID: 1}).Code)
	assert.Equal(t, 7, svc.lastDays)
	require.Equal(t, http.StatusOK, doRequest(router, "/audit/stats", &shared.Principal{ID: 1}).Code)
	assert.Equal(t, 0, svc.lastDays)
	assert.Equal(t, http.StatusBadRequest, doRequest(router, "/audit/stats?period_days=week", &shared.Principal{ID: 1}).Code)
}

func TestExportCSV(t *testing.T) {
	svc := &stubQueryService{records: []audit.Record{
		{ID: 2, TargetTable: "animal", Action: audit.ActionModification, CreatedAt: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}}
	router := newTestRouter(svc, stubChecker{}, Config{})

	rr := doRequest(router, "/audit/export?format=csv&date_debut=2024-01-01&date_fin=2024-01-31", &shared.Principal{ID: 1})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Disposition"), "attachment;"))
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\r\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], `"2","2024-01-15T00:00:00Z"`))
	assert.Equal(t, audit.Scope{ViewerID: 1}, svc.lastScope)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	router := newTestRouter(&stubQueryService{}, stubChecker{}, Config{})
	assert.Equal(t, http.StatusBadRequest, doRequest(router, "/audit/export?format=pdf", &shared.Principal{ID: 1}).Code)
}

func TestExportIsRateLimitedPerUser(t *testing.T) {
	router := newTestRouter(&stubQueryService{}, stubChecker{}, Config{ExportLimit: 2, ExportWindow: time.Hour})
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, doRequest(router, "/audit/export", &shared.Principal{ID: 1}).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, "/audit/export", &shared.Principal{ID: 1}).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "/audit/export", &shared.Principal{ID: 2}).Code)
}
