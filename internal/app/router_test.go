package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilog/agrilog/internal/audit"
	audithttp "github.com/agrilog/agrilog/internal/audit/http"
	"github.com/agrilog/agrilog/internal/observability"
	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/rbac"
	"github.com/agrilog/agrilog/internal/shared"
	_ "github.com/agrilog/agrilog/internal/testing/guard"
	"github.com/agrilog/agrilog/jobs"
)

const (
	farmerID = int64(10)
	vetID    = int64(11)
)

type tokenResolver map[string]shared.Principal

func (t tokenResolver) Lookup(_ context.Context, token string) (*shared.Principal, error) {
	p, ok := t[token]
	if !ok {
		return nil, shared.ErrUnauthenticated
	}
	return &p, nil
}

type staticGrants map[int64][]rbac.Code

func (s staticGrants) EffectivePermissions(_ context.Context, userID int64) ([]rbac.Code, error) {
	return s[userID], nil
}

// recordStore is both the recorder sink and the audit read model.
type recordStore struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordStore) Write(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, audit.Record{
		ID:            int64(len(s.records) + 1),
		ActorUserID:   e.ActorUserID,
		TenantID:      e.TenantID,
		TargetTable:   e.TargetTable,
		TargetID:      e.TargetID,
		Action:        e.Action,
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
		SourceAddress: e.SourceAddress,
		CreatedAt:     e.CreatedAt,
	})
	return nil
}

func (s *recordStore) snapshot() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

func (s *recordStore) visible(scope audit.Scope, f audit.Filters) []audit.Record {
	var out []audit.Record
	for _, r := range s.snapshot() {
		if !scope.Privileged && r.ActorUserID != nil && *r.ActorUserID != scope.ViewerID {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *recordStore) List(_ context.Context, scope audit.Scope, f audit.Filters, limit, offset int) ([]audit.Record, int, error) {
	all := s.visible(scope, f)
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (s *recordStore) All(_ context.Context, scope audit.Scope, f audit.Filters) ([]audit.Record, error) {
	return s.visible(scope, f), nil
}

func (s *recordStore) Get(_ context.Context, scope audit.Scope, id int64) (audit.Record, error) {
	for _, r := range s.visible(scope, audit.Filters{}) {
		if r.ID == id {
			return r, nil
		}
	}
	return audit.Record{}, shared.ErrNotFound
}

func (s *recordStore) CountBy(context.Context, audit.Scope, audit.Dimension, time.Time) ([]audit.Count, error) {
	return nil, nil
}

type emptyQueues struct{}

func (emptyQueues) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return nil, asynq.ErrQueueNotFound
}

type testServer struct {
	router   http.Handler
	store    *recordStore
	recorder *audit.Recorder
	stop     func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	metrics := observability.NewMetrics()
	store := &recordStore{}
	gate := rbac.NewGate(staticGrants{
		farmerID: {rbac.ReadAnimal, rbac.UpdateAnimal},
		vetID:    {rbac.ReadAnimal},
	}, metrics, nil)
	recorder := audit.NewRecorder(store, audit.RecorderConfig{QueueSize: 16, Workers: 1}, metrics, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = recorder.Run(ctx)
	}()

	mw := rbac.Middleware{Gate: gate}
	router := NewRouter(RouterParams{
		Config:       &Config{AppEnv: "production", AppRateLimit: 1000},
		Resolver:     tokenResolver{"farmer": {ID: farmerID}, "vet": {ID: vetID}},
		Metrics:      metrics,
		AuditHandler: audithttp.NewHandler(nil, audit.NewService(store), gate, audithttp.Config{}),
		JobHandler:   jobs.NewHandler(emptyQueues{}, nil),
		Mount: func(r chi.Router) {
			r.Route("/animals", func(r chi.Router) {
				r.With(mw.RequireAll(rbac.UpdateAnimal), audit.Capture(recorder, audit.CaptureOptions{Table: "animal"})).
					Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
						audit.SetSnapshots(r.Context(), map[string]any{"weight": 410}, map[string]any{"weight": 425})
						httpx.JSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id"), "weight": 425})
					})
			})
		},
	})
	stopped := false
	return &testServer{router: router, store: store, recorder: recorder, stop: func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
	}}
}

func (s *testServer) do(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(`{"weight":425}`))
	req.Header.Set("X-Forwarded-Proto", "https")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestAuthorizedUpdateIsAudited(t *testing.T) {
	srv := newTestServer(t)
	defer srv.stop()

	rr := srv.do(http.MethodPut, "/animals/7", "farmer")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	srv.stop()

	records := srv.store.snapshot()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, audit.ActionModification, rec.Action)
	assert.Equal(t, "animal", rec.TargetTable)
	require.NotNil(t, rec.TargetID)
	assert.Equal(t, "7", *rec.TargetID)
	assert.Equal(t, farmerID, *rec.ActorUserID)
	assert.JSONEq(t, `{"weight":410}`, string(rec.PreviousState))
	assert.JSONEq(t, `{"weight":425}`, string(rec.NewState))
}

func TestDeniedUpdateIsNotAudited(t *testing.T) {
	srv := newTestServer(t)
	defer srv.stop()

	rr := srv.do(http.MethodPut, "/animals/7", "vet")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)

	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodPut, "/animals/7", "").Code)
	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodPut, "/animals/7", "stale").Code)
	srv.stop()

	assert.Empty(t, srv.store.snapshot())
}

func TestCSVExportEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	defer srv.stop()

	farmer := farmerID
	vet := vetID
	inJanuary := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, srv.store.Write(ctx, audit.Entry{ActorUserID: &farmer, TargetTable: "animal", Action: audit.ActionCreation, CreatedAt: inJanuary}))
	require.NoError(t, srv.store.Write(ctx, audit.Entry{ActorUserID: &vet, TargetTable: "animal", Action: audit.ActionModification, CreatedAt: inJanuary}))
	require.NoError(t, srv.store.Write(ctx, audit.Entry{ActorUserID: &farmer, TargetTable: "lot", Action: audit.ActionCreation, CreatedAt: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, srv.store.Write(ctx, audit.Entry{TargetTable: "permissions", Action: audit.ActionModification, CreatedAt: time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)}))

	rr := srv.do(http.MethodGet, "/audit/export?format=csv&date_debut=2024-01-01&date_fin=2024-01-31", "farmer")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")

	lines := strings.Split(strings.TrimSuffix(rr.Body.String(), "\r\n"), "\r\n")
	require.Len(t, lines, 3, rr.Body.String())
	assert.True(t, strings.HasPrefix(lines[0], `"id","created_at",`))
	assert.True(t, strings.HasPrefix(lines[1], `"4","2024-01-31T23:00:00Z","",`), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], `"1","2024-01-15T09:30:00Z","10",`), lines[2])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	defer srv.stop()

	rr := srv.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	srv.do(http.MethodPut, "/animals/7", "vet")
	rr = srv.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `agrilog_authz_decisions_total{result="deny"} 1`)
}

func TestAuditRoutesRequirePrincipal(t *testing.T) {
	srv := newTestServer(t)
	defer srv.stop()
	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodGet, "/audit", "").Code)
}

func TestJobHealthRequiresPrincipal(t *testing.T) {
	srv := newTestServer(t)
	defer srv.stop()

	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodGet, "/jobs/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodGet, "/jobs/health", "stale").Code)

	rr := srv.do(http.MethodGet, "/jobs/health", "vet")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"queues"`)
}
