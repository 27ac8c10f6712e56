package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilog/agrilog/internal/shared"
)

type spyRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *spyRecorder) RecordAction(_ context.Context, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func newCaptureRouter(spy *spyRecorder, status int, opts CaptureOptions) http.Handler {
	r := chi.NewRouter()
	r.Route("/animals", func(r chi.Router) {
		r.Use(Capture(spy, opts))
		handler := func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}
		r.Get("/{id}", handler)
		r.Put("/{id}", handler)
		r.Patch("/{id}", handler)
		r.Delete("/{id}", handler)
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			SetTarget(r.Context(), "41")
			SetSnapshots(r.Context(), nil, map[string]any{"tag": "FR-41", "password": "x"})
			w.WriteHeader(status)
		})
	})
	return r
}

func TestCaptureVerbMapping(t *testing.T) {
	cases := []struct {
		method string
		path   string
		action Action
	}{
		{http.MethodPost, "/animals/", ActionCreation},
		{http.MethodPut, "/animals/7", ActionModification},
		{http.MethodPatch, "/animals/7", ActionModification},
		{http.MethodDelete, "/animals/7", ActionSuppression},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			spy := &spyRecorder{}
			router := newCaptureRouter(spy, http.StatusOK, CaptureOptions{Table: "animal"})
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req = req.WithContext(shared.ContextWithPrincipal(req.Context(), &shared.Principal{ID: 5, TenantID: ptr(int64(2))}))
			router.ServeHTTP(httptest.NewRecorder(), req)

			require.Len(t, spy.entries, 1)
			e := spy.entries[0]
			assert.Equal(t, tc.action, e.Action)
			assert.Equal(t, "animal", e.TargetTable)
			assert.Equal(t, int64(5), *e.ActorUserID)
			assert.Equal(t, int64(2), *e.TenantID)
			assert.Equal(t, "192.0.2.1", *e.SourceAddress)
			assert.False(t, e.CreatedAt.IsZero())
		})
	}
}

func TestCaptureTargetFromURLOrHandler(t *testing.T) {
	spy := &spyRecorder{}
	router := newCaptureRouter(spy, http.StatusOK, CaptureOptions{Table: "animal"})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/animals/7", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/animals/", strings.NewReader(`{}`)))

	require.Len(t, spy.entries, 2)
	assert.Equal(t, "7", *spy.entries[0].TargetID)
	assert.Nil(t, spy.entries[0].ActorUserID)
	assert.Equal(t, "41", *spy.entries[1].TargetID)
	assert.JSONEq(t, `{"tag":"FR-41","password":"x"}`, string(spy.entries[1].NewState))
}

func TestCaptureSkipsFailedRequests(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		spy := &spyRecorder{}
		router := newCaptureRouter(spy, status, CaptureOptions{Table: "animal"})
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/animals/7", nil))
		assert.Empty(t, spy.entries, "status %d", status)
	}
}

func TestCaptureReadsAreOptIn(t *testing.T) {
	spy := &spyRecorder{}
	router := newCaptureRouter(spy, http.StatusOK, CaptureOptions{Table: "animal"})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/animals/7", nil))
	assert.Empty(t, spy.entries)

	router = newCaptureRouter(spy, http.StatusOK, CaptureOptions{Table: "animal", IncludeReads: true})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/animals/7", nil))
	require.Len(t, spy.entries, 1)
	assert.Equal(t, ActionConsultation, spy.entries[0].Action)
}

func TestCaptureImplicitOKStatus(t *testing.T) {
	spy := &spyRecorder{}
	r := chi.NewRouter()
	r.With(Capture(spy, CaptureOptions{Table: "lot"})).Delete("/lots/{id}", func(w http.ResponseWriter, r *http.Request) {})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/lots/3", nil))
	require.Len(t, spy.entries, 1)
	assert.Equal(t, "3", *spy.entries[0].TargetID)
}

func TestActionFor(t *testing.T) {
	_, ok := ActionFor(http.MethodOptions)
	assert.False(t, ok)
	a, ok := ActionFor(http.MethodPatch)
	assert.True(t, ok)
	assert.Equal(t, ActionModification, a)
}
