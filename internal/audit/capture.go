package audit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agrilog/agrilog/internal/shared"
)

// ActionRecorder accepts audit entries.
type ActionRecorder interface {
	RecordAction(ctx context.Context, entry Entry)
}

// CaptureOptions configures the Capture middleware for one resource.
type CaptureOptions struct {
	// Table is recorded as the target table.
	Table string
	// IDParam names the chi URL parameter holding the target id. Defaults to "id".
	IDParam string
	// IncludeReads also records successful GET requests as consultations.
	IncludeReads bool
}

// ActionFor maps an HTTP method to its audit verb.
func ActionFor(method string) (Action, bool) {
	switch method {
	case http.MethodPost:
		return ActionCreation, true
	case http.MethodPut, http.MethodPatch:
		return ActionModification, true
	case http.MethodDelete:
		return ActionSuppression, true
	case http.MethodGet:
		return ActionConsultation, true
	default:
		return "", false
	}
}

type captureState struct {
	mu       sync.Mutex
	targetID *string
	before   json.RawMessage
	after    json.RawMessage
}

type captureKey struct{}

// SetTarget records the id of the entity a handler acted on, for routes where
// it is not a URL parameter (for example the id assigned by a create).
func SetTarget(ctx context.Context, id string) {
	if st, ok := ctx.Value(captureKey{}).(*captureState); ok {
		st.mu.Lock()
		st.targetID = &id
		st.mu.Unlock()
	}
}

// SetSnapshots attaches the entity state before and after the change. Either
// side may be nil. Sensitive fields are redacted by the recorder.
func SetSnapshots(ctx context.Context, before, after any) {
	if st, ok := ctx.Value(captureKey{}).(*captureState); ok {
		st.mu.Lock()
		st.before = Snapshot(before)
		st.after = Snapshot(after)
		st.mu.Unlock()
	}
}

// Capture records one audit entry per successful (2xx) request. Failed
// requests and requests short-circuited by earlier middleware record nothing.
func Capture(recorder ActionRecorder, opts CaptureOptions) func(http.Handler) http.Handler {
	if opts.IDParam == "" {
		opts.IDParam = "id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action, ok := ActionFor(r.Method)
			if !ok || (action == ActionConsultation && !opts.IncludeReads) {
				next.ServeHTTP(w, r)
				return
			}
			arrived := time.Now().UTC()
			st := &captureState{}
			ctx := context.WithValue(r.Context(), captureKey{}, st)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 {
				return
			}

			entry := Entry{
				TargetTable:   opts.Table,
				Action:        action,
				SourceAddress: sourceAddress(r),
				CreatedAt:     arrived,
			}
			if p := shared.PrincipalFromContext(r.Context()); p != nil {
				id := p.ID
				entry.ActorUserID = &id
				entry.TenantID = p.TenantID
			}
			st.mu.Lock()
			entry.TargetID = st.targetID
			entry.PreviousState = st.before
			entry.NewState = st.after
			st.mu.Unlock()
			if entry.TargetID == nil {
				if id := chi.URLParam(r, opts.IDParam); id != "" {
					entry.TargetID = &id
				}
			}
			recorder.RecordAction(context.WithoutCancel(r.Context()), entry)
		})
	}
}

func sourceAddress(r *http.Request) *string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return &addr
}
