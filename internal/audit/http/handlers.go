package audithttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agrilog/agrilog/internal/audit"
	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/rbac"
	"github.com/agrilog/agrilog/internal/shared"
)

const dateLayout = "2006-01-02"

// QueryService defines the business contract for audit queries.
type QueryService interface {
	List(ctx context.Context, scope audit.Scope, filters audit.Filters) (audit.ListResult, error)
	Search(ctx context.Context, scope audit.Scope, filters audit.Filters) (audit.ListResult, error)
	Get(ctx context.Context, scope audit.Scope, id int64) (audit.Record, error)
	Stats(ctx context.Context, scope audit.Scope, periodDays int) (audit.Stats, error)
	Export(ctx context.Context, scope audit.Scope, filters audit.Filters) ([]audit.Record, error)
}

// PrivilegeChecker reports whether a principal holds a permission code.
type PrivilegeChecker interface {
	Holds(ctx context.Context, principal shared.Principal, code rbac.Code) (bool, error)
}

// Config tunes the audit endpoints.
type Config struct {
	// ExportLimit is the number of exports a user may run per ExportWindow.
	ExportLimit  int
	ExportWindow time.Duration
}

// Handler serves the audit query endpoints.
type Handler struct {
	logger  *slog.Logger
	service QueryService
	rbac    PrivilegeChecker
	cfg     Config
	now     func() time.Time
}

// NewHandler creates an audit handler.
func NewHandler(logger *slog.Logger, service QueryService, checker PrivilegeChecker, cfg Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = 10
	}
	if cfg.ExportWindow <= 0 {
		cfg.ExportWindow = time.Minute
	}
	return &Handler{logger: logger, service: service, rbac: checker, cfg: cfg, now: time.Now}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.service.List)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.service.Search)
}

type listFunc func(ctx context.Context, scope audit.Scope, filters audit.Filters) (audit.ListResult, error)

func (h *Handler) list(w http.ResponseWriter, r *http.Request, fn listFunc) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := fn(r.Context(), scope, filters)
	if err != nil {
		h.respond(w, "list audit records", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid record id")
		return
	}
	record, err := h.service.Get(r.Context(), scope, id)
	if err != nil {
		h.respond(w, "get audit record", err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	days := 0
	q := r.URL.Query()
	raw := firstNonEmpty(q.Get("period_days"), q.Get("periodDays"))
	if raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid period_days")
			return
		}
		days = parsed
		if days == 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid period_days")
			return
		}
	}
	stats, err := h.service.Stats(r.Context(), scope, days)
	if err != nil {
		h.respond(w, "audit stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	format, ok := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "format must be json or csv")
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	records, err := h.service.Export(r.Context(), scope, filters)
	if err != nil {
		h.respond(w, "export audit records", err)
		return
	}

	var buf bytes.Buffer
	if format == audit.FormatCSV {
		err = audit.WriteCSV(&buf, records)
	} else {
		err = audit.WriteJSON(&buf, records)
	}
	if err != nil {
		h.respond(w, "encode audit export", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(h.now())))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("write audit export", slog.Any("error", err))
	}
}

// scope resolves the caller's visibility. Holding READ_AUDIT lifts the
// self-only restriction.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (audit.Scope, bool) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return audit.Scope{}, false
	}
	privileged, err := h.rbac.Holds(r.Context(), *principal, rbac.ReadAudit)
	if err != nil {
		h.respond(w, "resolve audit scope", err)
		return audit.Scope{}, false
	}
	return audit.Scope{ViewerID: principal.ID, Privileged: privileged}, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	var f audit.Filters

	if raw := firstNonEmpty(q.Get("actor_user_id"), q.Get("actor")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return audit.Filters{}, fieldError("actor_user_id")
		}
		f.ActorUserID = &id
	}
	if raw := strings.TrimSpace(q.Get("tenant_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return audit.Filters{}, fieldError("tenant_id")
		}
		f.TenantID = &id
	}
	f.TargetTable = firstNonEmpty(q.Get("target_table"), q.Get("table"))
	f.Action = audit.Action(strings.ToLower(strings.TrimSpace(q.Get("action"))))
	f.Search = firstNonEmpty(q.Get("search"), q.Get("q"))

	if raw := firstNonEmpty(q.Get("date_debut"), q.Get("from")); raw != "" {
		from, _, err := parseBound(raw)
		if err != nil {
			return audit.Filters{}, fieldError("date_debut")
		}
		f.From = from
	}
	if raw := firstNonEmpty(q.Get("date_fin"), q.Get("to")); raw != "" {
		to, dateOnly, err := parseBound(raw)
		if err != nil {
			return audit.Filters{}, fieldError("date_fin")
		}
		if dateOnly {
			to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		f.To = to
	}

	var err error
	if f.Page, err = optionalPositiveInt(q.Get("page")); err != nil {
		return audit.Filters{}, fieldError("page")
	}
	if f.Limit, err = optionalPositiveInt(q.Get("limit")); err != nil {
		return audit.Filters{}, fieldError("limit")
	}
	return f, nil
}

// parseBound accepts a calendar date or an RFC 3339 timestamp.
func parseBound(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, false, err
}

func optionalPositiveInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func fieldError(field string) error {
	return fmt.Errorf("invalid %s: %w", field, shared.ErrValidation)
}
