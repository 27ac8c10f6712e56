package audit

import (
	"encoding/json"
	"time"

	"github.com/agrilog/agrilog/internal/shared"
)

// Action is the audit verb derived from the HTTP method.
type Action string

// Audit verbs.
const (
	ActionCreation     Action = "creation"
	ActionModification Action = "modification"
	ActionSuppression  Action = "suppression"
	ActionConsultation Action = "consultation"
)

// Entry is an action waiting to be persisted.
type Entry struct {
	ActorUserID   *int64          `json:"actor_user_id,omitempty"`
	TenantID      *int64          `json:"tenant_id,omitempty"`
	TargetTable   string          `json:"target_table"`
	TargetID      *string         `json:"target_id,omitempty"`
	Action        Action          `json:"action"`
	PreviousState json.RawMessage `json:"previous_state,omitempty"`
	NewState      json.RawMessage `json:"new_state,omitempty"`
	SourceAddress *string         `json:"source_address,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Record is a persisted, immutable audit entry.
type Record struct {
	ID            int64           `json:"id"`
	ActorUserID   *int64          `json:"actor_user_id"`
	TenantID      *int64          `json:"tenant_id"`
	TargetTable   string          `json:"target_table"`
	TargetID      *string         `json:"target_id"`
	Action        Action          `json:"action"`
	PreviousState json.RawMessage `json:"previous_state"`
	NewState      json.RawMessage `json:"new_state"`
	SourceAddress *string         `json:"source_address"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Scope restricts which records a viewer may see. A non-privileged viewer only
// sees their own records and system records without an actor.
type Scope struct {
	ViewerID   int64
	Privileged bool
}

// Filters narrows audit listings. Zero values mean "no filter".
type Filters struct {
	ActorUserID *int64
	TenantID    *int64
	TargetTable string
	Action      Action
	From        time.Time
	To          time.Time
	Search      string
	Page        int
	Limit       int
}

// ListResult is a page of records plus pagination metadata.
type ListResult struct {
	Records    []Record          `json:"records"`
	Pagination shared.Pagination `json:"pagination"`
}

// Count is one bucket of a grouped aggregation.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats summarises activity over a trailing window.
type Stats struct {
	PeriodDays int       `json:"period_days"`
	Since      time.Time `json:"since"`
	Total      int64     `json:"total"`
	ByAction   []Count   `json:"by_action"`
	ByTable    []Count   `json:"by_table"`
	ByActor    []Count   `json:"by_actor,omitempty"`
}

// Pagination limits.
const (
	DefaultLimit      = 20
	MaxLimit          = 100
	DefaultStatsDays  = 30
	MaxStatsDays      = 365
	RedactedValue     = "[REDACTED]"
	defaultQueueSize  = 256
	defaultWorkers    = 2
	defaultAttempts   = 3
	defaultRetryDelay = 200 * time.Millisecond
)

func (e Entry) toRecord(id int64) Record {
	return Record{
		ID:            id,
		ActorUserID:   e.ActorUserID,
		TenantID:      e.TenantID,
		TargetTable:   e.TargetTable,
		TargetID:      e.TargetID,
		Action:        e.Action,
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
		SourceAddress: e.SourceAddress,
		CreatedAt:     e.CreatedAt,
	}
}
