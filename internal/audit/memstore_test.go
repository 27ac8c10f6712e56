package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agrilog/agrilog/internal/shared"
)

// memStore is an in-memory Repository and Sink for package tests.
type memStore struct {
	mu      sync.Mutex
	records []Record
	failN   int
	writes  int
}

func (m *memStore) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failN > 0 {
		m.failN--
		return errTransient
	}
	m.records = append(m.records, e.toRecord(int64(len(m.records)+1)))
	return nil
}

func (m *memStore) snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *memStore) visible(scope Scope, f Filters) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if !scope.Privileged && r.ActorUserID != nil && *r.ActorUserID != scope.ViewerID {
			continue
		}
		if f.ActorUserID != nil && (r.ActorUserID == nil || *r.ActorUserID != *f.ActorUserID) {
			continue
		}
		if f.TenantID != nil && (r.TenantID == nil || *r.TenantID != *f.TenantID) {
			continue
		}
		if f.TargetTable != "" && r.TargetTable != f.TargetTable {
			continue
		}
		if f.Action != "" && r.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.CreatedAt.After(f.To) {
			continue
		}
		if f.Search != "" {
			term := strings.ToLower(f.Search)
			hay := strings.ToLower(r.TargetTable + " " + string(r.Action) + " " + optionalString(r.SourceAddress))
			if !strings.Contains(hay, term) {
				continue
			}
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

func (m *memStore) List(_ context.Context, scope Scope, f Filters, limit, offset int) ([]Record, int, error) {
	all := m.visible(scope, f)
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *memStore) All(_ context.Context, scope Scope, f Filters) ([]Record, error) {
	return m.visible(scope, f), nil
}

func (m *memStore) Get(_ context.Context, scope Scope, id int64) (Record, error) {
	for _, r := range m.visible(scope, Filters{}) {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, shared.ErrNotFound
}

func (m *memStore) CountBy(_ context.Context, scope Scope, dim Dimension, since time.Time) ([]Count, error) {
	buckets := map[string]int64{}
	for _, r := range m.visible(scope, Filters{From: since}) {
		var key string
		switch dim {
		case DimensionAction:
			key = string(r.Action)
		case DimensionTable:
			key = r.TargetTable
		case DimensionActor:
			key = optionalInt(r.ActorUserID)
			if key == "" {
				key = "system"
			}
		}
		buckets[key]++
	}
	out := make([]Count, 0, len(buckets))
	for k, v := range buckets {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// seed appends a record directly, bypassing the recorder.
func (m *memStore) seed(actor *int64, table string, action Action, at time.Time) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		ID:          int64(len(m.records) + 1),
		ActorUserID: actor,
		TargetTable: table,
		Action:      action,
		CreatedAt:   at,
	}
	m.records = append(m.records, rec)
	return rec
}

func ptr[T any](v T) *T {
	return &v
}
