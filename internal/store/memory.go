package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentplane/promoter/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and
// local development without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[uuid.UUID]models.ContentItem
	records map[uuid.UUID]models.PromotionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   map[uuid.UUID]models.ContentItem{},
		records: map[uuid.UUID]models.PromotionRecord{},
	}
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) ListEligible(ctx context.Context, kind models.ContentKind, env string, ids []uuid.UUID) ([]models.ContentItem, error) {
	var idSet map[uuid.UUID]bool
	if len(ids) > 0 {
		idSet = make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			idSet[id] = true
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ContentItem
	for _, item := range m.items {
		if item.Kind != kind || !item.Eligible(env) {
			continue
		}
		if idSet != nil && !idSet[item.ID] {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetItem(ctx context.Context, id uuid.UUID) (models.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return models.ContentItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) InsertItem(ctx context.Context, item models.ContentItem) (models.ContentItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = time.Now().UTC()
	item.Body = copyJSON(item.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) MarkItemPromoted(ctx context.Context, in MarkPromotedInput) (models.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[in.ID]
	if !ok {
		return models.ContentItem{}, ErrNotFound
	}
	item.PromotionStatus = models.ItemStatusPromoted
	at := in.PromotedAt
	item.PromotedAt = &at
	item.PromotedBy = in.PromotedBy
	seen := false
	for _, env := range item.PromotedTo {
		if env == in.TargetEnv {
			seen = true
		}
	}
	if !seen {
		item.PromotedTo = append(item.PromotedTo, in.TargetEnv)
	}
	item.UpdatedAt = time.Now().UTC()
	m.items[in.ID] = item
	return item, nil
}

func (m *MemoryStore) DeleteItem(ctx context.Context, env string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Environment != env {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) CreatePromotionRecord(ctx context.Context, rec models.PromotionRecord) (models.PromotionRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) UpdatePromotionStatus(ctx context.Context, id uuid.UUID, status models.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) FinalizePromotion(ctx context.Context, in FinalizeInput) (models.PromotionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[in.ID]
	if !ok {
		return models.PromotionRecord{}, ErrNotFound
	}
	rec.Status = in.Status
	rec.ItemsPromoted = in.ItemsPromoted
	rec.SuccessCount = in.SuccessCount
	rec.ErrorCount = in.ErrorCount
	rec.Errors = in.Errors
	at := in.CompletedAt
	rec.CompletedAt = &at
	rec.DurationSeconds = in.DurationSeconds
	rec.CanRollback = in.CanRollback
	rec.RollbackData = in.RollbackData
	rec.RollbackDeadline = in.RollbackDeadline
	m.records[in.ID] = rec
	return rec, nil
}

func (m *MemoryStore) MarkPromotionRolledBack(ctx context.Context, id uuid.UUID, actor string, at time.Time) (models.PromotionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return models.PromotionRecord{}, ErrNotFound
	}
	rec.Status = models.RecordStatusRolledBack
	rec.CanRollback = false
	rolledAt := at
	rec.RolledBackAt = &rolledAt
	rec.RolledBackBy = actor
	m.records[id] = rec
	return rec, nil
}

func (m *MemoryStore) GetPromotionRecord(ctx context.Context, id uuid.UUID) (models.PromotionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return models.PromotionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListPromotions(ctx context.Context, source, target string, limit int) ([]models.PromotionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PromotionRecord
	for _, rec := range m.records {
		if source != "" && rec.SourceEnvironment != source {
			continue
		}
		if target != "" && rec.TargetEnvironment != target {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if max := normalizeLimit(limit); len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// ItemCount reports the number of stored content items.
func (m *MemoryStore) ItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
