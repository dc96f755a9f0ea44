package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ContentKind tags the promotable content families. Each kind declares which
// side stores participate in a copy: documents and audio carry an object-store
// payload, documents additionally carry vector points, configs are pure
// records.
type ContentKind string

const (
	KindDocument ContentKind = "document"
	KindAudio    ContentKind = "audio"
	KindConfig   ContentKind = "config"
)

func (k ContentKind) Valid() bool {
	switch k {
	case KindDocument, KindAudio, KindConfig:
		return true
	}
	return false
}

// HasPayload reports whether items of this kind own bytes in the object store.
func (k ContentKind) HasPayload() bool {
	return k == KindDocument || k == KindAudio
}

// HasVectorPoints reports whether items of this kind own points in the vector index.
func (k ContentKind) HasVectorPoints() bool {
	return k == KindDocument
}

type PromotionStatus string

const (
	ItemStatusDraft      PromotionStatus = "draft"
	ItemStatusApproved   PromotionStatus = "approved"
	ItemStatusPromoted   PromotionStatus = "promoted"
	ItemStatusDeprecated PromotionStatus = "deprecated"
)

// ContentItem is a promotable record in one environment. SourceID and
// SourceEnvironment are non-owning back-references to the item it was
// promoted from; they are never set on originals.
type ContentItem struct {
	ID                uuid.UUID       `json:"id"`
	Kind              ContentKind     `json:"kind"`
	Environment       string          `json:"environment"`
	Name              string          `json:"name"`
	Body              json.RawMessage `json:"body"`
	PayloadKey        string          `json:"payloadKey,omitempty"`
	SizeBytes         int64           `json:"sizeBytes"`
	IsPromotable      bool            `json:"isPromotable"`
	PromotionStatus   PromotionStatus `json:"promotionStatus"`
	IsTestData        bool            `json:"isTestData"`
	SourceID          *uuid.UUID      `json:"sourceId,omitempty"`
	SourceEnvironment string          `json:"sourceEnvironment,omitempty"`
	PromotedAt        *time.Time      `json:"promotedAt,omitempty"`
	PromotedBy        string          `json:"promotedBy,omitempty"`
	PromotedTo        []string        `json:"promotedTo,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Eligible is the single promotion eligibility predicate. Preview and Execute
// must agree on it, so it lives on the model.
func (c ContentItem) Eligible(sourceEnv string) bool {
	return c.IsPromotable &&
		c.PromotionStatus == ItemStatusApproved &&
		!c.IsTestData &&
		c.Environment == sourceEnv
}

type RecordStatus string

const (
	RecordStatusPending        RecordStatus = "pending"
	RecordStatusInProgress     RecordStatus = "in_progress"
	RecordStatusSuccess        RecordStatus = "success"
	RecordStatusPartialSuccess RecordStatus = "partial_success"
	RecordStatusFailed         RecordStatus = "failed"
	RecordStatusRolledBack     RecordStatus = "rolled_back"
)

// Terminal reports whether no further Execute-driven transition may occur.
func (s RecordStatus) Terminal() bool {
	switch s {
	case RecordStatusSuccess, RecordStatusPartialSuccess, RecordStatusFailed, RecordStatusRolledBack:
		return true
	}
	return false
}

// PromotedPair links a source item to the item created in the target environment.
type PromotedPair struct {
	SourceID uuid.UUID `json:"sourceId"`
	NewID    uuid.UUID `json:"newId"`
}

// PromotionRecord is the append-only audit entity for one Execute call. It is
// a passive value; transition legality is enforced by the orchestrator.
type PromotionRecord struct {
	ID                uuid.UUID         `json:"id"`
	PromotionType     ContentKind       `json:"promotionType"`
	SourceEnvironment string            `json:"sourceEnvironment"`
	TargetEnvironment string            `json:"targetEnvironment"`
	Status            RecordStatus      `json:"status"`
	ItemsPromoted     []PromotedPair    `json:"itemsPromoted,omitempty"`
	SuccessCount      int               `json:"successCount"`
	ErrorCount        int               `json:"errorCount"`
	Errors            map[string]string `json:"errors,omitempty"`
	StartedAt         time.Time         `json:"startedAt"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	DurationSeconds   float64           `json:"durationSeconds"`
	PromotedBy        string            `json:"promotedBy"`
	Reason            string            `json:"reason,omitempty"`
	CanRollback       bool              `json:"canRollback"`
	RollbackData      []uuid.UUID       `json:"rollbackData,omitempty"`
	RollbackDeadline  *time.Time        `json:"rollbackDeadline,omitempty"`
	RolledBackAt      *time.Time        `json:"rolledBackAt,omitempty"`
	RolledBackBy      string            `json:"rolledBackBy,omitempty"`
}
