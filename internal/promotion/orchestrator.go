package promotion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentplane/promoter/internal/audit"
	"github.com/contentplane/promoter/internal/models"
	"github.com/contentplane/promoter/internal/store"
)

// Config carries the operator-tunable promotion settings.
type Config struct {
	Enabled                bool
	AllowedPaths           []Path
	MaxItemsPerBatch       int
	ItemCopyTimeout        time.Duration
	LargeTransferWarnBytes int64

	// RollbackWindow is advisory: it is stamped on records as a deadline and
	// surfaced as a warning, never enforced as a hard expiry.
	RollbackWindow time.Duration
}

// Orchestrator drives Preview -> Execute -> Rollback. It exclusively owns the
// in-flight job accumulator; items never share mutable state.
type Orchestrator struct {
	store     store.Store
	copier    *ItemCopier
	previewer *PreviewBuilder
	validator PathValidator
	events    audit.Publisher
	cfg       Config

	// Concurrent Executes for the same (kind, source, target) triple are
	// serialized in-process. Cross-process races are accepted; see DESIGN.md.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(st store.Store, copier *ItemCopier, events audit.Publisher, cfg Config) *Orchestrator {
	validator := NewPathValidator(cfg.Enabled, cfg.AllowedPaths)
	if events == nil {
		events = audit.NopPublisher{}
	}
	return &Orchestrator{
		store:     st,
		copier:    copier,
		previewer: NewPreviewBuilder(st, validator, cfg.LargeTransferWarnBytes, cfg.MaxItemsPerBatch),
		validator: validator,
		events:    events,
		cfg:       cfg,
		locks:     map[string]*sync.Mutex{},
	}
}

// Preview computes what Execute with the same arguments would do. It never
// fails for path problems; those come back inside the Preview.
func (o *Orchestrator) Preview(ctx context.Context, kind models.ContentKind, source, target Environment, itemIDs []uuid.UUID) (Preview, error) {
	return o.previewer.Build(ctx, kind, source, target, itemIDs)
}

// ExecuteRequest names one operator-triggered promotion.
type ExecuteRequest struct {
	Kind    models.ContentKind
	Source  Environment
	Target  Environment
	ActorID string
	ItemIDs []uuid.UUID
	Reason  string
}

// Execute runs a full promotion. Expected conditions (invalid path, item
// failures) are reported through the returned record, not through the error;
// the error is reserved for setup-phase store failures.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (models.PromotionRecord, error) {
	lock := o.tripleLock(req.Kind, req.Source, req.Target)
	lock.Lock()
	defer lock.Unlock()

	startedAt := time.Now().UTC()
	rec, err := o.store.CreatePromotionRecord(ctx, models.PromotionRecord{
		PromotionType:     req.Kind,
		SourceEnvironment: string(req.Source),
		TargetEnvironment: string(req.Target),
		Status:            models.RecordStatusPending,
		StartedAt:         startedAt,
		PromotedBy:        req.ActorID,
		Reason:            req.Reason,
	})
	if err != nil {
		return models.PromotionRecord{}, fmt.Errorf("create promotion record: %w", err)
	}

	if err := o.store.UpdatePromotionStatus(ctx, rec.ID, models.RecordStatusInProgress); err != nil {
		return models.PromotionRecord{}, fmt.Errorf("transition to in_progress: %w", err)
	}
	rec.Status = models.RecordStatusInProgress

	// Re-validate with identical filters: eligibility may have changed since
	// any caller-side preview.
	preview, err := o.previewer.Build(ctx, req.Kind, req.Source, req.Target, req.ItemIDs)
	if err != nil {
		failed, finErr := o.fail(ctx, rec, startedAt, map[string]string{"setup": err.Error()})
		if finErr != nil {
			return models.PromotionRecord{}, finErr
		}
		return failed, fmt.Errorf("execute setup: %w", err)
	}
	if !preview.IsValid {
		reason := "validation failed"
		if len(preview.Errors) > 0 {
			reason = preview.Errors[0]
		}
		log.Printf("[promotion] %s rejected: %s", rec.ID, reason)
		return o.fail(ctx, rec, startedAt, map[string]string{"validation": (&ValidationError{Reason: reason}).Error()})
	}
	if o.cfg.MaxItemsPerBatch > 0 && preview.TotalCount > o.cfg.MaxItemsPerBatch {
		reason := fmt.Sprintf("%d items exceed the batch cap of %d", preview.TotalCount, o.cfg.MaxItemsPerBatch)
		return o.fail(ctx, rec, startedAt, map[string]string{"validation": (&ValidationError{Reason: reason}).Error()})
	}

	items, err := o.store.ListEligible(ctx, req.Kind, string(req.Source), req.ItemIDs)
	if err != nil {
		failed, finErr := o.fail(ctx, rec, startedAt, map[string]string{"setup": err.Error()})
		if finErr != nil {
			return models.PromotionRecord{}, finErr
		}
		return failed, fmt.Errorf("load eligible set: %w", err)
	}

	acc := runAccumulator{errors: map[string]string{}}
	for _, item := range items {
		newItem, copyErr := o.copyOne(ctx, item, req.Target, req.ActorID)
		if copyErr != nil {
			log.Printf("[promotion] %s item %s failed: %v", rec.ID, item.ID, copyErr)
			acc.errorCount++
			acc.errors[item.ID.String()] = copyErr.Error()
			continue
		}

		acc.successCount++
		acc.pairs = append(acc.pairs, models.PromotedPair{SourceID: item.ID, NewID: newItem.ID})
		acc.created = append(acc.created, newItem.ID)

		// Mark the source item right after its own copy landed, not batched
		// at the end: an interrupted run leaves source state matching what
		// was actually copied.
		if _, err := o.store.MarkItemPromoted(ctx, store.MarkPromotedInput{
			ID:         item.ID,
			TargetEnv:  string(req.Target),
			PromotedBy: req.ActorID,
			PromotedAt: time.Now().UTC(),
		}); err != nil {
			log.Printf("[promotion] %s source bookkeeping for %s failed: %v", rec.ID, item.ID, err)
		}
	}

	status := models.RecordStatusSuccess
	switch {
	case acc.errorCount > 0 && acc.successCount > 0:
		status = models.RecordStatusPartialSuccess
	case acc.errorCount > 0:
		status = models.RecordStatusFailed
	}

	completedAt := time.Now().UTC()
	fin := store.FinalizeInput{
		ID:              rec.ID,
		Status:          status,
		ItemsPromoted:   acc.pairs,
		SuccessCount:    acc.successCount,
		ErrorCount:      acc.errorCount,
		Errors:          acc.errors,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
		CanRollback:     len(acc.created) > 0 && status != models.RecordStatusFailed,
		RollbackData:    acc.created,
	}
	if fin.CanRollback && o.cfg.RollbackWindow > 0 {
		deadline := completedAt.Add(o.cfg.RollbackWindow)
		fin.RollbackDeadline = &deadline
	}
	final, err := o.store.FinalizePromotion(ctx, fin)
	if err != nil {
		return models.PromotionRecord{}, fmt.Errorf("finalize promotion: %w", err)
	}

	o.publish(ctx, "promotion.executed", final, req.ActorID)
	log.Printf("[promotion] %s %s: %d copied, %d failed (%s -> %s)",
		final.ID, final.Status, final.SuccessCount, final.ErrorCount, req.Source, req.Target)
	return final, nil
}

// Rollback deletes the target-environment items a promotion created and
// transitions the record to rolled_back. Deletions are best-effort per id;
// failures are collected into a single *RollbackError while progress on the
// other ids stays committed. Source-item bookkeeping is never reversed.
func (o *Orchestrator) Rollback(ctx context.Context, promotionID uuid.UUID, actorID string) (models.PromotionRecord, error) {
	rec, err := o.store.GetPromotionRecord(ctx, promotionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.PromotionRecord{}, &RollbackError{PromotionID: promotionID, Ineligible: true, Reason: "promotion not found"}
		}
		return models.PromotionRecord{}, fmt.Errorf("load promotion record: %w", err)
	}
	if rec.Status == models.RecordStatusRolledBack {
		return models.PromotionRecord{}, &RollbackError{PromotionID: promotionID, Ineligible: true, Reason: "already rolled back"}
	}
	if !rec.Status.Terminal() {
		return models.PromotionRecord{}, &RollbackError{PromotionID: promotionID, Ineligible: true, Reason: fmt.Sprintf("promotion is still %s", rec.Status)}
	}
	if !rec.CanRollback {
		return models.PromotionRecord{}, &RollbackError{PromotionID: promotionID, Ineligible: true, Reason: fmt.Sprintf("promotion with status %s cannot be rolled back", rec.Status)}
	}
	if rec.RollbackDeadline != nil && time.Now().UTC().After(*rec.RollbackDeadline) {
		// Advisory only.
		log.Printf("[rollback] %s past advisory rollback deadline %s", rec.ID, rec.RollbackDeadline.Format(time.RFC3339))
	}

	failures := map[string]string{}
	for _, id := range rec.RollbackData {
		if err := o.store.DeleteItem(ctx, rec.TargetEnvironment, id); err != nil {
			// Keep going; the goal is to remove as much as possible.
			failures[id.String()] = err.Error()
		}
	}

	rolled, err := o.store.MarkPromotionRolledBack(ctx, rec.ID, actorID, time.Now().UTC())
	if err != nil {
		return models.PromotionRecord{}, fmt.Errorf("mark rolled back: %w", err)
	}

	o.publish(ctx, "promotion.rolled_back", rolled, actorID)
	log.Printf("[rollback] %s rolled back by %s (%d deleted, %d failed)",
		rolled.ID, actorID, len(rec.RollbackData)-len(failures), len(failures))

	if len(failures) > 0 {
		return rolled, &RollbackError{PromotionID: rec.ID, Failures: failures}
	}
	return rolled, nil
}

// GetRecord loads one promotion record from the audit trail.
func (o *Orchestrator) GetRecord(ctx context.Context, id uuid.UUID) (models.PromotionRecord, error) {
	return o.store.GetPromotionRecord(ctx, id)
}

// ListRecords lists the audit trail, newest first, optionally filtered by
// environment pair.
func (o *Orchestrator) ListRecords(ctx context.Context, source, target Environment, limit int) ([]models.PromotionRecord, error) {
	return o.store.ListPromotions(ctx, string(source), string(target), limit)
}

// runAccumulator is the per-Execute working state. It is owned by the single
// Execute call and passed through each item iteration.
type runAccumulator struct {
	successCount int
	errorCount   int
	errors       map[string]string
	pairs        []models.PromotedPair
	created      []uuid.UUID
}

func (o *Orchestrator) copyOne(ctx context.Context, item models.ContentItem, target Environment, actorID string) (models.ContentItem, error) {
	if o.cfg.ItemCopyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ItemCopyTimeout)
		defer cancel()
	}
	return o.copier.Copy(ctx, item, target, actorID)
}

func (o *Orchestrator) fail(ctx context.Context, rec models.PromotionRecord, startedAt time.Time, errs map[string]string) (models.PromotionRecord, error) {
	completedAt := time.Now().UTC()
	final, err := o.store.FinalizePromotion(ctx, store.FinalizeInput{
		ID:              rec.ID,
		Status:          models.RecordStatusFailed,
		ErrorCount:      len(errs),
		Errors:          errs,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
	})
	if err != nil {
		return models.PromotionRecord{}, fmt.Errorf("record failure: %w", err)
	}
	return final, nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, rec models.PromotionRecord, actor string) {
	err := o.events.Publish(ctx, audit.Event{
		EventType:   eventType,
		PromotionID: rec.ID,
		Actor:       actor,
		Payload:     rec,
	})
	if err != nil {
		log.Printf("[audit] publish %s for %s failed: %v", eventType, rec.ID, err)
	}
}

func (o *Orchestrator) tripleLock(kind models.ContentKind, source, target Environment) *sync.Mutex {
	key := string(kind) + "|" + string(source) + "|" + string(target)
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[key] = lock
	}
	return lock
}
