package promotion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentplane/promoter/internal/audit"
	"github.com/contentplane/promoter/internal/models"
	"github.com/contentplane/promoter/internal/objectstore"
	"github.com/contentplane/promoter/internal/promotion"
	"github.com/contentplane/promoter/internal/store"
	"github.com/contentplane/promoter/internal/vectorindex"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

// flakyObjectStore fails Get for the configured payload keys, simulating a
// partial store outage.
type flakyObjectStore struct {
	*objectstore.MemoryClient
	failKeys map[string]bool
}

func (f *flakyObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if f.failKeys[key] {
		return nil, errors.New("simulated outage")
	}
	return f.MemoryClient.Get(ctx, bucket, key)
}

// stalledObjectStore blocks Get until the caller's context expires.
type stalledObjectStore struct {
	*objectstore.MemoryClient
}

func (s *stalledObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	store        *store.MemoryStore
	objects      *objectstore.MemoryClient
	vectors      *vectorindex.MemoryClient
	events       *recordingPublisher
	orchestrator *promotion.Orchestrator
}

func newFixture(t *testing.T, cfg promotion.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		objects: objectstore.NewMemoryClient(),
		vectors: vectorindex.NewMemoryClient(),
		events:  &recordingPublisher{},
	}
	copier := promotion.NewItemCopier(f.store, f.objects, f.vectors, "content", "docs")
	f.orchestrator = promotion.NewOrchestrator(f.store, copier, f.events, cfg)
	return f
}

func enabledConfig() promotion.Config {
	return promotion.Config{Enabled: true}
}

func (f *fixture) seedApprovedDocs(t *testing.T, n int) []models.ContentItem {
	t.Helper()
	ctx := context.Background()
	names := []string{"guide", "faq", "intro", "howto", "notes"}
	var items []models.ContentItem
	for i := 0; i < n; i++ {
		item := seedItem(t, f.store, approvedItem(models.KindDocument, "dev", names[i%len(names)], 100))
		require.NoError(t, f.objects.Put(ctx, "dev-content", item.PayloadKey, []byte("payload-"+item.Name)))
		items = append(items, item)
	}
	return items
}

func TestExecutePromotesAllItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	sources := f.seedApprovedDocs(t, 3)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind:    models.KindDocument,
		Source:  promotion.EnvDev,
		Target:  promotion.EnvStage,
		ActorID: "ops@example.com",
		Reason:  "release 42",
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusSuccess, rec.Status)
	assert.Equal(t, 3, rec.SuccessCount)
	assert.Equal(t, 0, rec.ErrorCount)
	assert.Len(t, rec.ItemsPromoted, 3)
	assert.Len(t, rec.RollbackData, 3)
	assert.True(t, rec.CanRollback)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, "release 42", rec.Reason)

	for _, pair := range rec.ItemsPromoted {
		copied, err := f.store.GetItem(ctx, pair.NewID)
		require.NoError(t, err)
		assert.Equal(t, "stage", copied.Environment)
		assert.Equal(t, "dev", copied.SourceEnvironment)
		require.NotNil(t, copied.SourceID)
		assert.Equal(t, pair.SourceID, *copied.SourceID)
	}
	for _, src := range sources {
		updated, err := f.store.GetItem(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStatusPromoted, updated.PromotionStatus)
		assert.Contains(t, updated.PromotedTo, "stage")
		assert.Equal(t, "ops@example.com", updated.PromotedBy)
	}
	assert.Equal(t, []string{"promotion.executed"}, f.events.types())
}

func TestExecutePartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	items := f.seedApprovedDocs(t, 3)

	flaky := &flakyObjectStore{
		MemoryClient: f.objects,
		failKeys: map[string]bool{
			items[1].PayloadKey: true,
			items[2].PayloadKey: true,
		},
	}
	copier := promotion.NewItemCopier(f.store, flaky, f.vectors, "content", "docs")
	orchestrator := promotion.NewOrchestrator(f.store, copier, f.events, enabledConfig())

	rec, err := orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind:    models.KindDocument,
		Source:  promotion.EnvDev,
		Target:  promotion.EnvStage,
		ActorID: "ops",
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusPartialSuccess, rec.Status)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.Equal(t, 2, rec.ErrorCount)
	require.Len(t, rec.Errors, 2)
	assert.Contains(t, rec.Errors, items[1].ID.String())
	assert.Contains(t, rec.Errors, items[2].ID.String())
	assert.Len(t, rec.ItemsPromoted, 1)
	assert.True(t, rec.CanRollback)

	// Failed items keep their approved status for a retry.
	for _, id := range []uuid.UUID{items[1].ID, items[2].ID} {
		item, err := f.store.GetItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStatusApproved, item.PromotionStatus)
	}
}

func TestExecuteAllItemsFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	items := f.seedApprovedDocs(t, 2)

	flaky := &flakyObjectStore{
		MemoryClient: f.objects,
		failKeys:     map[string]bool{items[0].PayloadKey: true, items[1].PayloadKey: true},
	}
	copier := promotion.NewItemCopier(f.store, flaky, f.vectors, "content", "docs")
	orchestrator := promotion.NewOrchestrator(f.store, copier, f.events, enabledConfig())

	rec, err := orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind:   models.KindDocument,
		Source: promotion.EnvDev,
		Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusFailed, rec.Status)
	assert.Equal(t, 0, rec.SuccessCount)
	assert.Equal(t, 2, rec.ErrorCount)
	assert.False(t, rec.CanRollback)
	assert.Empty(t, rec.RollbackData)
}

func TestExecuteEmptySetSucceeds(t *testing.T) {
	f := newFixture(t, enabledConfig())

	rec, err := f.orchestrator.Execute(context.Background(), promotion.ExecuteRequest{
		Kind:   models.KindDocument,
		Source: promotion.EnvDev,
		Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusSuccess, rec.Status)
	assert.Zero(t, rec.SuccessCount)
	assert.Zero(t, rec.ErrorCount)
	assert.False(t, rec.CanRollback)
}

func TestExecuteIsItemLevelIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	f.seedApprovedDocs(t, 3)

	first, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)
	require.Equal(t, 3, first.SuccessCount)

	// Promoted items drop out of the eligibility predicate, so a re-run is a
	// successful no-op.
	second, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSuccess, second.Status)
	assert.Zero(t, second.SuccessCount)
	assert.Zero(t, second.ErrorCount)
}

func TestExecuteSameSourceAndTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	f.seedApprovedDocs(t, 1)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvDev,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusFailed, rec.Status)
	assert.Zero(t, rec.SuccessCount)
	assert.Contains(t, rec.Errors["validation"], "same")
	assert.Equal(t, 1, f.store.ItemCount())
}

func TestExecutePromotionDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, promotion.Config{Enabled: false})
	f.seedApprovedDocs(t, 1)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusFailed, rec.Status)
	assert.Zero(t, rec.SuccessCount)
	assert.Contains(t, rec.Errors["validation"], "disabled")
	assert.Equal(t, 1, f.store.ItemCount())
}

func TestExecuteDisallowedPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	f.seedApprovedDocs(t, 1)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvStage, Target: promotion.EnvDev,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusFailed, rec.Status)
	assert.Contains(t, rec.Errors["validation"], "not allowed")
	assert.Equal(t, 1, f.store.ItemCount())
}

func TestExecuteBatchCap(t *testing.T) {
	ctx := context.Background()
	cfg := enabledConfig()
	cfg.MaxItemsPerBatch = 2
	f := newFixture(t, cfg)
	f.seedApprovedDocs(t, 3)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusFailed, rec.Status)
	assert.Contains(t, rec.Errors["validation"], "batch cap")
	assert.Equal(t, 3, f.store.ItemCount())
}

func TestExecuteItemCopyTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	items := f.seedApprovedDocs(t, 1)

	cfg := enabledConfig()
	cfg.ItemCopyTimeout = 50 * time.Millisecond
	copier := promotion.NewItemCopier(f.store, &stalledObjectStore{MemoryClient: f.objects}, f.vectors, "content", "docs")
	orchestrator := promotion.NewOrchestrator(f.store, copier, f.events, cfg)

	// A copy that outlives the per-item timeout becomes an ordinary item
	// error; the run itself still finalizes cleanly.
	rec, err := orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.ErrorCount)
	assert.Zero(t, rec.SuccessCount)
	msg := rec.Errors[items[0].ID.String()]
	assert.Contains(t, msg, "payload")
	assert.Contains(t, msg, "context deadline exceeded")

	// The item stays approved for a retry once the store recovers.
	item, err := f.store.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusApproved, item.PromotionStatus)
}

func TestRollbackRemovesCreatedItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	f.seedApprovedDocs(t, 3)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage, ActorID: "ops",
	})
	require.NoError(t, err)
	require.Equal(t, 3, rec.SuccessCount)
	require.Equal(t, 6, f.store.ItemCount())

	rolled, err := f.orchestrator.Rollback(ctx, rec.ID, "ops2")
	require.NoError(t, err)

	assert.Equal(t, models.RecordStatusRolledBack, rolled.Status)
	assert.False(t, rolled.CanRollback)
	assert.Equal(t, "ops2", rolled.RolledBackBy)
	assert.NotNil(t, rolled.RolledBackAt)
	assert.Equal(t, 3, f.store.ItemCount())
	for _, id := range rec.RollbackData {
		_, err := f.store.GetItem(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}

	// Source bookkeeping is deliberately not reversed.
	for _, pair := range rec.ItemsPromoted {
		src, err := f.store.GetItem(ctx, pair.SourceID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStatusPromoted, src.PromotionStatus)
	}

	assert.Equal(t, []string{"promotion.executed", "promotion.rolled_back"}, f.events.types())
}

func TestRollbackTwiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	f.seedApprovedDocs(t, 1)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	_, err = f.orchestrator.Rollback(ctx, rec.ID, "ops")
	require.NoError(t, err)

	_, err = f.orchestrator.Rollback(ctx, rec.ID, "ops")
	var rbErr *promotion.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.True(t, rbErr.Ineligible)
	assert.Contains(t, rbErr.Reason, "already rolled back")
}

func TestRollbackIneligibleRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())

	var rbErr *promotion.RollbackError

	_, err := f.orchestrator.Rollback(ctx, uuid.New(), "ops")
	require.ErrorAs(t, err, &rbErr)
	assert.True(t, rbErr.Ineligible)
	assert.Contains(t, rbErr.Reason, "not found")

	// A failed execution (zero successes) cannot be rolled back.
	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvDev,
	})
	require.NoError(t, err)
	require.Equal(t, models.RecordStatusFailed, rec.Status)

	_, err = f.orchestrator.Rollback(ctx, rec.ID, "ops")
	require.ErrorAs(t, err, &rbErr)
	assert.True(t, rbErr.Ineligible)
}

func TestRollbackCollectsDeletionFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	f.seedApprovedDocs(t, 2)

	rec, err := f.orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)
	require.Len(t, rec.RollbackData, 2)

	// One target item vanished out of band.
	gone := rec.RollbackData[0]
	require.NoError(t, f.store.DeleteItem(ctx, "stage", gone))

	rolled, err := f.orchestrator.Rollback(ctx, rec.ID, "ops")
	var rbErr *promotion.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.False(t, rbErr.Ineligible)
	assert.Contains(t, rbErr.Failures, gone.String())

	// Progress on the other ids is still committed.
	assert.Equal(t, models.RecordStatusRolledBack, rolled.Status)
	_, err = f.store.GetItem(ctx, rec.RollbackData[1])
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteAccounting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	items := f.seedApprovedDocs(t, 5)

	flaky := &flakyObjectStore{
		MemoryClient: f.objects,
		failKeys:     map[string]bool{items[3].PayloadKey: true},
	}
	copier := promotion.NewItemCopier(f.store, flaky, f.vectors, "content", "docs")
	orchestrator := promotion.NewOrchestrator(f.store, copier, f.events, enabledConfig())

	preview, err := orchestrator.Preview(ctx, models.KindDocument, promotion.EnvDev, promotion.EnvStage, nil)
	require.NoError(t, err)

	rec, err := orchestrator.Execute(ctx, promotion.ExecuteRequest{
		Kind: models.KindDocument, Source: promotion.EnvDev, Target: promotion.EnvStage,
	})
	require.NoError(t, err)

	// successCount + errorCount always equals the preview's eligible count.
	assert.Equal(t, preview.TotalCount, rec.SuccessCount+rec.ErrorCount)
}
