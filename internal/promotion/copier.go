package promotion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contentplane/promoter/internal/models"
	"github.com/contentplane/promoter/internal/objectstore"
	"github.com/contentplane/promoter/internal/store"
	"github.com/contentplane/promoter/internal/vectorindex"
)

// ItemCopier copies one logical item's record, payload, and vector points
// into the target environment.
//
// There is no transaction spanning the three stores. Consistency rests on
// ordering: the payload is copied before the record is persisted, so a
// payload failure leaves no dangling record, and a record failure leaves only
// an orphaned object that the next attempt overwrites.
type ItemCopier struct {
	store          store.Store
	objects        objectstore.Client
	vectors        vectorindex.Client
	baseBucket     string
	baseCollection string
}

func NewItemCopier(st store.Store, objects objectstore.Client, vectors vectorindex.Client, baseBucket, baseCollection string) *ItemCopier {
	return &ItemCopier{
		store:          st,
		objects:        objects,
		vectors:        vectors,
		baseBucket:     baseBucket,
		baseCollection: baseCollection,
	}
}

// Copy builds the target-environment copy of source and persists it. On
// failure the returned error is an *ItemCopyError tagged with the source item
// id and the failing stage.
func (c *ItemCopier) Copy(ctx context.Context, source models.ContentItem, targetEnv Environment, actorID string) (models.ContentItem, error) {
	now := time.Now().UTC()
	sourceID := source.ID

	// Field-for-field copy, minus identity and timestamps.
	newItem := source
	newItem.ID = uuid.New()
	newItem.CreatedAt = time.Time{}
	newItem.UpdatedAt = time.Time{}
	newItem.Environment = string(targetEnv)
	newItem.SourceID = &sourceID
	newItem.SourceEnvironment = source.Environment
	newItem.PromotionStatus = models.ItemStatusPromoted
	newItem.PromotedAt = &now
	newItem.PromotedBy = actorID
	newItem.PromotedTo = nil

	if source.Kind.HasPayload() && source.PayloadKey != "" {
		if err := c.copyPayload(ctx, source, targetEnv); err != nil {
			return models.ContentItem{}, &ItemCopyError{ItemID: sourceID, Stage: StagePayload, Err: err}
		}
	}

	if source.Kind.HasVectorPoints() && c.vectors != nil {
		sourceColl := vectorindex.CollectionName(c.baseCollection, source.Environment)
		targetColl := vectorindex.CollectionName(c.baseCollection, string(targetEnv))
		if _, err := c.vectors.CopyPoints(ctx, []string{sourceID.String()}, sourceColl, targetColl); err != nil {
			// Vectors are regenerable; the item still counts.
			log.Printf("[promotion] vector copy for item %s skipped: %v", sourceID, err)
		}
	}

	inserted, err := c.store.InsertItem(ctx, newItem)
	if err != nil {
		return models.ContentItem{}, &ItemCopyError{ItemID: sourceID, Stage: StageRecord, Err: err}
	}
	return inserted, nil
}

func (c *ItemCopier) copyPayload(ctx context.Context, source models.ContentItem, targetEnv Environment) error {
	sourceBucket := objectstore.BucketName(source.Environment, c.baseBucket)
	targetBucket := objectstore.BucketName(string(targetEnv), c.baseBucket)

	// Read then write; no cross-bucket server-side copy is assumed.
	data, err := c.objects.Get(ctx, sourceBucket, source.PayloadKey)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := c.objects.Put(ctx, targetBucket, source.PayloadKey, data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
