package promotion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/contentplane/promoter/internal/models"
	"github.com/contentplane/promoter/internal/store"
)

// DefaultLargeTransferBytes is the advisory warning threshold for the total
// payload size of one promotion (10 GiB).
const DefaultLargeTransferBytes = int64(10) << 30

type PreviewItem struct {
	ID          uuid.UUID          `json:"id"`
	Kind        models.ContentKind `json:"kind"`
	Environment string             `json:"environment"`
	Name        string             `json:"name"`
	SizeBytes   int64              `json:"sizeBytes"`
}

// Preview summarizes what an Execute call with the same arguments would copy.
// Validation failure is a normal return (IsValid=false), never an error;
// warnings are advisory and never block Execute.
type Preview struct {
	Items          []PreviewItem `json:"items"`
	TotalCount     int           `json:"totalCount"`
	TotalSizeBytes int64         `json:"totalSizeBytes"`
	Warnings       []string      `json:"warnings,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	IsValid        bool          `json:"isValid"`
}

// PreviewBuilder queries the source store for eligible items and aggregates
// counts and size. The returned error is reserved for store failures; path
// problems come back inside the Preview.
type PreviewBuilder struct {
	store              store.Store
	validator          PathValidator
	largeTransferBytes int64
	maxItemsPerBatch   int
}

func NewPreviewBuilder(st store.Store, validator PathValidator, largeTransferBytes int64, maxItemsPerBatch int) *PreviewBuilder {
	if largeTransferBytes <= 0 {
		largeTransferBytes = DefaultLargeTransferBytes
	}
	return &PreviewBuilder{
		store:              st,
		validator:          validator,
		largeTransferBytes: largeTransferBytes,
		maxItemsPerBatch:   maxItemsPerBatch,
	}
}

func (b *PreviewBuilder) Build(ctx context.Context, kind models.ContentKind, source, target Environment, itemIDs []uuid.UUID) (Preview, error) {
	if !kind.Valid() {
		return Preview{Errors: []string{fmt.Sprintf("unknown content kind %q", kind)}}, nil
	}
	if ok, reason := b.validator.Validate(source, target); !ok {
		return Preview{Errors: []string{reason}}, nil
	}

	items, err := b.store.ListEligible(ctx, kind, string(source), itemIDs)
	if err != nil {
		return Preview{}, fmt.Errorf("load eligible items: %w", err)
	}

	preview := Preview{IsValid: true}
	for _, item := range items {
		preview.Items = append(preview.Items, PreviewItem{
			ID:          item.ID,
			Kind:        item.Kind,
			Environment: item.Environment,
			Name:        item.Name,
			SizeBytes:   item.SizeBytes,
		})
		preview.TotalSizeBytes += item.SizeBytes
	}
	preview.TotalCount = len(items)

	if preview.TotalCount == 0 {
		preview.Warnings = append(preview.Warnings, fmt.Sprintf("no eligible %s items found in %s", kind, source))
	}
	if preview.TotalSizeBytes > b.largeTransferBytes {
		preview.Warnings = append(preview.Warnings,
			fmt.Sprintf("large transfer: %d bytes exceeds advisory threshold of %d bytes", preview.TotalSizeBytes, b.largeTransferBytes))
	}
	if b.maxItemsPerBatch > 0 && preview.TotalCount > b.maxItemsPerBatch {
		preview.Warnings = append(preview.Warnings,
			fmt.Sprintf("%d items exceed the batch cap of %d; execute will refuse this set", preview.TotalCount, b.maxItemsPerBatch))
	}
	return preview, nil
}
