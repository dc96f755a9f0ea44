package promotion

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports a disallowed path, equal environments, or promotion
// being disabled. Execute records status=failed and touches no items.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "promotion validation failed: " + e.Reason
}

// Copy stages, recorded on ItemCopyError so operators can tell which store
// broke.
const (
	StagePayload = "payload"
	StageVectors = "vectors"
	StageRecord  = "record"
)

// ItemCopyError tags a single item's failure with the failing stage. It never
// aborts the batch.
type ItemCopyError struct {
	ItemID uuid.UUID
	Stage  string
	Err    error
}

func (e *ItemCopyError) Error() string {
	return fmt.Sprintf("copy item %s (%s stage): %v", e.ItemID, e.Stage, e.Err)
}

func (e *ItemCopyError) Unwrap() error {
	return e.Err
}

// RollbackError is the single error surfaced per Rollback call. Ineligible
// covers a missing record, canRollback=false, or an already rolled back
// promotion; otherwise Failures holds the per-item deletions that did not
// land (progress on the other ids is still committed).
type RollbackError struct {
	PromotionID uuid.UUID
	Ineligible  bool
	Reason      string
	Failures    map[string]string
}

func (e *RollbackError) Error() string {
	if e.Ineligible {
		return fmt.Sprintf("rollback %s: %s", e.PromotionID, e.Reason)
	}
	return fmt.Sprintf("rollback %s: %d item deletions failed", e.PromotionID, len(e.Failures))
}
