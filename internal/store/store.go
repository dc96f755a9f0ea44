package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/contentplane/promoter/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	ListEligible(ctx context.Context, kind models.ContentKind, env string, ids []uuid.UUID) ([]models.ContentItem, error)
	GetItem(ctx context.Context, id uuid.UUID) (models.ContentItem, error)
	InsertItem(ctx context.Context, item models.ContentItem) (models.ContentItem, error)
	MarkItemPromoted(ctx context.Context, in MarkPromotedInput) (models.ContentItem, error)
	DeleteItem(ctx context.Context, env string, id uuid.UUID) error
	CreatePromotionRecord(ctx context.Context, rec models.PromotionRecord) (models.PromotionRecord, error)
	UpdatePromotionStatus(ctx context.Context, id uuid.UUID, status models.RecordStatus) error
	FinalizePromotion(ctx context.Context, in FinalizeInput) (models.PromotionRecord, error)
	MarkPromotionRolledBack(ctx context.Context, id uuid.UUID, actor string, at time.Time) (models.PromotionRecord, error)
	GetPromotionRecord(ctx context.Context, id uuid.UUID) (models.PromotionRecord, error)
	ListPromotions(ctx context.Context, source, target string, limit int) ([]models.PromotionRecord, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// MarkPromotedInput updates the source item's promotion bookkeeping right
// after its copy landed in the target environment.
type MarkPromotedInput struct {
	ID         uuid.UUID
	TargetEnv  string
	PromotedBy string
	PromotedAt time.Time
}

// FinalizeInput carries the terminal fields written once every item of an
// Execute call has been processed.
type FinalizeInput struct {
	ID               uuid.UUID
	Status           models.RecordStatus
	ItemsPromoted    []models.PromotedPair
	SuccessCount     int
	ErrorCount       int
	Errors           map[string]string
	CompletedAt      time.Time
	DurationSeconds  float64
	CanRollback      bool
	RollbackData     []uuid.UUID
	RollbackDeadline *time.Time
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func marshalJSON(v interface{}, fallback string) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return json.RawMessage(fallback)
	}
	return b
}

const itemColumns = `
	id, kind, environment, name, body, payload_key, size_bytes,
	is_promotable, promotion_status, is_test_data,
	source_id, source_environment, promoted_at, promoted_by, promoted_to,
	created_at, updated_at
`

func scanItem(row rowScanner) (models.ContentItem, error) {
	var (
		item       models.ContentItem
		body       []byte
		sourceID   sql.NullString
		sourceEnv  sql.NullString
		promotedAt sql.NullTime
		promotedBy sql.NullString
		promotedTo []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.Kind,
		&item.Environment,
		&item.Name,
		&body,
		&item.PayloadKey,
		&item.SizeBytes,
		&item.IsPromotable,
		&item.PromotionStatus,
		&item.IsTestData,
		&sourceID,
		&sourceEnv,
		&promotedAt,
		&promotedBy,
		&promotedTo,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return models.ContentItem{}, err
	}
	item.Body = append(json.RawMessage(nil), body...)
	if sourceID.Valid {
		id, err := uuid.Parse(sourceID.String)
		if err == nil {
			item.SourceID = &id
		}
	}
	if sourceEnv.Valid {
		item.SourceEnvironment = sourceEnv.String
	}
	if promotedAt.Valid {
		t := promotedAt.Time
		item.PromotedAt = &t
	}
	if promotedBy.Valid {
		item.PromotedBy = promotedBy.String
	}
	if len(promotedTo) > 0 {
		_ = json.Unmarshal(promotedTo, &item.PromotedTo)
	}
	return item, nil
}

func (s *PGStore) ListEligible(ctx context.Context, kind models.ContentKind, env string, ids []uuid.UUID) ([]models.ContentItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM content_items
		WHERE kind=$1 AND environment=$2
		  AND is_promotable AND promotion_status='approved' AND NOT is_test_data
	`
	args := []interface{}{kind, env}
	if len(ids) > 0 {
		idStrs := make([]string, 0, len(ids))
		for _, id := range ids {
			idStrs = append(idStrs, id.String())
		}
		query += " AND id = ANY($3::uuid[])"
		args = append(args, pq.Array(idStrs))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list eligible items: %w", err)
	}
	defer rows.Close()

	var items []models.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func (s *PGStore) GetItem(ctx context.Context, id uuid.UUID) (models.ContentItem, error) {
	query := `SELECT ` + itemColumns + ` FROM content_items WHERE id=$1`
	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ContentItem{}, ErrNotFound
		}
		return models.ContentItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *PGStore) InsertItem(ctx context.Context, item models.ContentItem) (models.ContentItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	query := `
		INSERT INTO content_items (
			id, kind, environment, name, body, payload_key, size_bytes,
			is_promotable, promotion_status, is_test_data,
			source_id, source_environment, promoted_at, promoted_by, promoted_to
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING ` + itemColumns
	var sourceID interface{}
	if item.SourceID != nil {
		sourceID = item.SourceID.String()
	}
	row := s.db.QueryRowContext(ctx, query,
		item.ID, item.Kind, item.Environment, item.Name,
		ensureJSON(item.Body, "{}"), item.PayloadKey, item.SizeBytes,
		item.IsPromotable, item.PromotionStatus, item.IsTestData,
		sourceID, item.SourceEnvironment, item.PromotedAt, item.PromotedBy,
		marshalJSON(item.PromotedTo, "[]"),
	)
	inserted, err := scanItem(row)
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("insert content item: %w", err)
	}
	return inserted, nil
}

func (s *PGStore) MarkItemPromoted(ctx context.Context, in MarkPromotedInput) (models.ContentItem, error) {
	query := `
		UPDATE content_items
		SET promotion_status='promoted',
		    promoted_at=$2,
		    promoted_by=$3,
		    promoted_to=(
		        CASE WHEN promoted_to @> $4::jsonb THEN promoted_to
		             ELSE promoted_to || $4::jsonb END
		    ),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING ` + itemColumns
	target := marshalJSON([]string{in.TargetEnv}, "[]")
	item, err := scanItem(s.db.QueryRowContext(ctx, query, in.ID, in.PromotedAt, in.PromotedBy, target))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ContentItem{}, ErrNotFound
		}
		return models.ContentItem{}, fmt.Errorf("mark item promoted: %w", err)
	}
	return item, nil
}

func (s *PGStore) DeleteItem(ctx context.Context, env string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_items WHERE id=$1 AND environment=$2`, id, env)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `
	id, promotion_type, source_environment, target_environment, status,
	items_promoted, success_count, error_count, errors,
	started_at, completed_at, duration_seconds,
	promoted_by, reason, can_rollback, rollback_data, rollback_deadline,
	rolled_back_at, rolled_back_by
`

func scanRecord(row rowScanner) (models.PromotionRecord, error) {
	var (
		rec           models.PromotionRecord
		itemsPromoted []byte
		errsJSON      []byte
		completedAt   sql.NullTime
		rollbackData  []byte
		deadline      sql.NullTime
		rolledBackAt  sql.NullTime
		rolledBackBy  sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PromotionType,
		&rec.SourceEnvironment,
		&rec.TargetEnvironment,
		&rec.Status,
		&itemsPromoted,
		&rec.SuccessCount,
		&rec.ErrorCount,
		&errsJSON,
		&rec.StartedAt,
		&completedAt,
		&rec.DurationSeconds,
		&rec.PromotedBy,
		&rec.Reason,
		&rec.CanRollback,
		&rollbackData,
		&deadline,
		&rolledBackAt,
		&rolledBackBy,
	); err != nil {
		return models.PromotionRecord{}, err
	}
	if len(itemsPromoted) > 0 {
		_ = json.Unmarshal(itemsPromoted, &rec.ItemsPromoted)
	}
	if len(errsJSON) > 0 {
		_ = json.Unmarshal(errsJSON, &rec.Errors)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if len(rollbackData) > 0 {
		_ = json.Unmarshal(rollbackData, &rec.RollbackData)
	}
	if deadline.Valid {
		t := deadline.Time
		rec.RollbackDeadline = &t
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		rec.RolledBackAt = &t
	}
	if rolledBackBy.Valid {
		rec.RolledBackBy = rolledBackBy.String
	}
	return rec, nil
}

func (s *PGStore) CreatePromotionRecord(ctx context.Context, rec models.PromotionRecord) (models.PromotionRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	query := `
		INSERT INTO promotion_records (
			id, promotion_type, source_environment, target_environment, status,
			items_promoted, success_count, error_count, errors,
			started_at, promoted_by, reason, can_rollback, rollback_data
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING ` + recordColumns
	row := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.PromotionType, rec.SourceEnvironment, rec.TargetEnvironment, rec.Status,
		marshalJSON(rec.ItemsPromoted, "[]"), rec.SuccessCount, rec.ErrorCount,
		marshalJSON(rec.Errors, "{}"),
		rec.StartedAt, rec.PromotedBy, rec.Reason, rec.CanRollback,
		marshalJSON(rec.RollbackData, "[]"),
	)
	created, err := scanRecord(row)
	if err != nil {
		return models.PromotionRecord{}, fmt.Errorf("insert promotion record: %w", err)
	}
	return created, nil
}

func (s *PGStore) UpdatePromotionStatus(ctx context.Context, id uuid.UUID, status models.RecordStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE promotion_records SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update promotion status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) FinalizePromotion(ctx context.Context, in FinalizeInput) (models.PromotionRecord, error) {
	query := `
		UPDATE promotion_records
		SET status=$2,
		    items_promoted=$3,
		    success_count=$4,
		    error_count=$5,
		    errors=$6,
		    completed_at=$7,
		    duration_seconds=$8,
		    can_rollback=$9,
		    rollback_data=$10,
		    rollback_deadline=$11
		WHERE id=$1
		RETURNING ` + recordColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.Status,
		marshalJSON(in.ItemsPromoted, "[]"), in.SuccessCount, in.ErrorCount,
		marshalJSON(in.Errors, "{}"),
		in.CompletedAt, in.DurationSeconds, in.CanRollback,
		marshalJSON(in.RollbackData, "[]"), in.RollbackDeadline,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionRecord{}, ErrNotFound
		}
		return models.PromotionRecord{}, fmt.Errorf("finalize promotion: %w", err)
	}
	return rec, nil
}

func (s *PGStore) MarkPromotionRolledBack(ctx context.Context, id uuid.UUID, actor string, at time.Time) (models.PromotionRecord, error) {
	query := `
		UPDATE promotion_records
		SET status='rolled_back', can_rollback=FALSE, rolled_back_at=$2, rolled_back_by=$3
		WHERE id=$1
		RETURNING ` + recordColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, at, actor))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionRecord{}, ErrNotFound
		}
		return models.PromotionRecord{}, fmt.Errorf("mark promotion rolled back: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetPromotionRecord(ctx context.Context, id uuid.UUID) (models.PromotionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM promotion_records WHERE id=$1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionRecord{}, ErrNotFound
		}
		return models.PromotionRecord{}, fmt.Errorf("get promotion record: %w", err)
	}
	return rec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListPromotions(ctx context.Context, source, target string, limit int) ([]models.PromotionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM promotion_records WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if source != "" {
		query += fmt.Sprintf(" AND source_environment = $%d", argPos)
		args = append(args, source)
		argPos++
	}
	if target != "" {
		query += fmt.Sprintf(" AND target_environment = $%d", argPos)
		args = append(args, target)
		argPos++
	}
	query += " ORDER BY started_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	defer rows.Close()

	var records []models.PromotionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotion records: %w", err)
	}
	return records, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
