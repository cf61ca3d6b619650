package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"climdex/internal/percentile"
	"climdex/internal/types"
)

// FieldRecord is a persisted percentile field and the request it answers.
type FieldRecord struct {
	Fingerprint string
	DatasetRef  string
	Variable    string
	Request     types.PercentileRequest
	Field       *percentile.Field
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// FieldRepository provides data access for the percentile_fields table.
// Fields are stored as JSONB keyed by the fingerprint of the request and
// series that produced them.
type FieldRepository struct {
	db DBTX
}

// NewFieldRepository creates a FieldRepository backed by the given
// connection (pool or transaction).
func NewFieldRepository(db DBTX) *FieldRepository {
	return &FieldRepository{db: db}
}

// Get loads the field stored under fingerprint and bumps its last use.
// A missing row yields ErrCodeNotFoundField.
func (r *FieldRepository) Get(ctx context.Context, fingerprint string) (*FieldRecord, error) {
	var (
		rec       FieldRecord
		requestJS []byte
		fieldJS   []byte
	)
	err := r.db.QueryRow(ctx,
		`UPDATE percentile_fields SET last_used_at = NOW()
		 WHERE fingerprint = $1
		 RETURNING fingerprint, dataset_ref, variable, request, field, created_at, last_used_at`,
		fingerprint,
	).Scan(&rec.Fingerprint, &rec.DatasetRef, &rec.Variable, &requestJS, &fieldJS, &rec.CreatedAt, &rec.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundField,
			"percentile field not found", err,
			map[string]any{"fingerprint": fingerprint})
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load percentile field", err)
	}

	if err := json.Unmarshal(requestJS, &rec.Request); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode stored percentile request", err)
	}
	var field percentile.Field
	if err := json.Unmarshal(fieldJS, &field); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode stored percentile field", err)
	}
	rec.Field = &field
	return &rec, nil
}

// Upsert stores rec, replacing any field with the same fingerprint.
func (r *FieldRepository) Upsert(ctx context.Context, rec *FieldRecord) error {
	requestJS, err := json.Marshal(rec.Request)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode percentile request", err)
	}
	fieldJS, err := json.Marshal(rec.Field)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode percentile field", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO percentile_fields (fingerprint, dataset_ref, variable, kind, request, field)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET field = EXCLUDED.field, request = EXCLUDED.request, last_used_at = NOW()`,
		rec.Fingerprint,
		rec.DatasetRef,
		rec.Variable,
		string(rec.Request.Kind),
		requestJS,
		fieldJS,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store percentile field", err)
	}
	return nil
}

// DeleteUnusedSince removes fields not used since cutoff and returns how
// many were removed.
func (r *FieldRepository) DeleteUnusedSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM percentile_fields WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune percentile fields", err)
	}
	return tag.RowsAffected(), nil
}
