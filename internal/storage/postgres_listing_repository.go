package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/types"
)

const (
	pgUniqueViolation   = "23505"
	adKeyConstraintName = "listings_source_ad_key"
)

const listingColumns = `
	listing_id, source_id, site_ad_id, url, listing_version,
	description_hash, first_image_hash,
	brand, model, year, mileage, fuel, gearbox, body_style, price, region,
	is_active, is_duplicate, duplicate_of, inactive_since,
	first_seen_at, last_seen_at, stage,
	parsed_at, normalized_at, priced_at, ai_eval_at, scored_at, approved_at,
	reprocessed, price_estimate, revision, updated_at`

// PostgresListingRepository stores listing records in the listings table.
// The ad-key index is the (source_id, site_ad_id) unique constraint and
// Update serializes writers with SELECT ... FOR UPDATE.
type PostgresListingRepository struct {
	db *PostgresDB
}

// NewPostgresListingRepository creates a new Postgres listing repository
func NewPostgresListingRepository(db *PostgresDB) *PostgresListingRepository {
	return &PostgresListingRepository{db: db}
}

// Get implements ListingRepository
func (r *PostgresListingRepository) Get(ctx context.Context, listingID string) (*models.ListingRecord, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE listing_id = $1`, listingID)
	rec, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("listing", listingID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get listing", err)
	}
	return rec, nil
}

// GetByAd implements ListingRepository
func (r *PostgresListingRepository) GetByAd(ctx context.Context, key models.AdKey) (*models.ListingRecord, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source_id = $1 AND site_ad_id = $2`,
		key.SourceID, key.SiteAdID)
	rec, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("ad", key.String())
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get listing by ad", err)
	}
	return rec, nil
}

// FindByContent implements ListingRepository
func (r *PostgresListingRepository) FindByContent(ctx context.Context, key models.ContentKey) ([]*models.ListingRecord, error) {
	if key.Empty() {
		return nil, nil
	}
	return r.query(ctx, "find listings by content",
		`SELECT `+listingColumns+` FROM listings
		 WHERE description_hash = $1 AND first_image_hash = $2
		   AND is_active AND NOT is_duplicate
		 ORDER BY listing_id`,
		key.DescriptionHash, key.FirstImageHash)
}

// ListActiveBySource implements ListingRepository
func (r *PostgresListingRepository) ListActiveBySource(ctx context.Context, sourceID string) ([]*models.ListingRecord, error) {
	return r.query(ctx, "list active listings",
		`SELECT `+listingColumns+` FROM listings
		 WHERE source_id = $1 AND is_active
		 ORDER BY listing_id`,
		sourceID)
}

func (r *PostgresListingRepository) query(ctx context.Context, op, sql string, args ...interface{}) ([]*models.ListingRecord, error) {
	rows, err := r.db.Pool().Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	var out []*models.ListingRecord
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return out, nil
}

// Create implements ListingRepository
func (r *PostgresListingRepository) Create(ctx context.Context, rec *models.ListingRecord) error {
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	rec.UpdatedAt = time.Now().UTC()

	args, err := listingArgs(rec)
	if err != nil {
		return apperrors.NewInternalError("encode listing", err)
	}

	_, err = r.db.Pool().Exec(ctx, `INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)`,
		args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == adKeyConstraintName {
			return apperrors.NewAdKeyConflictError(rec.SourceID, rec.SiteAdID)
		}
		return apperrors.NewDatabaseError("create listing", err)
	}
	return nil
}

// Update implements ListingRepository
func (r *PostgresListingRepository) Update(ctx context.Context, listingID string, fn Mutation) (*models.ListingRecord, bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("begin update", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	current, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE listing_id = $1 FOR UPDATE`, listingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperrors.NewNotFoundError("listing", listingID)
	}
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("lock listing", err)
	}

	working := current.Clone()
	changed, err := fn(working)
	if err != nil {
		return current, false, err
	}
	if !changed {
		return current, false, nil
	}
	if err := checkImmutable(current, working); err != nil {
		return current, false, apperrors.NewInternalError("rejected mutation", err)
	}

	working.Revision = current.Revision + 1
	working.UpdatedAt = time.Now().UTC()

	args, err := listingArgs(working)
	if err != nil {
		return current, false, apperrors.NewInternalError("encode listing", err)
	}

	_, err = tx.Exec(ctx, `UPDATE listings SET
		url = $4, listing_version = $5,
		description_hash = $6, first_image_hash = $7,
		brand = $8, model = $9, year = $10, mileage = $11, fuel = $12, gearbox = $13,
		body_style = $14, price = $15, region = $16,
		is_active = $17, is_duplicate = $18, duplicate_of = $19, inactive_since = $20,
		first_seen_at = $21, last_seen_at = $22, stage = $23,
		parsed_at = $24, normalized_at = $25, priced_at = $26, ai_eval_at = $27,
		scored_at = $28, approved_at = $29,
		reprocessed = $30, price_estimate = $31, revision = $32, updated_at = $33
		WHERE listing_id = $1 AND source_id = $2 AND site_ad_id = $3`, args...)
	if err != nil {
		return current, false, apperrors.NewDatabaseError("update listing", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return current, false, apperrors.NewDatabaseError("commit listing", err)
	}
	return working, true, nil
}

// listingArgs returns the positional arguments matching listingColumns
func listingArgs(rec *models.ListingRecord) ([]interface{}, error) {
	reprocessed := rec.Reprocessed
	if reprocessed == nil {
		reprocessed = []models.Reprocessing{}
	}
	reprocessedJSON, err := json.Marshal(reprocessed)
	if err != nil {
		return nil, fmt.Errorf("marshal reprocessed: %w", err)
	}

	var estimateJSON *string
	if rec.PriceEstimate != nil {
		b, err := json.Marshal(rec.PriceEstimate)
		if err != nil {
			return nil, fmt.Errorf("marshal price estimate: %w", err)
		}
		s := string(b)
		estimateJSON = &s
	}

	s := rec.Snapshot
	st := rec.Stages
	return []interface{}{
		rec.ListingID, rec.SourceID, rec.SiteAdID, rec.URL, rec.ListingVersion,
		rec.DescriptionHash, rec.FirstImageHash,
		s.Brand, s.Model, s.Year, s.Mileage, s.Fuel, s.Gearbox, s.BodyStyle, s.Price, s.Region,
		rec.IsActive, rec.IsDuplicate, rec.DuplicateOf, rec.InactiveSince,
		rec.FirstSeenAt, rec.LastSeenAt, int(rec.Stage),
		st.ParsedAt, st.NormalizedAt, st.PricedAt, st.AIEvalAt, st.ScoredAt, st.ApprovedAt,
		string(reprocessedJSON), estimateJSON, rec.Revision, rec.UpdatedAt,
	}, nil
}

// scanListing scans one row selected with listingColumns
func scanListing(row pgx.Row) (*models.ListingRecord, error) {
	var (
		rec          models.ListingRecord
		stage        int
		reprocessed  []byte
		estimateJSON []byte
	)
	s := &rec.Snapshot
	st := &rec.Stages

	err := row.Scan(
		&rec.ListingID, &rec.SourceID, &rec.SiteAdID, &rec.URL, &rec.ListingVersion,
		&rec.DescriptionHash, &rec.FirstImageHash,
		&s.Brand, &s.Model, &s.Year, &s.Mileage, &s.Fuel, &s.Gearbox, &s.BodyStyle, &s.Price, &s.Region,
		&rec.IsActive, &rec.IsDuplicate, &rec.DuplicateOf, &rec.InactiveSince,
		&rec.FirstSeenAt, &rec.LastSeenAt, &stage,
		&st.ParsedAt, &st.NormalizedAt, &st.PricedAt, &st.AIEvalAt, &st.ScoredAt, &st.ApprovedAt,
		&reprocessed, &estimateJSON, &rec.Revision, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Stage = types.Stage(stage)
	if len(reprocessed) > 0 {
		if err := json.Unmarshal(reprocessed, &rec.Reprocessed); err != nil {
			return nil, fmt.Errorf("decode reprocessed: %w", err)
		}
		if len(rec.Reprocessed) == 0 {
			rec.Reprocessed = nil
		}
	}
	if len(estimateJSON) > 0 {
		rec.PriceEstimate = &models.PriceEstimate{}
		if err := json.Unmarshal(estimateJSON, rec.PriceEstimate); err != nil {
			return nil, fmt.Errorf("decode price estimate: %w", err)
		}
	}
	return &rec, nil
}
