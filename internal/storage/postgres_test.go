package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/listing-tracker/internal/config"
	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "listings",
		User:           "listings",
		Password:       "listings_dev_password",
		MaxConnections: 5,
	}
}

func setupPostgresRepository(t *testing.T) *PostgresListingRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.PostgresURL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return NewPostgresListingRepository(db)
}

func TestPostgresListingRepository_RoundTrip(t *testing.T) {
	repo := setupPostgresRepository(t)
	ctx := testContext(t)

	ad := uuid.NewString()
	rec := newRecord(uuid.NewString(), "it_source", ad, "d-"+ad, "i-"+ad)
	rec.PriceEstimate = &models.PriceEstimate{PredictedPrice: 31000, P10: 29000, P50: 31000, P90: 33000, Confidence: 0.7}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByAd(ctx, rec.AdKey())
	if err != nil {
		t.Fatalf("GetByAd() error = %v", err)
	}
	if got.ListingID != rec.ListingID || got.Stage != types.StageParsed {
		t.Errorf("GetByAd() = %+v", got)
	}
	if got.PriceEstimate == nil || got.PriceEstimate.P90 != 33000 {
		t.Errorf("price estimate not persisted: %+v", got.PriceEstimate)
	}
	if got.Snapshot.Year == nil || *got.Snapshot.Year != 2018 {
		t.Errorf("snapshot year not persisted: %+v", got.Snapshot)
	}

	conflict := newRecord(uuid.NewString(), "it_source", ad, "", "")
	if err := repo.Create(ctx, conflict); !errors.Is(err, apperrors.ErrAdKeyConflict) {
		t.Errorf("Create() duplicate ad error = %v, want AD_KEY_CONFLICT", err)
	}

	at := baseTime.Add(time.Hour)
	updated, changed, err := repo.Update(ctx, rec.ListingID, func(r *models.ListingRecord) (bool, error) {
		r.Stage = types.StageNormalized
		r.Stages.Set(types.StageNormalized, at)
		r.Reprocessed = append(r.Reprocessed, models.Reprocessing{Stage: types.StageParsed, At: at})
		return true, nil
	})
	if err != nil || !changed {
		t.Fatalf("Update() = %v, %v", changed, err)
	}
	if updated.Revision != rec.Revision+1 {
		t.Errorf("Revision = %d, want %d", updated.Revision, rec.Revision+1)
	}

	reread, err := repo.Get(ctx, rec.ListingID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if reread.Stages.NormalizedAt == nil || !reread.Stages.NormalizedAt.Equal(at) {
		t.Errorf("normalized_at = %v, want %v", reread.Stages.NormalizedAt, at)
	}
	if len(reread.Reprocessed) != 1 {
		t.Errorf("reprocessed = %v, want one entry", reread.Reprocessed)
	}

	found, err := repo.FindByContent(ctx, rec.ContentKey())
	if err != nil || len(found) != 1 {
		t.Errorf("FindByContent() = %v, %v", found, err)
	}
}

func TestPostgresListingRepository_NotFound(t *testing.T) {
	repo := setupPostgresRepository(t)
	ctx := testContext(t)

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() error = %v, want NOT_FOUND", err)
	}
	_, _, err := repo.Update(ctx, uuid.NewString(), func(r *models.ListingRecord) (bool, error) { return true, nil })
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Update() error = %v, want NOT_FOUND", err)
	}
}
