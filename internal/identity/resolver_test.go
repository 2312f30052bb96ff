package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/storage"
	"github.com/listing-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo *storage.MemoryListingRepository, id, ad string, lastSeen time.Time, mutate func(r *models.ListingRecord)) {
	t.Helper()
	rec := &models.ListingRecord{
		ListingID:       id,
		SourceID:        "mobile_bg",
		SiteAdID:        ad,
		ListingVersion:  1,
		DescriptionHash: "hashD1",
		FirstImageHash:  "hashI1",
		Snapshot:        models.Snapshot{Brand: "BMW", Model: "320d", Year: models.IntPtr(2018), Price: models.IntPtr(32000)},
		IsActive:        true,
		FirstSeenAt:     t0,
		LastSeenAt:      lastSeen,
		Stage:           types.StageParsed,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, repo.Create(context.Background(), rec))
}

func observation(ad string) *models.Observation {
	return &models.Observation{
		SourceID:        "mobile_bg",
		SiteAdID:        ad,
		DescriptionHash: "hashD1",
		FirstImageHash:  "hashI1",
		Snapshot:        models.Snapshot{Brand: "bmw", Model: " 320D ", Year: models.IntPtr(2018), Price: models.IntPtr(32000)},
		ObservedAt:      t0.Add(time.Hour),
	}
}

func TestResolve_Reobservation(t *testing.T) {
	repo := storage.NewMemoryListingRepository(4)
	seed(t, repo, "r1", "ad1", t0, nil)

	res, err := NewResolver(repo, 1).Resolve(context.Background(), observation("ad1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionReobservation, res.Decision)
	assert.Equal(t, "r1", res.Existing.ListingID)
}

func TestResolve_Duplicate(t *testing.T) {
	repo := storage.NewMemoryListingRepository(4)
	seed(t, repo, "r1", "ad1", t0, nil)

	res, err := NewResolver(repo, 1).Resolve(context.Background(), observation("ad2"))
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, res.Decision)
	assert.Equal(t, "r1", res.Canonical.ListingID)
}

func TestResolve_New(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.ListingRecord)
		obs    func(o *models.Observation)
	}{
		{name: "empty store"},
		{name: "different description", obs: func(o *models.Observation) { o.DescriptionHash = "hashD2" }},
		{name: "missing image hash", obs: func(o *models.Observation) { o.FirstImageHash = "" }},
		{name: "different brand", obs: func(o *models.Observation) { o.Snapshot.Brand = "Audi" }},
		{name: "year outside band", obs: func(o *models.Observation) { o.Snapshot.Year = models.IntPtr(2015) }},
		{name: "year unknown on one side", obs: func(o *models.Observation) { o.Snapshot.Year = nil }},
		{name: "candidate inactive", mutate: func(r *models.ListingRecord) { r.IsActive = false }},
		{name: "candidate is itself a duplicate", mutate: func(r *models.ListingRecord) {
			root := "r0"
			r.IsDuplicate = true
			r.DuplicateOf = &root
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := storage.NewMemoryListingRepository(4)
			if tt.name != "empty store" {
				seed(t, repo, "r1", "ad1", t0, tt.mutate)
			}
			obs := observation("ad2")
			if tt.obs != nil {
				tt.obs(obs)
			}

			res, err := NewResolver(repo, 1).Resolve(context.Background(), obs)
			require.NoError(t, err)
			assert.Equal(t, DecisionNew, res.Decision)
			assert.Nil(t, res.Canonical)
		})
	}
}

func TestResolve_TieBreak(t *testing.T) {
	repo := storage.NewMemoryListingRepository(4)
	seed(t, repo, "r1", "ad1", t0, nil)
	seed(t, repo, "r2", "ad2", t0.Add(30*time.Minute), func(r *models.ListingRecord) {
		r.SourceID = "cars_bg"
	})
	seed(t, repo, "r0", "ad0", t0.Add(30*time.Minute), func(r *models.ListingRecord) {
		r.SourceID = "auto_bg"
	})

	res, err := NewResolver(repo, 1).Resolve(context.Background(), observation("ad9"))
	require.NoError(t, err)
	require.Equal(t, DecisionDuplicate, res.Decision)
	assert.Equal(t, "r0", res.Canonical.ListingID, "latest last_seen_at wins, then lowest id")
}

type failingLookup struct{ err error }

func (f failingLookup) GetByAd(ctx context.Context, key models.AdKey) (*models.ListingRecord, error) {
	return nil, f.err
}

func (f failingLookup) FindByContent(ctx context.Context, key models.ContentKey) ([]*models.ListingRecord, error) {
	return nil, f.err
}

func TestResolve_PropagatesStoreErrors(t *testing.T) {
	dbErr := apperrors.NewDatabaseError("get listing by ad", errors.New("connection reset"))
	_, err := NewResolver(failingLookup{err: dbErr}, 1).Resolve(context.Background(), observation("ad1"))
	assert.ErrorIs(t, err, dbErr)
}

func TestCompatible(t *testing.T) {
	y := models.IntPtr
	tests := []struct {
		name string
		a, b models.Snapshot
		band int
		want bool
	}{
		{"same", models.Snapshot{Brand: "VW", Model: "Golf", Year: y(2015)}, models.Snapshot{Brand: "vw", Model: "golf", Year: y(2015)}, 0, true},
		{"within band", models.Snapshot{Brand: "VW", Model: "Golf", Year: y(2015)}, models.Snapshot{Brand: "VW", Model: "Golf", Year: y(2016)}, 1, true},
		{"outside band", models.Snapshot{Brand: "VW", Model: "Golf", Year: y(2015)}, models.Snapshot{Brand: "VW", Model: "Golf", Year: y(2017)}, 1, false},
		{"both years unknown", models.Snapshot{Brand: "VW", Model: "Golf"}, models.Snapshot{Brand: "VW", Model: "Golf"}, 1, true},
		{"model differs", models.Snapshot{Brand: "VW", Model: "Golf"}, models.Snapshot{Brand: "VW", Model: "Polo"}, 1, false},
		{"inner whitespace folded", models.Snapshot{Brand: "Mercedes  Benz", Model: "C 200"}, models.Snapshot{Brand: "mercedes benz", Model: "c 200"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compatible(tt.a, tt.b, tt.band))
		})
	}
}
