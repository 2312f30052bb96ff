package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/fingerprint"
	"github.com/listing-tracker/internal/metrics"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/pipeline"
	"github.com/listing-tracker/internal/pricing"
	"github.com/listing-tracker/internal/publish"
	"github.com/listing-tracker/internal/storage"
	"github.com/listing-tracker/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []publish.ListingEvent
}

func (c *capturePublisher) Name() string { return "capture" }

func (c *capturePublisher) Publish(_ context.Context, e publish.ListingEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) eventTypes() []types.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type storeFixture struct {
	repo    *storage.MemoryListingRepository
	pub     *capturePublisher
	metrics *metrics.Registry
	store   *EventStore
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	repo := storage.NewMemoryListingRepository(16)
	pub := &capturePublisher{}
	m := metrics.NewRegistry()
	store := NewEventStore(repo, pub, m, 1)

	var seq int64
	store.newID = func() string {
		return fmt.Sprintf("lst-%03d", atomic.AddInt64(&seq, 1))
	}
	store.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	return &storeFixture{repo: repo, pub: pub, metrics: m, store: store}
}

func observation(source, ad, desc, img string, year, price int, at time.Time) *models.Observation {
	return &models.Observation{
		SourceID:        source,
		SiteAdID:        ad,
		URL:             "https://" + source + ".example/ads/" + ad,
		DescriptionHash: desc,
		FirstImageHash:  img,
		Snapshot: models.Snapshot{
			Brand: "BMW",
			Model: "320d",
			Year:  models.IntPtr(year),
			Price: models.IntPtr(price),
		},
		ObservedAt: at,
	}
}

func TestUpsert_CreatesParsedRecord(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, types.OutcomeCreated, res.Outcome)
	assert.Equal(t, "lst-001", rec.ListingID)
	assert.Equal(t, 1, rec.ListingVersion)
	assert.True(t, rec.IsActive)
	assert.False(t, rec.IsDuplicate)
	assert.Nil(t, rec.DuplicateOf)
	assert.Equal(t, types.StageParsed, rec.Stage)
	assert.Equal(t, baseTime, *rec.Stages.ParsedAt)
	assert.Equal(t, baseTime, rec.FirstSeenAt)
	assert.Equal(t, baseTime, rec.LastSeenAt)

	assert.Equal(t, []types.EventType{types.EventCreated}, f.pub.eventTypes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Upserts.WithLabelValues("created")))
}

func TestUpsert_SameAdKeepsListingID(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	first, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)
	second, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 31000, baseTime.Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeReobserved, second.Outcome)
	assert.Equal(t, first.Record.ListingID, second.Record.ListingID)
	assert.Equal(t, 2, second.Record.ListingVersion, "price change bumps the version")
	assert.True(t, second.VersionBumped)
	assert.Equal(t, 31000, *second.Record.Snapshot.Price)
	assert.Equal(t, baseTime.Add(time.Hour), second.Record.LastSeenAt)
	assert.Equal(t, baseTime, second.Record.FirstSeenAt)
	assert.Equal(t, 1, f.repo.Len())
}

func TestUpsert_UnchangedSnapshotKeepsVersion(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)

	// the description was reformatted, so its hash drifted; the normalized fields did not
	res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1-reformatted", "i1", 2018, 32000, baseTime.Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Record.ListingVersion)
	assert.False(t, res.VersionBumped)
	assert.True(t, res.Changed, "last_seen_at still advances")
	assert.Equal(t, "d1-reformatted", res.Record.DescriptionHash)
}

func TestUpsert_Idempotent(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	obs := observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime)

	first, err := f.store.Upsert(ctx, obs)
	require.NoError(t, err)
	second, err := f.store.Upsert(ctx, obs)
	require.NoError(t, err)

	assert.False(t, second.Changed)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, []types.EventType{types.EventCreated}, f.pub.eventTypes(), "redelivery publishes nothing")
}

func TestUpsert_StaleObservation(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)
	_, err = f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 30000, baseTime.Add(2*time.Hour)))
	require.NoError(t, err)

	// delivered late: seen before the latest observation, carries an old price
	res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 31000, baseTime.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 30000, *res.Record.Snapshot.Price)
	assert.Equal(t, baseTime.Add(2*time.Hour), res.Record.LastSeenAt)

	// an earlier sighting lowers first_seen_at only
	res, err = f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 29000, baseTime.Add(-time.Hour)))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, baseTime.Add(-time.Hour), res.Record.FirstSeenAt)
	assert.Equal(t, 30000, *res.Record.Snapshot.Price)
	assert.Equal(t, 2, res.Record.ListingVersion)
}

func TestUpsert_DuplicateAcrossAds(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	canonical, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)
	dup, err := f.store.Upsert(ctx, observation("cars_bg", "x-77", "d1", "i1", 2019, 31500, baseTime.Add(time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeDuplicate, dup.Outcome)
	assert.True(t, dup.Record.IsDuplicate)
	require.NotNil(t, dup.Record.DuplicateOf)
	assert.Equal(t, canonical.Record.ListingID, *dup.Record.DuplicateOf)
	assert.NotEqual(t, canonical.Record.ListingID, dup.Record.ListingID)

	// the canonical record is not touched by the duplicate
	stored, err := f.store.Get(ctx, canonical.Record.ListingID)
	require.NoError(t, err)
	assert.Equal(t, canonical.Record.Revision, stored.Revision)

	// a third ad with the same content points at the canonical, not at the duplicate
	third, err := f.store.Upsert(ctx, observation("olx", "o-1", "d1", "i1", 2018, 32000, baseTime.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, canonical.Record.ListingID, *third.Record.DuplicateOf)

	assert.Equal(t, []types.EventType{types.EventCreated, types.EventDuplicated, types.EventDuplicated}, f.pub.eventTypes())
}

func TestUpsert_IncompatibleContentMatchIsNew(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)

	res, err := f.store.Upsert(ctx, observation("cars_bg", "x-1", "d1", "i1", 2012, 9000, baseTime))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCreated, res.Outcome, "year outside the band")

	res, err = f.store.Upsert(ctx, observation("cars_bg", "x-2", "d1", "", 2018, 32000, baseTime))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCreated, res.Outcome, "missing image hash never matches")
}

func TestUpsert_InvalidObservation(t *testing.T) {
	f := newStoreFixture(t)

	_, err := f.store.Upsert(context.Background(), &models.Observation{SourceID: "mobile_bg", ObservedAt: baseTime})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidObservation))
	assert.Equal(t, 0, f.repo.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Upserts.WithLabelValues("error")))
}

func TestUpsert_ConcurrentSameAd(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 40)
	errs := make([]error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000+i, baseTime.Add(time.Duration(i)*time.Second)))
			errs[i] = err
			if err == nil {
				ids[i] = res.Record.ListingID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.repo.Len())

	rec, err := f.store.GetByAd(ctx, "mobile_bg", "ad1")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(39*time.Second), rec.LastSeenAt)
	assert.Equal(t, 32039, *rec.Snapshot.Price, "the latest observation wins")
	assert.Equal(t, baseTime, rec.FirstSeenAt)
}

func TestMarkInactive(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)
	id := res.Record.ListingID

	rec, err := f.store.MarkInactive(ctx, id, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.Equal(t, baseTime.Add(time.Hour), *rec.InactiveSince)

	again, err := f.store.MarkInactive(ctx, id, baseTime.Add(2*time.Hour))
	require.NoError(t, err, "marking twice is a no-op")
	assert.Equal(t, rec.Revision, again.Revision)
	assert.Equal(t, baseTime.Add(time.Hour), *again.InactiveSince)

	_, err = f.store.MarkInactive(ctx, "missing", time.Time{})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	assert.Equal(t, []types.EventType{types.EventCreated, types.EventInactivated}, f.pub.eventTypes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Inactivations))
}

func TestUpsert_Reactivation(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)
	_, err = f.store.MarkInactive(ctx, res.Record.ListingID, baseTime.Add(time.Hour))
	require.NoError(t, err)

	// a late redelivery from before the removal does not bring the ad back
	late, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.False(t, late.Reactivated)
	assert.False(t, late.Record.IsActive)

	back, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.True(t, back.Reactivated)
	assert.True(t, back.Record.IsActive)
	assert.Nil(t, back.Record.InactiveSince)
	assert.Equal(t, res.Record.ListingID, back.Record.ListingID)
}

func TestInactiveRecordIsNotADuplicateTarget(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	res, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime))
	require.NoError(t, err)
	_, err = f.store.MarkInactive(ctx, res.Record.ListingID, baseTime.Add(time.Hour))
	require.NoError(t, err)

	other, err := f.store.Upsert(ctx, observation("cars_bg", "x-1", "d1", "i1", 2018, 32000, baseTime.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCreated, other.Outcome)
}

func TestReconcileCrawl(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	for _, ad := range []string{"a", "b", "c"} {
		_, err := f.store.Upsert(ctx, observation("mobile_bg", ad, "d-"+ad, "i-"+ad, 2018, 10000, baseTime))
		require.NoError(t, err)
	}
	_, err := f.store.Upsert(ctx, observation("cars_bg", "z", "d-z", "i-z", 2018, 10000, baseTime))
	require.NoError(t, err)
	// observed while the crawl was finishing
	_, err = f.store.Upsert(ctx, observation("mobile_bg", "c", "d-c", "i-c", 2018, 10000, baseTime.Add(2*time.Hour)))
	require.NoError(t, err)

	marked, err := f.store.ReconcileCrawl(ctx, "mobile_bg", []string{"a"}, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, marked, 1)

	b, err := f.store.GetByAd(ctx, "mobile_bg", "b")
	require.NoError(t, err)
	assert.Equal(t, b.ListingID, marked[0])
	assert.False(t, b.IsActive)

	for _, key := range [][2]string{{"mobile_bg", "a"}, {"mobile_bg", "c"}, {"cars_bg", "z"}} {
		rec, err := f.store.GetByAd(ctx, key[0], key[1])
		require.NoError(t, err)
		assert.True(t, rec.IsActive, key)
	}

	_, err = f.store.ReconcileCrawl(ctx, "", nil, baseTime)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))
}

// sightingDuringListRepository runs onList once, after the active listings
// were read and before reconciliation marks any of them
type sightingDuringListRepository struct {
	*storage.MemoryListingRepository
	onList func()
}

func (r *sightingDuringListRepository) ListActiveBySource(ctx context.Context, sourceID string) ([]*models.ListingRecord, error) {
	recs, err := r.MemoryListingRepository.ListActiveBySource(ctx, sourceID)
	if r.onList != nil {
		hook := r.onList
		r.onList = nil
		hook()
	}
	return recs, err
}

func TestReconcileCrawl_SightingAfterListingKeepsActive(t *testing.T) {
	repo := &sightingDuringListRepository{MemoryListingRepository: storage.NewMemoryListingRepository(4)}
	store := NewEventStore(repo, nil, nil, 1)
	ctx := context.Background()
	crawlAt := baseTime.Add(time.Hour)

	created, err := store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 20000, baseTime))
	require.NoError(t, err)

	repo.onList = func() {
		_, err := store.Upsert(ctx, observation("mobile_bg", "ad1", "d1", "i1", 2018, 20000, crawlAt.Add(time.Minute)))
		require.NoError(t, err)
	}

	marked, err := store.ReconcileCrawl(ctx, "mobile_bg", nil, crawlAt)
	require.NoError(t, err)
	assert.Empty(t, marked)

	rec, err := store.Get(ctx, created.Record.ListingID)
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Nil(t, rec.InactiveSince)
	assert.Equal(t, crawlAt.Add(time.Minute), rec.LastSeenAt)
}

func TestUpsert_FingerprintsRawContent(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	image := []byte("first-image-bytes")

	first := &models.Observation{
		SourceID:    "mobile_bg",
		SiteAdID:    "ad1",
		Description: "BMW 320d, full service history",
		FirstImage:  image,
		Snapshot:    models.Snapshot{Brand: "BMW", Model: "320d", Year: models.IntPtr(2018), Price: models.IntPtr(32000)},
		ObservedAt:  baseTime,
	}
	a, err := f.store.Upsert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.HashDescription(first.Description), a.Record.DescriptionHash)
	assert.Equal(t, fingerprint.HashImage(image), a.Record.FirstImageHash)
	assert.Empty(t, first.DescriptionHash, "caller's observation is not modified")

	second := *first
	second.SiteAdID = "ad2"
	second.Description = "  bmw 320D,\tFULL   service history\n"
	second.ObservedAt = baseTime.Add(time.Minute)
	b, err := f.store.Upsert(ctx, &second)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDuplicate, b.Outcome)
	require.NotNil(t, b.Record.DuplicateOf)
	assert.Equal(t, a.Record.ListingID, *b.Record.DuplicateOf)

	// supplied hashes win over raw content
	third := *first
	third.SiteAdID = "ad3"
	third.DescriptionHash = "crawler-hash"
	third.ObservedAt = baseTime.Add(2 * time.Minute)
	c, err := f.store.Upsert(ctx, &third)
	require.NoError(t, err)
	assert.Equal(t, "crawler-hash", c.Record.DescriptionHash)
	assert.Equal(t, types.OutcomeCreated, c.Outcome)
}

func TestGetByAd_NotFound(t *testing.T) {
	f := newStoreFixture(t)
	_, err := f.store.GetByAd(context.Background(), "mobile_bg", "nope")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

// conflictOnceRepository makes the first Create lose the ad-key race
type conflictOnceRepository struct {
	storage.ListingRepository
	racer *models.ListingRecord
	fired bool
}

func (r *conflictOnceRepository) Create(ctx context.Context, rec *models.ListingRecord) error {
	if !r.fired {
		r.fired = true
		if err := r.ListingRepository.Create(ctx, r.racer); err != nil {
			return err
		}
	}
	return r.ListingRepository.Create(ctx, rec)
}

func TestUpsert_LostCreateRaceBecomesReobservation(t *testing.T) {
	inner := storage.NewMemoryListingRepository(4)
	racer := &models.ListingRecord{
		ListingID:      "racer",
		SourceID:       "mobile_bg",
		SiteAdID:       "ad1",
		ListingVersion: 1,
		IsActive:       true,
		FirstSeenAt:    baseTime,
		LastSeenAt:     baseTime,
		Stage:          types.StageParsed,
	}
	store := NewEventStore(&conflictOnceRepository{ListingRepository: inner, racer: racer}, nil, nil, 1)

	res, err := store.Upsert(context.Background(), observation("mobile_bg", "ad1", "d1", "i1", 2018, 32000, baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeReobserved, res.Outcome)
	assert.Equal(t, "racer", res.Record.ListingID)
	assert.Equal(t, 1, inner.Len())
}

func TestEndToEndDuplicateCannotBePriced(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	tracker := pipeline.NewTracker(f.repo, f.pub, f.metrics)
	pricingStage := pipeline.NewPricingStage(tracker, pricing.NewBaselineAdvisor(10000, 500), 500)

	desc := fingerprint.HashDescription("BMW 320d, 2018, full service history")
	img := fingerprint.HashImage([]byte("first-image-bytes"))

	a, err := f.store.Upsert(ctx, observation("mobile_bg", "ad1", desc, img, 2018, 32000, baseTime))
	require.NoError(t, err)
	r1 := a.Record
	assert.Equal(t, types.StageParsed, r1.Stage)

	b, err := f.store.Upsert(ctx, observation("mobile_bg", "ad2", desc, img, 2018, 32000, baseTime.Add(time.Minute)))
	require.NoError(t, err)
	r2 := b.Record
	assert.True(t, r2.IsDuplicate)
	assert.Equal(t, r1.ListingID, *r2.DuplicateOf)

	_, err = tracker.AdvanceStage(ctx, pipeline.AdvanceRequest{ListingID: r2.ListingID, Stage: types.StageNormalized, At: baseTime.Add(2 * time.Minute)})
	require.NoError(t, err)

	_, err = tracker.AdvanceStage(ctx, pipeline.AdvanceRequest{ListingID: r2.ListingID, Stage: types.StagePriced, At: baseTime.Add(3 * time.Minute)})
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateCannotProgress))

	normalized, err := tracker.AdvanceStage(ctx, pipeline.AdvanceRequest{ListingID: r1.ListingID, Stage: types.StageNormalized, At: baseTime.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(2*time.Minute), *normalized.Stages.NormalizedAt)

	priced, err := pricingStage.Run(ctx, r1.ListingID, baseTime.Add(3*time.Minute), false)
	require.NoError(t, err)
	assert.Equal(t, types.StagePriced, priced.Stage)
	assert.Equal(t, baseTime.Add(3*time.Minute), *priced.Stages.PricedAt)
	require.NotNil(t, priced.PriceEstimate)
	assert.Equal(t, 32000.0, priced.PriceEstimate.PredictedPrice)

	dupStored, err := f.store.Get(ctx, r2.ListingID)
	require.NoError(t, err)
	assert.Equal(t, types.StageNormalized, dupStored.Stage)
}
