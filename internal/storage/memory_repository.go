package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
)

// MemoryListingRepository keeps records in an arena map with explicit index
// maps. mu guards the maps; the striped locks serialize read-modify-write of
// a single record so updates of different records run in parallel.
type MemoryListingRepository struct {
	mu        sync.RWMutex
	records   map[string]*models.ListingRecord
	byAd      map[models.AdKey]string
	byContent map[models.ContentKey]map[string]struct{}
	bySource  map[string]map[string]struct{}

	stripes []sync.Mutex
	now     func() time.Time
}

// NewMemoryListingRepository creates an empty repository with n lock stripes
func NewMemoryListingRepository(stripes int) *MemoryListingRepository {
	if stripes <= 0 {
		stripes = 64
	}
	return &MemoryListingRepository{
		records:   make(map[string]*models.ListingRecord),
		byAd:      make(map[models.AdKey]string),
		byContent: make(map[models.ContentKey]map[string]struct{}),
		bySource:  make(map[string]map[string]struct{}),
		stripes:   make([]sync.Mutex, stripes),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryListingRepository) stripe(listingID string) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(listingID)%uint64(len(r.stripes))]
}

// Get implements ListingRepository
func (r *MemoryListingRepository) Get(ctx context.Context, listingID string) (*models.ListingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[listingID]
	if !ok {
		return nil, apperrors.NewNotFoundError("listing", listingID)
	}
	return rec.Clone(), nil
}

// GetByAd implements ListingRepository
func (r *MemoryListingRepository) GetByAd(ctx context.Context, key models.AdKey) (*models.ListingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAd[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("ad", key.String())
	}
	return r.records[id].Clone(), nil
}

// FindByContent implements ListingRepository
func (r *MemoryListingRepository) FindByContent(ctx context.Context, key models.ContentKey) ([]*models.ListingRecord, error) {
	if key.Empty() {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ListingRecord
	for id := range r.byContent[key] {
		if rec := r.records[id]; rec.Canonical() {
			out = append(out, rec.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

// ListActiveBySource implements ListingRepository
func (r *MemoryListingRepository) ListActiveBySource(ctx context.Context, sourceID string) ([]*models.ListingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ListingRecord
	for id := range r.bySource[sourceID] {
		if rec := r.records[id]; rec.IsActive {
			out = append(out, rec.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

// Create implements ListingRepository
func (r *MemoryListingRepository) Create(ctx context.Context, rec *models.ListingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := rec.Clone()
	if stored.Revision == 0 {
		stored.Revision = 1
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAd[stored.AdKey()]; exists {
		return apperrors.NewAdKeyConflictError(stored.SourceID, stored.SiteAdID)
	}
	if _, exists := r.records[stored.ListingID]; exists {
		return apperrors.NewInternalError("listing id reused: "+stored.ListingID, nil)
	}

	r.records[stored.ListingID] = stored
	r.byAd[stored.AdKey()] = stored.ListingID
	r.index(stored)

	rec.Revision = stored.Revision
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// Update implements ListingRepository
func (r *MemoryListingRepository) Update(ctx context.Context, listingID string, fn Mutation) (*models.ListingRecord, bool, error) {
	lock := r.stripe(listingID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.RLock()
	current, ok := r.records[listingID]
	r.mu.RUnlock()
	if !ok {
		return nil, false, apperrors.NewNotFoundError("listing", listingID)
	}

	working := current.Clone()
	changed, err := fn(working)
	if err != nil {
		return current.Clone(), false, err
	}
	if !changed {
		return current.Clone(), false, nil
	}
	if err := checkImmutable(current, working); err != nil {
		return current.Clone(), false, apperrors.NewInternalError("rejected mutation", err)
	}

	working.Revision = current.Revision + 1
	working.UpdatedAt = r.now()

	r.mu.Lock()
	r.unindex(current)
	r.records[listingID] = working
	r.index(working)
	r.mu.Unlock()

	return working.Clone(), true, nil
}

// Len returns the number of stored records
func (r *MemoryListingRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// index adds rec to the content and source indexes. Caller holds mu.
func (r *MemoryListingRepository) index(rec *models.ListingRecord) {
	if key := rec.ContentKey(); !key.Empty() {
		set, ok := r.byContent[key]
		if !ok {
			set = make(map[string]struct{})
			r.byContent[key] = set
		}
		set[rec.ListingID] = struct{}{}
	}

	set, ok := r.bySource[rec.SourceID]
	if !ok {
		set = make(map[string]struct{})
		r.bySource[rec.SourceID] = set
	}
	set[rec.ListingID] = struct{}{}
}

// unindex removes rec from the content index. Caller holds mu.
func (r *MemoryListingRepository) unindex(rec *models.ListingRecord) {
	key := rec.ContentKey()
	if key.Empty() {
		return
	}
	if set, ok := r.byContent[key]; ok {
		delete(set, rec.ListingID)
		if len(set) == 0 {
			delete(r.byContent, key)
		}
	}
}

func sortByID(recs []*models.ListingRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ListingID < recs[j].ListingID })
}
