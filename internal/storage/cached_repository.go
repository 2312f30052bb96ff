package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/models"
	"github.com/redis/go-redis/v9"
)

// CachedListingRepository serves Get from Redis in front of another
// repository. Writes go to the backing repository first and then refresh
// the cached copy; cache failures are logged and never fail the call.
// Every other read passes through, so resolution and locking always see
// the backing store.
type CachedListingRepository struct {
	ListingRepository
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// storeScript keeps the cached copy at the highest revision written. The
// entry is a hash of rev and data so the comparison needs no JSON decoding.
var storeScript = redis.NewScript(`
	local current = tonumber(redis.call('HGET', KEYS[1], 'rev'))
	if current and current > tonumber(ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'data', ARGV[2])
	local ttl = tonumber(ARGV[3])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	return 1
`)

// NewCachedListingRepository wraps next with a read cache
func NewCachedListingRepository(next ListingRepository, client redis.Cmdable, ttl time.Duration, prefix string) *CachedListingRepository {
	return &CachedListingRepository{
		ListingRepository: next,
		client:            client,
		ttl:               ttl,
		prefix:            prefix,
	}
}

func (c *CachedListingRepository) key(listingID string) string {
	return c.prefix + listingID
}

// Get implements ListingRepository
func (c *CachedListingRepository) Get(ctx context.Context, listingID string) (*models.ListingRecord, error) {
	raw, err := c.client.HGet(ctx, c.key(listingID), "data").Bytes()
	if err == nil {
		var rec models.ListingRecord
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
			return &rec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.ForListing(ctx, listingID).WithError(err).Warn("Listing cache read failed")
	}

	rec, err := c.ListingRepository.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, rec)
	return rec, nil
}

// Create implements ListingRepository
func (c *CachedListingRepository) Create(ctx context.Context, rec *models.ListingRecord) error {
	if err := c.ListingRepository.Create(ctx, rec); err != nil {
		return err
	}
	c.store(ctx, rec)
	return nil
}

// Update implements ListingRepository
func (c *CachedListingRepository) Update(ctx context.Context, listingID string, fn Mutation) (*models.ListingRecord, bool, error) {
	rec, changed, err := c.ListingRepository.Update(ctx, listingID, fn)
	if err == nil && changed {
		c.store(ctx, rec)
	}
	return rec, changed, err
}

// store writes rec unless a newer revision is already cached
func (c *CachedListingRepository) store(ctx context.Context, rec *models.ListingRecord) {
	if rec == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}

	args := []interface{}{strconv.FormatInt(rec.Revision, 10), payload, c.ttl.Milliseconds()}
	if err := storeScript.Run(ctx, c.client, []string{c.key(rec.ListingID)}, args...).Err(); err != nil {
		logging.ForListing(ctx, rec.ListingID).WithError(err).Warn("Listing cache write failed")
	}
}
