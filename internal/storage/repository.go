// Package storage holds listing record persistence: the repository contract,
// its memory and Postgres implementations, a Redis read cache, and the
// database connection and migration helpers.
package storage

import (
	"context"
	"fmt"

	"github.com/listing-tracker/internal/models"
)

// Mutation edits a private copy of a record inside the repository's
// read-modify-write section. It reports whether anything changed; a false
// result or an error discards the copy.
type Mutation func(rec *models.ListingRecord) (changed bool, err error)

// ListingRepository persists listing records together with the ad-key and
// content-key secondary indexes.
type ListingRepository interface {
	// Get returns the record with the given id or ErrNotFound
	Get(ctx context.Context, listingID string) (*models.ListingRecord, error)
	// GetByAd returns the record for (sourceID, siteAdID) or ErrNotFound
	GetByAd(ctx context.Context, key models.AdKey) (*models.ListingRecord, error)
	// FindByContent returns active non-duplicate records carrying the key.
	// An incomplete key matches nothing.
	FindByContent(ctx context.Context, key models.ContentKey) ([]*models.ListingRecord, error)
	// ListActiveBySource returns every active record of a marketplace
	ListActiveBySource(ctx context.Context, sourceID string) ([]*models.ListingRecord, error)
	// Create inserts a new record. A record already holding the same ad key
	// yields ErrAdKeyConflict.
	Create(ctx context.Context, rec *models.ListingRecord) error
	// Update applies fn atomically with respect to every other Update of the
	// same record and returns the committed state.
	Update(ctx context.Context, listingID string, fn Mutation) (*models.ListingRecord, bool, error)
}

// checkImmutable rejects mutations that touch identity fields
func checkImmutable(before, after *models.ListingRecord) error {
	if before.ListingID != after.ListingID {
		return fmt.Errorf("listing_id is immutable (%s -> %s)", before.ListingID, after.ListingID)
	}
	if before.SourceID != after.SourceID || before.SiteAdID != after.SiteAdID {
		return fmt.Errorf("ad key of %s is immutable", before.ListingID)
	}
	if before.FirstSeenAt.Before(after.FirstSeenAt) {
		return fmt.Errorf("first_seen_at of %s cannot move later", before.ListingID)
	}
	if after.LastSeenAt.Before(after.FirstSeenAt) {
		return fmt.Errorf("last_seen_at of %s is before first_seen_at", before.ListingID)
	}
	return nil
}
