// Package identity decides what a fresh observation refers to: a new
// listing, a re-observation of a known ad, or a re-post of a vehicle that is
// already tracked under another ad id.
package identity

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
)

// Decision is the outcome of resolving an observation
type Decision int

const (
	// DecisionNew means no record matched on either key
	DecisionNew Decision = iota
	// DecisionReobservation means a record for the same ad exists
	DecisionReobservation
	// DecisionDuplicate means a different canonical record carries the same content
	DecisionDuplicate
)

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "new"
	case DecisionReobservation:
		return "reobservation"
	case DecisionDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Lookup is the read side of the event store used for resolution
type Lookup interface {
	GetByAd(ctx context.Context, key models.AdKey) (*models.ListingRecord, error)
	FindByContent(ctx context.Context, key models.ContentKey) ([]*models.ListingRecord, error)
}

// Resolution carries the decision and the record it refers to
type Resolution struct {
	Decision Decision
	// Existing is the record of the same ad (DecisionReobservation)
	Existing *models.ListingRecord
	// Canonical is the record the new ad duplicates (DecisionDuplicate)
	Canonical *models.ListingRecord
}

// Resolver implements the two-key identity algorithm
type Resolver struct {
	lookup   Lookup
	yearBand int
}

// NewResolver creates a resolver. yearBand bounds the model year difference
// of compatible snapshots.
func NewResolver(lookup Lookup, yearBand int) *Resolver {
	if yearBand < 0 {
		yearBand = 0
	}
	return &Resolver{lookup: lookup, yearBand: yearBand}
}

// Resolve checks the ad key first; a re-observation is never a duplicate of
// itself. Otherwise it searches canonical records by exact content key and
// keeps only attribute-compatible candidates.
func (r *Resolver) Resolve(ctx context.Context, obs *models.Observation) (*Resolution, error) {
	existing, err := r.lookup.GetByAd(ctx, obs.AdKey())
	switch {
	case err == nil:
		return &Resolution{Decision: DecisionReobservation, Existing: existing}, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	key := obs.ContentKey()
	if key.Empty() {
		return &Resolution{Decision: DecisionNew}, nil
	}

	candidates, err := r.lookup.FindByContent(ctx, key)
	if err != nil {
		return nil, err
	}

	var best *models.ListingRecord
	for _, c := range candidates {
		if !c.Canonical() || c.ContentKey() != key || c.AdKey() == obs.AdKey() {
			continue
		}
		if !Compatible(c.Snapshot, obs.Snapshot, r.yearBand) {
			continue
		}
		if best == nil || preferred(c, best) {
			best = c
		}
	}

	if best == nil {
		return &Resolution{Decision: DecisionNew}, nil
	}
	return &Resolution{Decision: DecisionDuplicate, Canonical: best}, nil
}

// preferred picks the most recently seen candidate, then the lowest id so the
// choice does not depend on index iteration order.
func preferred(a, b *models.ListingRecord) bool {
	if !a.LastSeenAt.Equal(b.LastSeenAt) {
		return a.LastSeenAt.After(b.LastSeenAt)
	}
	return a.ListingID < b.ListingID
}

// Compatible reports whether two snapshots can describe the same vehicle:
// brand and model equal after folding, and years within band (or both unknown).
func Compatible(a, b models.Snapshot, band int) bool {
	if fold(a.Brand) != fold(b.Brand) || fold(a.Model) != fold(b.Model) {
		return false
	}
	switch {
	case a.Year == nil && b.Year == nil:
		return true
	case a.Year == nil || b.Year == nil:
		return false
	}
	diff := *a.Year - *b.Year
	if diff < 0 {
		diff = -diff
	}
	return diff <= band
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
