package pipeline

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/pricing"
	"github.com/listing-tracker/internal/ratelimit"
	"github.com/listing-tracker/internal/types"
)

// PricingStage asks the advisor for an estimate and advances the record to
// Priced together with the estimate. When the advisor fails the record
// stays at its current stage.
type PricingStage struct {
	tracker *Tracker
	advisor pricing.Advisor
	floor   float64
}

// NewPricingStage creates the pricing stage
func NewPricingStage(tracker *Tracker, advisor pricing.Advisor, floor float64) *PricingStage {
	return &PricingStage{tracker: tracker, advisor: advisor, floor: floor}
}

// Run prices one listing. redo re-prices a record already past Priced; the
// fresh estimate replaces the stored one and priced_at is kept.
func (p *PricingStage) Run(ctx context.Context, listingID string, at time.Time, redo bool) (*models.ListingRecord, error) {
	logger := logging.ForListing(ctx, listingID)

	rec, err := p.tracker.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}

	// Reject early so an illegal request never costs an advisor call. The
	// transition is checked again inside the atomic update.
	if _, err := Transition(rec.Clone(), types.StagePriced, p.checkTime(at), redo); err != nil {
		p.tracker.reject(err)
		return nil, err
	}

	// re-pricing yields to first-time pricing when the advisor budget is tight
	priority := ratelimit.PriorityHigh
	if rec.Stage >= types.StagePriced {
		priority = ratelimit.PriorityLow
	}
	estimate, err := p.advisor.Estimate(ratelimit.WithPriority(ctx, priority), pricing.FeaturesFromSnapshot(rec.Snapshot))
	if err != nil {
		p.tracker.metrics.AdvisorCalls.WithLabelValues("error").Inc()
		if !errors.Is(err, apperrors.ErrAdvisorUnavailable) {
			err = apperrors.NewAdvisorUnavailableError("pricing", err)
		}
		p.tracker.reject(err)
		logger.WithError(err).Warn("Pricing advisor failed, listing left at current stage")
		return nil, err
	}
	p.tracker.metrics.AdvisorCalls.WithLabelValues("ok").Inc()
	estimate = pricing.Normalize(estimate, p.floor)

	return p.tracker.AdvanceStage(ctx, AdvanceRequest{
		ListingID: listingID,
		Stage:     types.StagePriced,
		At:        at,
		Redo:      redo,
		Apply: func(rec *models.ListingRecord) error {
			rec.PriceEstimate = estimate
			return nil
		},
	})
}

func (p *PricingStage) checkTime(at time.Time) time.Time {
	if at.IsZero() {
		return p.tracker.now()
	}
	return at
}
