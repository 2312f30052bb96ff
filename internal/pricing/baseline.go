package pricing

import (
	"context"
	"time"

	"github.com/listing-tracker/internal/models"
)

// BaselineModelName tags estimates produced by BaselineAdvisor
const BaselineModelName = "baseline-v0"

// BaselineAdvisor is an in-process placeholder used when no price model is
// configured. It anchors on the asking price and widens the band as feature
// coverage drops. It is not a valuation method.
type BaselineAdvisor struct {
	// DefaultPrice anchors listings that carry no asking price
	DefaultPrice float64
	// Floor is the minimum price any estimate may report
	Floor float64
	now   func() time.Time
}

// NewBaselineAdvisor creates the placeholder advisor
func NewBaselineAdvisor(defaultPrice, floor float64) *BaselineAdvisor {
	return &BaselineAdvisor{DefaultPrice: defaultPrice, Floor: floor, now: time.Now}
}

// Estimate implements Advisor
func (b *BaselineAdvisor) Estimate(ctx context.Context, features Features) (*models.PriceEstimate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	coverage := features.Coverage()
	anchor, hasPrice := features.Number(FeaturePrice)
	if !hasPrice || anchor <= 0 {
		anchor = b.DefaultPrice
		hasPrice = false
	}

	// band half-width shrinks from 50% to 10% of the anchor as coverage grows
	spread := 0.5 - 0.4*coverage
	confidence := 0.6 * coverage
	if !hasPrice {
		confidence *= 0.5
	}

	return Normalize(&models.PriceEstimate{
		PredictedPrice: anchor,
		P10:            anchor * (1 - spread),
		P50:            anchor,
		P90:            anchor * (1 + spread),
		Confidence:     confidence,
		Model:          BaselineModelName,
		EstimatedAt:    b.now().UTC(),
	}, b.Floor), nil
}
