// Package pricing defines the pricing advisor boundary: the feature mapping
// sent to a price model, the estimate it returns, and the invariants every
// estimate satisfies before it reaches a listing record.
package pricing

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/listing-tracker/internal/models"
)

// Feature names understood by advisors
const (
	FeatureBrand     = "brand"
	FeatureModel     = "model"
	FeatureYear      = "year"
	FeatureMileage   = "mileage"
	FeatureFuel      = "fuel"
	FeatureGearbox   = "gearbox"
	FeatureBodyStyle = "body_style"
	FeaturePrice     = "price"
	FeatureRegion    = "region"
)

// KnownFeatures lists every feature name an advisor may receive
var KnownFeatures = []string{
	FeatureBrand, FeatureModel, FeatureYear, FeatureMileage, FeatureFuel,
	FeatureGearbox, FeatureBodyStyle, FeaturePrice, FeatureRegion,
}

// Features maps normalized feature names to values. Every feature is
// optional; missing ones lower confidence and never cause an error.
type Features map[string]interface{}

// FeaturesFromSnapshot builds the feature mapping of a listing snapshot,
// omitting attributes the source did not provide.
func FeaturesFromSnapshot(s models.Snapshot) Features {
	f := Features{}
	putString := func(name, v string) {
		if v != "" {
			f[name] = v
		}
	}
	putInt := func(name string, v *int) {
		if v != nil {
			f[name] = *v
		}
	}

	putString(FeatureBrand, s.Brand)
	putString(FeatureModel, s.Model)
	putInt(FeatureYear, s.Year)
	putInt(FeatureMileage, s.Mileage)
	putString(FeatureFuel, s.Fuel)
	putString(FeatureGearbox, s.Gearbox)
	putString(FeatureBodyStyle, s.BodyStyle)
	putInt(FeaturePrice, s.Price)
	putString(FeatureRegion, s.Region)
	return f
}

// Coverage returns the share of known features present in f
func (f Features) Coverage() float64 {
	present := 0
	for _, name := range KnownFeatures {
		if _, ok := f[name]; ok {
			present++
		}
	}
	return float64(present) / float64(len(KnownFeatures))
}

// Number returns a numeric feature as float64
func (f Features) Number(name string) (float64, bool) {
	switch v := f[name].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// Advisor produces a price estimate for a feature mapping
type Advisor interface {
	Estimate(ctx context.Context, features Features) (*models.PriceEstimate, error)
}

// Normalize enforces p10 <= p50 <= p90, a predicted price and quantiles at or
// above floor, and a confidence in [0, 1]. Non-finite inputs are replaced.
func Normalize(e *models.PriceEstimate, floor float64) *models.PriceEstimate {
	if floor <= 0 || !finite(floor) {
		floor = 1
	}
	out := *e

	if !finite(out.PredictedPrice) || out.PredictedPrice <= 0 {
		out.PredictedPrice = 0
		if finite(out.P50) && out.P50 > 0 {
			out.PredictedPrice = out.P50
		}
	}
	out.PredictedPrice = math.Max(out.PredictedPrice, floor)

	q := []float64{out.P10, out.P50, out.P90}
	for i, v := range q {
		if !finite(v) {
			q[i] = out.PredictedPrice
		}
		q[i] = math.Max(q[i], floor)
	}
	sort.Float64s(q)
	out.P10, out.P50, out.P90 = q[0], q[1], q[2]

	switch {
	case math.IsNaN(out.Confidence) || out.Confidence < 0:
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}

	if out.EstimatedAt.IsZero() {
		out.EstimatedAt = time.Now().UTC()
	}
	return &out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
