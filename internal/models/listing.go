package models

import (
	"strings"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/types"
)

// Snapshot is the normalized attribute set of a listing.
// Optional numeric attributes are nil when the source did not provide them.
type Snapshot struct {
	Brand     string `json:"brand,omitempty" db:"brand"`
	Model     string `json:"model,omitempty" db:"model"`
	Year      *int   `json:"year,omitempty" db:"year"`
	Mileage   *int   `json:"mileage,omitempty" db:"mileage"`
	Fuel      string `json:"fuel,omitempty" db:"fuel"`
	Gearbox   string `json:"gearbox,omitempty" db:"gearbox"`
	BodyStyle string `json:"bodyStyle,omitempty" db:"body_style"`
	Price     *int   `json:"price,omitempty" db:"price"`
	Region    string `json:"region,omitempty" db:"region"`
}

// Equal compares every normalized field by value
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Brand == o.Brand &&
		s.Model == o.Model &&
		intPtrEqual(s.Year, o.Year) &&
		intPtrEqual(s.Mileage, o.Mileage) &&
		s.Fuel == o.Fuel &&
		s.Gearbox == o.Gearbox &&
		s.BodyStyle == o.BodyStyle &&
		intPtrEqual(s.Price, o.Price) &&
		s.Region == o.Region
}

// Clone returns a copy that shares no pointers with s
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Year = cloneInt(s.Year)
	c.Mileage = cloneInt(s.Mileage)
	c.Price = cloneInt(s.Price)
	return c
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr is a helper for building snapshots
func IntPtr(v int) *int {
	return &v
}

// Observation is one parsed snapshot of an ad delivered by the crawler
type Observation struct {
	SourceID        string    `json:"sourceId"`
	SiteAdID        string    `json:"siteAdId"`
	URL             string    `json:"url"`
	DescriptionHash string    `json:"descriptionHash,omitempty"`
	FirstImageHash  string    `json:"firstImageHash,omitempty"`
	Snapshot        Snapshot  `json:"snapshot"`
	ObservedAt      time.Time `json:"observedAt"`

	// Description and FirstImage carry raw content for crawlers that do not
	// hash themselves. They are fingerprinted only where a hash is missing
	// and are never stored.
	Description string `json:"description,omitempty"`
	FirstImage  []byte `json:"firstImage,omitempty"`
}

// Validate checks the fields the store cannot work without
func (o *Observation) Validate() error {
	if o == nil {
		return apperrors.NewInvalidObservationError("observation", "missing")
	}
	if strings.TrimSpace(o.SourceID) == "" {
		return apperrors.NewInvalidObservationError("sourceId", "required")
	}
	if strings.TrimSpace(o.SiteAdID) == "" {
		return apperrors.NewInvalidObservationError("siteAdId", "required")
	}
	if o.ObservedAt.IsZero() {
		return apperrors.NewInvalidObservationError("observedAt", "required")
	}
	return nil
}

// AdKey returns the natural external key of the observed ad
func (o *Observation) AdKey() AdKey {
	return AdKey{SourceID: o.SourceID, SiteAdID: o.SiteAdID}
}

// ContentKey returns the content fingerprint pair of the observation
func (o *Observation) ContentKey() ContentKey {
	return ContentKey{DescriptionHash: o.DescriptionHash, FirstImageHash: o.FirstImageHash}
}

// AdKey identifies an ad on its marketplace
type AdKey struct {
	SourceID string
	SiteAdID string
}

func (k AdKey) String() string {
	return k.SourceID + "/" + k.SiteAdID
}

// ContentKey is the duplicate-search index key
type ContentKey struct {
	DescriptionHash string
	FirstImageHash  string
}

// Empty reports whether either hash is missing. Incomplete keys never match.
func (k ContentKey) Empty() bool {
	return k.DescriptionHash == "" || k.FirstImageHash == ""
}

// StageTimestamps holds the first completion time of each pipeline stage
type StageTimestamps struct {
	ParsedAt     *time.Time `json:"parsedAt,omitempty" db:"parsed_at"`
	NormalizedAt *time.Time `json:"normalizedAt,omitempty" db:"normalized_at"`
	PricedAt     *time.Time `json:"pricedAt,omitempty" db:"priced_at"`
	AIEvalAt     *time.Time `json:"aiEvalAt,omitempty" db:"ai_eval_at"`
	ScoredAt     *time.Time `json:"scoredAt,omitempty" db:"scored_at"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty" db:"approved_at"`
}

func (s *StageTimestamps) slot(stage types.Stage) **time.Time {
	switch stage {
	case types.StageParsed:
		return &s.ParsedAt
	case types.StageNormalized:
		return &s.NormalizedAt
	case types.StagePriced:
		return &s.PricedAt
	case types.StageAiEvaluated:
		return &s.AIEvalAt
	case types.StageScored:
		return &s.ScoredAt
	case types.StageApproved:
		return &s.ApprovedAt
	default:
		return nil
	}
}

// Get returns the completion time of stage, or nil when not reached
func (s *StageTimestamps) Get(stage types.Stage) *time.Time {
	if p := s.slot(stage); p != nil {
		return *p
	}
	return nil
}

// Set records the completion time of stage if it is not set yet.
// It reports whether the timestamp was written.
func (s *StageTimestamps) Set(stage types.Stage, at time.Time) bool {
	p := s.slot(stage)
	if p == nil || *p != nil {
		return false
	}
	t := at.UTC()
	*p = &t
	return true
}

func (s StageTimestamps) clone() StageTimestamps {
	return StageTimestamps{
		ParsedAt:     cloneTime(s.ParsedAt),
		NormalizedAt: cloneTime(s.NormalizedAt),
		PricedAt:     cloneTime(s.PricedAt),
		AIEvalAt:     cloneTime(s.AIEvalAt),
		ScoredAt:     cloneTime(s.ScoredAt),
		ApprovedAt:   cloneTime(s.ApprovedAt),
	}
}

// Reprocessing records an explicit redo of an already passed stage
type Reprocessing struct {
	Stage types.Stage `json:"stage"`
	At    time.Time   `json:"at"`
}

// PriceEstimate is the pricing advisor response stored on the record
type PriceEstimate struct {
	PredictedPrice float64   `json:"predictedPrice"`
	P10            float64   `json:"p10"`
	P50            float64   `json:"p50"`
	P90            float64   `json:"p90"`
	Confidence     float64   `json:"confidence"`
	Model          string    `json:"model,omitempty"`
	EstimatedAt    time.Time `json:"estimatedAt"`
}

// ListingRecord is the canonical state of one listing identity
type ListingRecord struct {
	ListingID       string `json:"listingId" db:"listing_id"`
	SourceID        string `json:"sourceId" db:"source_id"`
	SiteAdID        string `json:"siteAdId" db:"site_ad_id"`
	URL             string `json:"url" db:"url"`
	ListingVersion  int    `json:"listingVersion" db:"listing_version"`
	DescriptionHash string `json:"descriptionHash,omitempty" db:"description_hash"`
	FirstImageHash  string `json:"firstImageHash,omitempty" db:"first_image_hash"`

	Snapshot Snapshot `json:"snapshot"`

	IsActive      bool       `json:"isActive" db:"is_active"`
	IsDuplicate   bool       `json:"isDuplicate" db:"is_duplicate"`
	DuplicateOf   *string    `json:"duplicateOf,omitempty" db:"duplicate_of"` // weak reference by id
	InactiveSince *time.Time `json:"inactiveSince,omitempty" db:"inactive_since"`

	FirstSeenAt time.Time       `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt  time.Time       `json:"lastSeenAt" db:"last_seen_at"`
	Stage       types.Stage     `json:"stage" db:"stage"`
	Stages      StageTimestamps `json:"stages"`
	Reprocessed []Reprocessing  `json:"reprocessed,omitempty" db:"reprocessed"`

	PriceEstimate *PriceEstimate `json:"priceEstimate,omitempty" db:"price_estimate"`

	// Revision increments on every committed mutation
	Revision  int64     `json:"revision" db:"revision"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy of the record
func (r *ListingRecord) Clone() *ListingRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Snapshot = r.Snapshot.Clone()
	c.Stages = r.Stages.clone()
	c.InactiveSince = cloneTime(r.InactiveSince)
	if r.DuplicateOf != nil {
		d := *r.DuplicateOf
		c.DuplicateOf = &d
	}
	if r.Reprocessed != nil {
		c.Reprocessed = append([]Reprocessing(nil), r.Reprocessed...)
	}
	if r.PriceEstimate != nil {
		pe := *r.PriceEstimate
		c.PriceEstimate = &pe
	}
	return &c
}

// AdKey returns the ad index key of the record
func (r *ListingRecord) AdKey() AdKey {
	return AdKey{SourceID: r.SourceID, SiteAdID: r.SiteAdID}
}

// ContentKey returns the content index key of the record
func (r *ListingRecord) ContentKey() ContentKey {
	return ContentKey{DescriptionHash: r.DescriptionHash, FirstImageHash: r.FirstImageHash}
}

// Canonical reports whether the record can serve as a duplicate target
func (r *ListingRecord) Canonical() bool {
	return r.IsActive && !r.IsDuplicate
}
