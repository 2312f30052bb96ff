package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/fingerprint"
	"github.com/listing-tracker/internal/identity"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/metrics"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/publish"
	"github.com/listing-tracker/internal/storage"
	"github.com/listing-tracker/internal/types"
)

// maxCreateAttempts bounds how often an upsert that lost the ad-key race is
// retried as a re-observation
const maxCreateAttempts = 3

// UpsertResult describes what one observation did to the store
type UpsertResult struct {
	Record  *models.ListingRecord `json:"record"`
	Outcome types.UpsertOutcome   `json:"outcome"`
	// Changed is false when the observation was already reflected in the record
	Changed       bool `json:"changed"`
	VersionBumped bool `json:"versionBumped"`
	Reactivated   bool `json:"reactivated"`
}

// EventStore owns listing lifecycle writes: upserting observations through
// the identity resolver, inactivation and crawl reconciliation. Every
// committed change is published after the fact.
type EventStore struct {
	repo      storage.ListingRepository
	resolver  *identity.Resolver
	publisher publish.Publisher
	metrics   *metrics.Registry
	newID     func() string
	now       func() time.Time
}

// NewEventStore creates an event store over repo
func NewEventStore(
	repo storage.ListingRepository,
	publisher publish.Publisher,
	m *metrics.Registry,
	yearBand int,
) *EventStore {
	if publisher == nil {
		publisher = publish.NopPublisher{}
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &EventStore{
		repo:      repo,
		resolver:  identity.NewResolver(repo, yearBand),
		publisher: publisher,
		metrics:   m,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Upsert applies one observation. A known ad key updates its record; an
// unknown one creates a record, flagged as duplicate when a compatible
// canonical record carries the same content hashes. Redelivering the same
// observation leaves the record unchanged.
func (s *EventStore) Upsert(ctx context.Context, obs *models.Observation) (*UpsertResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.UpsertLatencySec.Observe(time.Since(start).Seconds())
	}()

	result, err := s.upsert(ctx, obs)
	if err != nil {
		s.metrics.Upserts.WithLabelValues(string(types.OutcomeError)).Inc()
		return nil, err
	}
	s.metrics.Upserts.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

func (s *EventStore) upsert(ctx context.Context, obs *models.Observation) (*UpsertResult, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	obs = fingerprinted(obs)
	logger := logging.ForAd(ctx, obs.SourceID, obs.SiteAdID)

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		res, err := s.resolver.Resolve(ctx, obs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observation: %w", err)
		}

		if res.Decision == identity.DecisionReobservation {
			return s.reobserve(ctx, res.Existing.ListingID, obs)
		}

		result, err := s.create(ctx, obs, res.Canonical)
		if errors.Is(err, apperrors.ErrAdKeyConflict) {
			// another worker created the ad between resolve and create
			logger.WithField("attempt", attempt).Debug("Ad key taken concurrently, retrying as re-observation")
			continue
		}
		return result, err
	}
	return nil, apperrors.NewInternalError(
		fmt.Sprintf("ad %s kept conflicting after %d attempts", obs.AdKey(), maxCreateAttempts), nil)
}

// fingerprinted fills content hashes the crawler left empty from the raw
// description and image. obs itself is not modified.
func fingerprinted(obs *models.Observation) *models.Observation {
	needDescription := obs.DescriptionHash == "" && obs.Description != ""
	needImage := obs.FirstImageHash == "" && len(obs.FirstImage) > 0
	if !needDescription && !needImage {
		return obs
	}
	out := *obs
	if needDescription {
		out.DescriptionHash = fingerprint.HashDescription(obs.Description)
	}
	if needImage {
		out.FirstImageHash = fingerprint.HashImage(obs.FirstImage)
	}
	return &out
}

func (s *EventStore) create(ctx context.Context, obs *models.Observation, canonical *models.ListingRecord) (*UpsertResult, error) {
	at := obs.ObservedAt.UTC()
	rec := &models.ListingRecord{
		ListingID:       s.newID(),
		SourceID:        obs.SourceID,
		SiteAdID:        obs.SiteAdID,
		URL:             obs.URL,
		ListingVersion:  1,
		DescriptionHash: obs.DescriptionHash,
		FirstImageHash:  obs.FirstImageHash,
		Snapshot:        obs.Snapshot.Clone(),
		IsActive:        true,
		FirstSeenAt:     at,
		LastSeenAt:      at,
		Stage:           types.StageParsed,
	}
	rec.Stages.Set(types.StageParsed, at)

	outcome, eventType := types.OutcomeCreated, types.EventCreated
	if canonical != nil {
		canonicalID := canonical.ListingID
		rec.IsDuplicate = true
		rec.DuplicateOf = &canonicalID
		outcome, eventType = types.OutcomeDuplicate, types.EventDuplicated
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	logger := logging.ForListing(ctx, rec.ListingID).WithFields(map[string]interface{}{
		"sourceId": rec.SourceID,
		"siteAdId": rec.SiteAdID,
		"outcome":  string(outcome),
	})
	if rec.DuplicateOf != nil {
		logger = logger.WithField("duplicateOf", *rec.DuplicateOf)
	}
	logger.Info("Listing created")

	s.emit(ctx, eventType, rec, at)
	return &UpsertResult{Record: rec.Clone(), Outcome: outcome, Changed: true}, nil
}

func (s *EventStore) reobserve(ctx context.Context, listingID string, obs *models.Observation) (*UpsertResult, error) {
	var bumped, reactivated bool
	rec, changed, err := s.repo.Update(ctx, listingID, func(rec *models.ListingRecord) (bool, error) {
		var changed bool
		changed, bumped, reactivated = applyObservation(rec, obs)
		return changed, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.emit(ctx, types.EventReobserved, rec, obs.ObservedAt)
	}
	if bumped || reactivated {
		logging.ForListing(ctx, listingID).WithFields(map[string]interface{}{
			"listingVersion": rec.ListingVersion,
			"reactivated":    reactivated,
		}).Info("Listing re-observed with changes")
	}

	return &UpsertResult{
		Record:        rec,
		Outcome:       types.OutcomeReobserved,
		Changed:       changed,
		VersionBumped: bumped,
		Reactivated:   reactivated,
	}, nil
}

// applyObservation folds a re-observation of the same ad into rec.
//
// first_seen_at only moves earlier and last_seen_at only moves later. A stale
// observation (older than last_seen_at) never replaces the snapshot. The
// version increments only when a normalized field value differs. An inactive
// record comes back only for an observation made after it was inactivated.
func applyObservation(rec *models.ListingRecord, obs *models.Observation) (changed, bumped, reactivated bool) {
	at := obs.ObservedAt.UTC()

	if at.Before(rec.FirstSeenAt) {
		rec.FirstSeenAt = at
		changed = true
	}

	if !rec.IsActive && (rec.InactiveSince == nil || at.After(*rec.InactiveSince)) {
		rec.IsActive = true
		rec.InactiveSince = nil
		reactivated, changed = true, true
	}

	if at.Before(rec.LastSeenAt) {
		return changed, false, reactivated
	}

	if at.After(rec.LastSeenAt) {
		rec.LastSeenAt = at
		changed = true
	}
	if !rec.Snapshot.Equal(obs.Snapshot) {
		rec.Snapshot = obs.Snapshot.Clone()
		rec.ListingVersion++
		bumped, changed = true, true
	}
	if obs.URL != "" && obs.URL != rec.URL {
		rec.URL = obs.URL
		changed = true
	}
	// a missing hash means the crawler could not compute it this time
	if obs.DescriptionHash != "" && obs.DescriptionHash != rec.DescriptionHash {
		rec.DescriptionHash = obs.DescriptionHash
		changed = true
	}
	if obs.FirstImageHash != "" && obs.FirstImageHash != rec.FirstImageHash {
		rec.FirstImageHash = obs.FirstImageHash
		changed = true
	}
	return changed, bumped, reactivated
}

// MarkInactive flags a listing as no longer visible on its source. Marking
// an inactive listing again is a no-op. at defaults to now.
func (s *EventStore) MarkInactive(ctx context.Context, listingID string, at time.Time) (*models.ListingRecord, error) {
	if at.IsZero() {
		at = s.now()
	}
	rec, _, err := s.markInactive(ctx, listingID, at.UTC(), false)
	return rec, err
}

// markInactive flags the listing inactive inside one atomic update. With
// unlessSeenAfter set, a record observed after at is left active; the check
// runs against the locked record, not an earlier read.
func (s *EventStore) markInactive(ctx context.Context, listingID string, at time.Time, unlessSeenAfter bool) (*models.ListingRecord, bool, error) {
	rec, changed, err := s.repo.Update(ctx, listingID, func(rec *models.ListingRecord) (bool, error) {
		if !rec.IsActive {
			return false, nil
		}
		if unlessSeenAfter && rec.LastSeenAt.After(at) {
			return false, nil
		}
		rec.IsActive = false
		rec.InactiveSince = &at
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		s.metrics.Inactivations.Inc()
		logging.ForListing(ctx, listingID).Info("Listing marked inactive")
		s.emit(ctx, types.EventInactivated, rec, at)
	}
	return rec, changed, nil
}

// Get returns a listing by id
func (s *EventStore) Get(ctx context.Context, listingID string) (*models.ListingRecord, error) {
	return s.repo.Get(ctx, listingID)
}

// GetByAd returns the listing of an ad or ErrNotFound
func (s *EventStore) GetByAd(ctx context.Context, sourceID, siteAdID string) (*models.ListingRecord, error) {
	return s.repo.GetByAd(ctx, models.AdKey{SourceID: sourceID, SiteAdID: siteAdID})
}

// ReconcileCrawl marks inactive every active listing of sourceID that a
// complete crawl finished at `at` did not see. Listings observed after `at`
// are left alone. It returns the ids it marked; failures on single listings
// do not stop the sweep.
func (s *EventStore) ReconcileCrawl(ctx context.Context, sourceID string, seenAdIDs []string, at time.Time) ([]string, error) {
	if sourceID == "" {
		return nil, apperrors.NewInvalidParameterError("sourceId", "required")
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	active, err := s.repo.ListActiveBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(seenAdIDs))
	for _, id := range seenAdIDs {
		seen[id] = struct{}{}
	}

	var marked []string
	var errs []error
	for _, rec := range active {
		if _, ok := seen[rec.SiteAdID]; ok || rec.LastSeenAt.After(at) {
			continue
		}
		_, changed, err := s.markInactive(ctx, rec.ListingID, at, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %s: %w", rec.ListingID, err))
			continue
		}
		if changed {
			marked = append(marked, rec.ListingID)
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"sourceId": sourceID,
		"active":   len(active),
		"seen":     len(seenAdIDs),
		"marked":   len(marked),
	}).Info("Crawl reconciled")

	return marked, errors.Join(errs...)
}

func (s *EventStore) emit(ctx context.Context, eventType types.EventType, rec *models.ListingRecord, at time.Time) {
	if err := s.publisher.Publish(ctx, publish.NewListingEvent(eventType, rec, at)); err != nil {
		logging.ForListing(ctx, rec.ListingID).WithError(err).
			WithField("eventType", string(eventType)).
			Warn("Failed to publish listing event")
	}
}
