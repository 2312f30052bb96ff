package pipeline

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/metrics"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/publish"
	"github.com/listing-tracker/internal/storage"
	"github.com/listing-tracker/internal/types"
)

// AdvanceRequest asks the tracker to record completion of a stage
type AdvanceRequest struct {
	ListingID string
	Stage     types.Stage
	// At is the completion time; zero means now
	At time.Time
	// Redo marks an explicit reprocessing of an already passed stage
	Redo bool
	// Apply runs inside the same atomic update after the transition was
	// accepted, so stage results land together with the stage timestamp
	Apply func(rec *models.ListingRecord) error
}

// Tracker enforces stage ordering on stored listing records
type Tracker struct {
	repo      storage.ListingRepository
	publisher publish.Publisher
	metrics   *metrics.Registry
	now       func() time.Time
}

// NewTracker creates a stage tracker
func NewTracker(repo storage.ListingRepository, publisher publish.Publisher, m *metrics.Registry) *Tracker {
	if publisher == nil {
		publisher = publish.NopPublisher{}
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Tracker{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AdvanceStage applies req atomically and publishes the committed record.
// A rejected request leaves the record unchanged.
func (t *Tracker) AdvanceStage(ctx context.Context, req AdvanceRequest) (*models.ListingRecord, error) {
	at := req.At
	if at.IsZero() {
		at = t.now()
	}
	logger := logging.ForListing(ctx, req.ListingID).WithFields(map[string]interface{}{
		"stage": req.Stage.String(),
		"redo":  req.Redo,
	})

	var kind Kind
	rec, _, err := t.repo.Update(ctx, req.ListingID, func(rec *models.ListingRecord) (bool, error) {
		k, err := Transition(rec, req.Stage, at, req.Redo)
		if err != nil {
			return false, err
		}
		if req.Apply != nil {
			if err := req.Apply(rec); err != nil {
				return false, err
			}
		}
		kind = k
		return true, nil
	})
	if err != nil {
		t.reject(err)
		logger.WithError(err).Debug("Stage transition rejected")
		return nil, err
	}

	t.metrics.StageTransitions.WithLabelValues(req.Stage.String(), string(kind)).Inc()
	logger.WithField("kind", string(kind)).Info("Stage transition recorded")

	eventType := types.EventStageAdvanced
	if kind == KindRedo {
		eventType = types.EventStageRedone
	}
	event := publish.NewListingEvent(eventType, rec, at)
	event.Stage = req.Stage
	if err := t.publisher.Publish(ctx, event); err != nil {
		logger.WithError(err).Warn("Failed to publish stage event")
	}
	return rec, nil
}

// Get returns the stored record
func (t *Tracker) Get(ctx context.Context, listingID string) (*models.ListingRecord, error) {
	return t.repo.Get(ctx, listingID)
}

func (t *Tracker) reject(err error) {
	code := apperrors.CodeInternal
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		code = catErr.Code
	}
	t.metrics.Rejections.WithLabelValues(code).Inc()
}
