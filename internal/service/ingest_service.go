package service

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/metrics"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/types"
)

// ObservationResult is the per-observation line of a batch report
type ObservationResult struct {
	Index         int                 `json:"index"`
	SourceID      string              `json:"sourceId,omitempty"`
	SiteAdID      string              `json:"siteAdId,omitempty"`
	ListingID     string              `json:"listingId,omitempty"`
	Outcome       types.UpsertOutcome `json:"outcome"`
	VersionBumped bool                `json:"versionBumped,omitempty"`
	Error         *types.ServiceError `json:"error,omitempty"`

	// err keeps the original error for callers that need to classify it
	err error
}

// Err returns the error that failed the observation, if any
func (r *ObservationResult) Err() error {
	return r.err
}

// BatchReport summarizes a processed batch. One failing observation never
// aborts the others.
type BatchReport struct {
	Total      int                 `json:"total"`
	Created    int                 `json:"created"`
	Reobserved int                 `json:"reobserved"`
	Duplicates int                 `json:"duplicates"`
	Failed     int                 `json:"failed"`
	Duration   time.Duration       `json:"durationNs"`
	Results    []ObservationResult `json:"results"`
}

// Retryable reports whether the observation failed on a transient error
func (r *ObservationResult) Retryable() bool {
	return r.err != nil && apperrors.IsRetryable(r.err)
}

// Retryable reports whether any failed observation hit a transient error
func (b *BatchReport) Retryable() bool {
	for i := range b.Results {
		if b.Results[i].Retryable() {
			return true
		}
	}
	return false
}

// IngestService applies batches of crawler observations with a bounded
// number of concurrent upserts
type IngestService struct {
	store   *EventStore
	workers int
	metrics *metrics.Registry
}

// NewIngestService creates an ingest service
func NewIngestService(store *EventStore, workers int, m *metrics.Registry) *IngestService {
	if workers <= 0 {
		workers = 8
	}
	if m == nil {
		m = store.metrics
	}
	return &IngestService{store: store, workers: workers, metrics: m}
}

// ProcessBatch upserts every observation and reports the outcome of each.
// Observations of the same ad within a batch are applied in order so a
// redelivered batch converges to the same state.
func (s *IngestService) ProcessBatch(ctx context.Context, observations []*models.Observation) *BatchReport {
	start := time.Now()
	report := &BatchReport{
		Total:   len(observations),
		Results: make([]ObservationResult, len(observations)),
	}
	s.metrics.BatchSize.Observe(float64(len(observations)))

	// group by ad key; each group is processed sequentially by one worker
	groups := make(map[models.AdKey][]int)
	var order []models.AdKey
	for i, obs := range observations {
		var key models.AdKey
		if obs != nil {
			key = obs.AdKey()
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for _, key := range order {
		indexes := groups[key]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for _, i := range indexes {
				report.Results[i] = failedResult(i, observations[i], ctx.Err())
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			for _, i := range indexes {
				report.Results[i] = s.processOne(ctx, i, observations[i])
			}
		}()
	}
	wg.Wait()

	for i := range report.Results {
		switch report.Results[i].Outcome {
		case types.OutcomeCreated:
			report.Created++
		case types.OutcomeReobserved:
			report.Reobserved++
		case types.OutcomeDuplicate:
			report.Duplicates++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(start)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"total":      report.Total,
		"created":    report.Created,
		"reobserved": report.Reobserved,
		"duplicates": report.Duplicates,
		"failed":     report.Failed,
		"durationMs": report.Duration.Milliseconds(),
	}).Info("Observation batch processed")

	return report
}

func (s *IngestService) processOne(ctx context.Context, index int, obs *models.Observation) ObservationResult {
	if err := ctx.Err(); err != nil {
		return failedResult(index, obs, err)
	}

	result, err := s.store.Upsert(ctx, obs)
	if err != nil {
		entry := failedResult(index, obs, err)
		if obs != nil {
			logging.ForAd(ctx, obs.SourceID, obs.SiteAdID).WithError(err).Warn("Observation failed")
		}
		return entry
	}

	return ObservationResult{
		Index:         index,
		SourceID:      obs.SourceID,
		SiteAdID:      obs.SiteAdID,
		ListingID:     result.Record.ListingID,
		Outcome:       result.Outcome,
		VersionBumped: result.VersionBumped,
	}
}

func failedResult(index int, obs *models.Observation, err error) ObservationResult {
	r := ObservationResult{Index: index, Outcome: types.OutcomeError, err: err}
	if obs != nil {
		r.SourceID, r.SiteAdID = obs.SourceID, obs.SiteAdID
	}

	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		r.Error = catErr.ToServiceError()
	} else {
		r.Error = &types.ServiceError{Code: apperrors.CodeInternal, Message: err.Error()}
	}
	return r
}
