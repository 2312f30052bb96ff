// Package publish delivers listing events to outbound sinks after the
// listing store has committed a change.
package publish

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/types"
)

// ListingEvent describes one committed change of a listing record
type ListingEvent struct {
	Type      types.EventType       `json:"type"`
	ListingID string                `json:"listingId"`
	Stage     types.Stage           `json:"stage"`
	At        time.Time             `json:"at"`
	Record    *models.ListingRecord `json:"record"`
}

// NewListingEvent builds an event from a committed record snapshot
func NewListingEvent(eventType types.EventType, rec *models.ListingRecord, at time.Time) ListingEvent {
	return ListingEvent{
		Type:      eventType,
		ListingID: rec.ListingID,
		Stage:     rec.Stage,
		At:        at.UTC(),
		Record:    rec.Clone(),
	}
}

// Publisher delivers listing events to one sink
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event ListingEvent) error
}

// NopPublisher drops every event
type NopPublisher struct{}

// Name implements Publisher
func (NopPublisher) Name() string { return "nop" }

// Publish implements Publisher
func (NopPublisher) Publish(context.Context, ListingEvent) error { return nil }

// FailureHook is told about every sink that failed to take an event
type FailureHook func(sink string, event ListingEvent, err error)

// MultiPublisher fans an event out to every sink. A failing sink does not
// stop delivery to the others.
type MultiPublisher struct {
	sinks     []Publisher
	onFailure FailureHook
}

// NewMultiPublisher creates a fan-out publisher
func NewMultiPublisher(sinks ...Publisher) *MultiPublisher {
	return &MultiPublisher{sinks: sinks}
}

// OnFailure registers a hook invoked per failed sink
func (m *MultiPublisher) OnFailure(hook FailureHook) *MultiPublisher {
	m.onFailure = hook
	return m
}

// Name implements Publisher
func (m *MultiPublisher) Name() string { return "multi" }

// Sinks returns the configured sink names
func (m *MultiPublisher) Sinks() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish implements Publisher
func (m *MultiPublisher) Publish(ctx context.Context, event ListingEvent) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			if m.onFailure != nil {
				m.onFailure(sink.Name(), event, err)
			}
			errs = append(errs, apperrors.NewPublishError(sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
