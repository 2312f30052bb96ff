package publish

import (
	"context"
	"fmt"

	"github.com/listing-tracker/internal/storage"
)

const insertStageEvent = `
	INSERT INTO listing_stage_events (
		event_type, listing_id, source_id, site_ad_id, stage, listing_version,
		is_active, is_duplicate, duplicate_of, price, predicted_price, event_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ClickHouseAuditSink appends every listing event to the listing_stage_events
// table. The table is append-only provenance; it is never read back by the
// store.
type ClickHouseAuditSink struct {
	db storage.Execer
}

// NewClickHouseAuditSink creates an audit sink over db
func NewClickHouseAuditSink(db storage.Execer) *ClickHouseAuditSink {
	return &ClickHouseAuditSink{db: db}
}

// Name implements Publisher
func (s *ClickHouseAuditSink) Name() string { return "clickhouse" }

// Publish implements Publisher
func (s *ClickHouseAuditSink) Publish(ctx context.Context, event ListingEvent) error {
	rec := event.Record
	if rec == nil {
		return fmt.Errorf("listing event %s for %s carries no record", event.Type, event.ListingID)
	}

	var price *int64
	if rec.Snapshot.Price != nil {
		v := int64(*rec.Snapshot.Price)
		price = &v
	}
	var predicted *float64
	if rec.PriceEstimate != nil {
		v := rec.PriceEstimate.PredictedPrice
		predicted = &v
	}
	duplicateOf := ""
	if rec.DuplicateOf != nil {
		duplicateOf = *rec.DuplicateOf
	}

	err := s.db.Exec(ctx, insertStageEvent,
		string(event.Type),
		rec.ListingID,
		rec.SourceID,
		rec.SiteAdID,
		event.Stage.String(),
		uint32(rec.ListingVersion),
		boolToUInt8(rec.IsActive),
		boolToUInt8(rec.IsDuplicate),
		duplicateOf,
		price,
		predicted,
		event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing event: %w", err)
	}
	return nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
