// Package pipeline tracks the processing stages of listing records: which
// transitions are legal, when each stage was first completed, and the
// pricing stage that calls the advisor before advancing.
package pipeline

import (
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/types"
)

// Kind distinguishes a first completion from an explicit redo
type Kind string

const (
	KindAdvance Kind = "advance"
	KindRedo    Kind = "redo"
)

// DuplicateCeiling is the furthest stage a duplicate record may reach
const DuplicateCeiling = types.StageNormalized

// Transition applies a stage request to rec in place and reports what kind
// of transition it was. On error rec is left untouched.
//
// The immediate successor of the furthest stage is accepted and stamped once.
// With redo set, an already passed stage is recorded in the reprocessing
// history and keeps its first completion time. Every other request fails
// with StageOutOfOrder. Duplicates never pass DuplicateCeiling.
func Transition(rec *models.ListingRecord, stage types.Stage, at time.Time, redo bool) (Kind, error) {
	if !stage.Valid() {
		return "", apperrors.NewInvalidParameterError("stage", "unknown stage "+stage.String())
	}
	if rec.IsDuplicate && stage > DuplicateCeiling {
		duplicateOf := ""
		if rec.DuplicateOf != nil {
			duplicateOf = *rec.DuplicateOf
		}
		return "", apperrors.NewDuplicateCannotProgressError(rec.ListingID, duplicateOf, stage)
	}

	current := rec.Stage
	at = at.UTC()

	switch {
	case stage == current.Next():
		if prev := rec.Stages.Get(current); prev != nil && at.Before(*prev) {
			return "", apperrors.NewStageOutOfOrderError(rec.ListingID, current, stage,
				"completion time precedes the "+current.String()+" timestamp")
		}
		rec.Stages.Set(stage, at)
		rec.Stage = stage
		return KindAdvance, nil

	case redo && stage <= current:
		rec.Reprocessed = append(rec.Reprocessed, models.Reprocessing{Stage: stage, At: at})
		return KindRedo, nil

	case stage <= current:
		return "", apperrors.NewStageOutOfOrderError(rec.ListingID, current, stage, "stage already passed")

	default:
		return "", apperrors.NewStageOutOfOrderError(rec.ListingID, current, stage,
			"expected "+current.Next().String())
	}
}
