package pipeline

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func parsedRecord(id string) *models.ListingRecord {
	rec := &models.ListingRecord{
		ListingID:      id,
		SourceID:       "mobile_bg",
		SiteAdID:       "ad-" + id,
		ListingVersion: 1,
		IsActive:       true,
		FirstSeenAt:    baseTime,
		LastSeenAt:     baseTime,
		Stage:          types.StageParsed,
	}
	rec.Stages.Set(types.StageParsed, baseTime)
	return rec
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(rec *models.ListingRecord)
		stage     types.Stage
		at        time.Time
		redo      bool
		wantKind  Kind
		wantErr   error
		wantStage types.Stage
	}{
		{
			name:      "immediate successor",
			stage:     types.StageNormalized,
			at:        baseTime.Add(time.Minute),
			wantKind:  KindAdvance,
			wantStage: types.StageNormalized,
		},
		{
			name:      "same time as previous stage",
			stage:     types.StageNormalized,
			at:        baseTime,
			wantKind:  KindAdvance,
			wantStage: types.StageNormalized,
		},
		{
			name:      "skipping a stage",
			stage:     types.StagePriced,
			at:        baseTime.Add(time.Minute),
			wantErr:   apperrors.ErrStageOutOfOrder,
			wantStage: types.StageParsed,
		},
		{
			name:      "repeating the current stage",
			stage:     types.StageParsed,
			at:        baseTime.Add(time.Minute),
			wantErr:   apperrors.ErrStageOutOfOrder,
			wantStage: types.StageParsed,
		},
		{
			name:      "completion before previous stage",
			stage:     types.StageNormalized,
			at:        baseTime.Add(-time.Minute),
			wantErr:   apperrors.ErrStageOutOfOrder,
			wantStage: types.StageParsed,
		},
		{
			name:      "redo of a passed stage",
			stage:     types.StageParsed,
			at:        baseTime.Add(time.Hour),
			redo:      true,
			wantKind:  KindRedo,
			wantStage: types.StageParsed,
		},
		{
			name:      "redo flag on the successor advances",
			stage:     types.StageNormalized,
			at:        baseTime.Add(time.Hour),
			redo:      true,
			wantKind:  KindAdvance,
			wantStage: types.StageNormalized,
		},
		{
			name:      "redo cannot skip ahead",
			stage:     types.StageScored,
			at:        baseTime.Add(time.Hour),
			redo:      true,
			wantErr:   apperrors.ErrStageOutOfOrder,
			wantStage: types.StageParsed,
		},
		{
			name:      "invalid stage",
			stage:     types.StageNone,
			at:        baseTime,
			wantErr:   apperrors.ErrInvalidParameter,
			wantStage: types.StageParsed,
		},
		{
			name: "duplicate may normalize",
			setup: func(rec *models.ListingRecord) {
				rec.IsDuplicate = true
			},
			stage:     types.StageNormalized,
			at:        baseTime.Add(time.Minute),
			wantKind:  KindAdvance,
			wantStage: types.StageNormalized,
		},
		{
			name: "duplicate cannot be priced",
			setup: func(rec *models.ListingRecord) {
				canonical := "canonical"
				rec.IsDuplicate = true
				rec.DuplicateOf = &canonical
				rec.Stage = types.StageNormalized
				rec.Stages.Set(types.StageNormalized, baseTime)
			},
			stage:     types.StagePriced,
			at:        baseTime.Add(time.Minute),
			wantErr:   apperrors.ErrDuplicateCannotProgress,
			wantStage: types.StageNormalized,
		},
		{
			name: "duplicate policy checked before ordering",
			setup: func(rec *models.ListingRecord) {
				rec.IsDuplicate = true
			},
			stage:     types.StageApproved,
			at:        baseTime.Add(time.Minute),
			wantErr:   apperrors.ErrDuplicateCannotProgress,
			wantStage: types.StageParsed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := parsedRecord("r1")
			if tt.setup != nil {
				tt.setup(rec)
			}
			before := rec.Clone()

			kind, err := Transition(rec, tt.stage, tt.at, tt.redo)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, before, rec, "a rejected transition leaves the record untouched")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantStage, rec.Stage)
		})
	}
}

func TestTransition_TimestampsAreWriteOnce(t *testing.T) {
	rec := parsedRecord("r1")
	normalizedAt := baseTime.Add(time.Minute)

	_, err := Transition(rec, types.StageNormalized, normalizedAt, false)
	require.NoError(t, err)

	_, err = Transition(rec, types.StageNormalized, baseTime.Add(time.Hour), false)
	assert.True(t, errors.Is(err, apperrors.ErrStageOutOfOrder))

	kind, err := Transition(rec, types.StageNormalized, baseTime.Add(2*time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, KindRedo, kind)

	assert.Equal(t, normalizedAt, *rec.Stages.NormalizedAt)
	assert.Equal(t, *rec.Stages.ParsedAt, baseTime)
	require.Len(t, rec.Reprocessed, 1)
	assert.Equal(t, models.Reprocessing{Stage: types.StageNormalized, At: baseTime.Add(2 * time.Hour)}, rec.Reprocessed[0])
}

func TestTransition_FullPipeline(t *testing.T) {
	rec := parsedRecord("r1")
	at := baseTime
	for _, stage := range types.AllStages()[1:] {
		at = at.Add(time.Minute)
		_, err := Transition(rec, stage, at, false)
		require.NoError(t, err, stage.String())
		assert.Equal(t, at, *rec.Stages.Get(stage))
	}
	assert.True(t, rec.Stage.Terminal())

	_, err := Transition(rec, types.StageApproved, at.Add(time.Minute), false)
	assert.True(t, errors.Is(err, apperrors.ErrStageOutOfOrder), "approved is terminal")
}
