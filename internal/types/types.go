// Package types provides common type definitions for the listing tracker system.
package types

import (
	"fmt"
	"strings"
)

// Stage represents a step of the listing processing pipeline.
// Stages are totally ordered; a record's furthest stage only moves forward.
type Stage int

const (
	// StageNone is the zero value; no record is ever persisted at this stage
	StageNone Stage = iota
	// StageParsed is reached when the record is created from its first observation
	StageParsed
	// StageNormalized is reached when attribute normalization completed
	StageNormalized
	// StagePriced is reached when the pricing advisor produced an estimate
	StagePriced
	// StageAiEvaluated is reached when the AI evaluation completed
	StageAiEvaluated
	// StageScored is reached when the listing was scored
	StageScored
	// StageApproved is terminal for the normal flow
	StageApproved
)

var stageNames = map[Stage]string{
	StageNone:        "none",
	StageParsed:      "parsed",
	StageNormalized:  "normalized",
	StagePriced:      "priced",
	StageAiEvaluated: "ai_evaluated",
	StageScored:      "scored",
	StageApproved:    "approved",
}

// AllStages returns the pipeline stages in progress order.
func AllStages() []Stage {
	return []Stage{StageParsed, StageNormalized, StagePriced, StageAiEvaluated, StageScored, StageApproved}
}

// String returns the wire name of the stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is a real pipeline stage.
func (s Stage) Valid() bool {
	return s >= StageParsed && s <= StageApproved
}

// Next returns the immediate successor, or StageNone after Approved.
func (s Stage) Next() Stage {
	if s >= StageApproved {
		return StageNone
	}
	return s + 1
}

// Terminal reports whether s ends the normal flow.
func (s Stage) Terminal() bool {
	return s == StageApproved
}

// ParseStage parses a stage wire name (case-insensitive).
func ParseStage(name string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized == "aievaluated" {
		normalized = "ai_evaluated"
	}
	for stage, n := range stageNames {
		if stage != StageNone && n == normalized {
			return stage, nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage: %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Stage) UnmarshalText(text []byte) error {
	if string(text) == "none" || len(text) == 0 {
		*s = StageNone
		return nil
	}
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// UpsertOutcome describes what an observation did to the event store
type UpsertOutcome string

const (
	// OutcomeCreated means a new canonical record was created
	OutcomeCreated UpsertOutcome = "created"
	// OutcomeReobserved means an existing record for the same ad was updated
	OutcomeReobserved UpsertOutcome = "reobserved"
	// OutcomeDuplicate means a new record was created and flagged as a duplicate
	OutcomeDuplicate UpsertOutcome = "duplicate"
	// OutcomeError means the observation could not be applied
	OutcomeError UpsertOutcome = "error"
)

// EventType identifies an outbound listing event
type EventType string

const (
	EventCreated       EventType = "listing.created"
	EventDuplicated    EventType = "listing.duplicate_created"
	EventReobserved    EventType = "listing.reobserved"
	EventInactivated   EventType = "listing.inactivated"
	EventStageAdvanced EventType = "listing.stage_advanced"
	EventStageRedone   EventType = "listing.stage_redone"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
