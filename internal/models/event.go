package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
)

type EventType string

const (
	EventVoteCast           EventType = "vote_cast"
	EventTurnCompleted      EventType = "turn_completed"
	EventJourneyStep        EventType = "journey_step"
	EventMigrationCompleted EventType = "migration_completed"
)

// MigrationSource tags properties of every event produced from a legacy row.
// Rollback relies on it to find the rows it is allowed to delete.
const MigrationSource = "v3_migration"

// Reserved property keys written by the converter.
const (
	PropPromptID       = "promptId"
	PropVote           = "vote"
	PropLegacyID       = "legacyId"
	PropSource         = "source"
	PropMigrationRunID = "migrationRunId"
	PropMetadata       = "metadata"
	PropMetadataError  = "metadataError"
	PropCategory       = "category"
	PropSourcePath     = "sourcePath"
	PropCheckpointID   = "checkpointId"
	PropRecords        = "recordsMigrated"
	PropSkipped        = "recordsSkipped"
)

// Correlation keys hoisted from legacy metadata into first-class columns.
const (
	MetaJourneyID      = "journeyId"
	MetaConversationID = "conversationId"
	MetaTurnSequence   = "turnSequence"
	MetaTurnID         = "turnId"
)

// Properties is the JSON property bag stored in events.properties.
type Properties map[string]any

func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Properties) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Properties{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("properties: unsupported type %T", src)
	}
	obj, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	*p = obj
	return nil
}

// Event is one row of the unified v4 events table.
type Event struct {
	ID             string     `db:"id" json:"id"`
	EventType      EventType  `db:"event_type" json:"eventType"`
	UserID         string     `db:"user_id" json:"userId"`
	Timestamp      int64      `db:"timestamp" json:"timestamp"`
	Properties     Properties `db:"properties" json:"properties"`
	JourneyID      *string    `db:"journey_id" json:"journeyId,omitempty"`
	ConversationID *string    `db:"conversation_id" json:"conversationId,omitempty"`
	TurnSequence   *int64     `db:"turn_sequence" json:"turnSequence,omitempty"`
	TurnID         *string    `db:"turn_id" json:"turnId,omitempty"`
	Comment        *string    `db:"comment" json:"comment,omitempty"`
	PromptText     *string    `db:"prompt_text" json:"promptText,omitempty"`
	AIOutput       *string    `db:"ai_output" json:"aiOutput,omitempty"`
	ModelName      *string    `db:"model_name" json:"modelName,omitempty"`
	ResponseTimeMs *int64     `db:"response_time_ms" json:"responseTimeMs,omitempty"`
	CreatedAt      int64      `db:"created_at" json:"createdAt"`
}

// EventColumns lists the events table columns in insert order.
var EventColumns = []string{
	"id", "event_type", "user_id", "timestamp", "properties",
	"journey_id", "conversation_id", "turn_sequence", "turn_id",
	"comment", "prompt_text", "ai_output", "model_name", "response_time_ms",
	"created_at",
}

// Values returns the column values matching EventColumns.
func (e *Event) Values() []any {
	return []any{
		e.ID, string(e.EventType), e.UserID, e.Timestamp, e.Properties,
		e.JourneyID, e.ConversationID, e.TurnSequence, e.TurnID,
		e.Comment, e.PromptText, e.AIOutput, e.ModelName, e.ResponseTimeMs,
		e.CreatedAt,
	}
}

// ApproxSize estimates the on-disk footprint of the row, including index
// entries, for dry-run sizing.
func (e *Event) ApproxSize() int64 {
	const rowOverhead = 96
	size := int64(len(e.ID)*4 + len(e.EventType)*2 + len(e.UserID)*2 + 8*3)
	if b, err := json.Marshal(map[string]any(e.Properties)); err == nil {
		size += int64(len(b))
	}
	for _, s := range []*string{e.JourneyID, e.ConversationID, e.TurnID, e.Comment, e.PromptText, e.AIOutput, e.ModelName} {
		if s != nil {
			size += int64(len(*s))
		}
	}
	return size + rowOverhead
}
