package migrator

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"evmigrate/internal/models"
)

// ConvertedIDPrefix marks events produced from legacy votes. The rest of the
// id is the legacy id, so converting the same vote twice yields the same
// event id.
const ConvertedIDPrefix = "v3vote_"

func ConvertedID(legacyID string) string {
	return ConvertedIDPrefix + legacyID
}

// Convert maps one legacy vote to a vote_cast event. It is pure: the same
// record and run id always produce the same event. Records that cannot be
// represented are rejected with a *models.DataQualityError.
func Convert(rec models.VoteRecord, runID string) (models.Event, error) {
	if models.IsBlank(rec.ID) {
		return models.Event{}, &models.DataQualityError{RecordID: fmt.Sprintf("rowid:%d", rec.RowID), Field: "id", Msg: "is empty"}
	}
	if rec.Vote != 1 && rec.Vote != -1 {
		return models.Event{}, &models.DataQualityError{RecordID: rec.ID, Field: "vote", Msg: fmt.Sprintf("value %d is not +1 or -1", rec.Vote)}
	}
	if models.IsBlank(rec.UserID) {
		return models.Event{}, &models.DataQualityError{RecordID: rec.ID, Field: "user_id", Msg: "is empty"}
	}
	if rec.Timestamp <= 0 {
		return models.Event{}, &models.DataQualityError{RecordID: rec.ID, Field: "timestamp", Msg: fmt.Sprintf("value %d is not positive", rec.Timestamp)}
	}

	meta := rec.Metadata.Object
	if meta == nil {
		meta = map[string]any{}
	}
	props := models.Properties{
		models.PropPromptID:       rec.PromptID,
		models.PropVote:           rec.Vote,
		models.PropLegacyID:       rec.ID,
		models.PropSource:         models.MigrationSource,
		models.PropMigrationRunID: runID,
		models.PropMetadata:       meta,
	}
	// correlation keys also live at the top level, where the v4 indexes
	// look for them
	for _, key := range []string{models.MetaJourneyID, models.MetaConversationID, models.MetaTurnSequence, models.MetaTurnID} {
		if v, ok := meta[key]; ok {
			props[key] = v
		}
	}
	if !rec.Metadata.Valid() {
		props[models.PropMetadataError] = map[string]any{
			"error": rec.Metadata.ParseError,
			"raw":   rec.Metadata.Raw,
		}
	}

	return models.Event{
		ID:             ConvertedID(rec.ID),
		EventType:      models.EventVoteCast,
		UserID:         rec.UserID,
		Timestamp:      rec.Timestamp,
		Properties:     props,
		JourneyID:      stringField(meta, models.MetaJourneyID),
		ConversationID: stringField(meta, models.MetaConversationID),
		TurnSequence:   intField(meta, models.MetaTurnSequence),
		TurnID:         stringField(meta, models.MetaTurnID),
		Comment:        rec.Comment,
		PromptText:     rec.PromptText,
		AIOutput:       rec.AIOutput,
		ModelName:      rec.ModelName,
		ResponseTimeMs: rec.ResponseTime,
		CreatedAt:      rec.Timestamp,
	}, nil
}

func stringField(obj map[string]any, key string) *string {
	var s string
	switch v := obj[key].(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func intField(obj map[string]any, key string) *int64 {
	var n int64
	switch v := obj[key].(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil
		}
		n = i
	case float64:
		if v != float64(int64(v)) {
			return nil
		}
		n = int64(v)
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}
