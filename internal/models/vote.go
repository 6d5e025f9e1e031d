package models

import (
	"bytes"
	"strings"

	json "github.com/goccy/go-json"
)

// VoteRecord is one row of the legacy v3 votes table.
type VoteRecord struct {
	RowID        int64   `db:"legacy_rowid" json:"-"`
	ID           string  `db:"id" json:"id"`
	UserID       string  `db:"user_id" json:"userId"`
	PromptID     string  `db:"prompt_id" json:"promptId"`
	Vote         int64   `db:"vote" json:"vote"`
	Timestamp    int64   `db:"timestamp" json:"timestamp"`
	Comment      *string `db:"comment" json:"comment,omitempty"`
	PromptText   *string `db:"prompt_text" json:"promptText,omitempty"`
	AIOutput     *string `db:"ai_output" json:"aiOutput,omitempty"`
	ModelName    *string `db:"model_name" json:"modelName,omitempty"`
	ResponseTime *int64  `db:"response_time" json:"responseTime,omitempty"`
	RawMetadata  *string `db:"metadata" json:"-"`

	Metadata Metadata `db:"-" json:"metadata"`
}

// HasContent reports whether the vote carries any free-text payload.
func (v *VoteRecord) HasContent() bool {
	return nonEmpty(v.Comment) || nonEmpty(v.PromptText) || nonEmpty(v.AIOutput)
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

// BlankChars is the whitespace a legacy text field may hold and still
// count as empty. The source quality scan trims the same set in SQL.
const BlankChars = " \t\n\v\f\r"

func IsBlank(s string) bool {
	return strings.Trim(s, BlankChars) == ""
}

// Metadata is the parsed form of the legacy metadata blob. Either Object is
// set, or ParseError describes why Raw could not be read as a JSON object.
type Metadata struct {
	Object     map[string]any `json:"object"`
	Raw        string         `json:"raw,omitempty"`
	ParseError string         `json:"parseError,omitempty"`
}

func (m Metadata) Valid() bool {
	return m.ParseError == ""
}

func (m Metadata) Empty() bool {
	return len(m.Object) == 0
}

// ParseMetadata never fails: malformed input yields an empty object tagged
// with the parse error and the original text.
func ParseMetadata(raw *string) Metadata {
	if raw == nil || IsBlank(*raw) {
		return Metadata{Object: map[string]any{}}
	}
	obj, err := decodeObject([]byte(*raw))
	if err != nil {
		return Metadata{
			Object:     map[string]any{},
			Raw:        *raw,
			ParseError: err.Error(),
		}
	}
	return Metadata{Object: obj}
}

// decodeObject keeps numbers as json.Number so integers survive a round trip
// through the property bag unchanged.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotAnObject
	}
	return obj, nil
}
