package legacy

import (
	"context"
	"strings"

	"evmigrate/internal/models"
)

// VotesTable is the only table of the v3 schema the migrator reads.
const VotesTable = "votes"

// RequiredColumns must exist for the source to be migratable at all.
var RequiredColumns = []string{"id", "user_id", "prompt_id", "vote", "timestamp"}

// OptionalColumns were added over the life of v3; older files may lack them.
var OptionalColumns = []string{"comment", "prompt_text", "ai_output", "model_name", "response_time", "metadata"}

// columnExpr normalises legacy values so they scan into VoteRecord no matter
// which SQLite storage class the writer used.
var columnExpr = map[string]string{
	"id":            "CAST(id AS TEXT)",
	"user_id":       "COALESCE(CAST(user_id AS TEXT), '')",
	"prompt_id":     "COALESCE(CAST(prompt_id AS TEXT), '')",
	"vote":          "COALESCE(CAST(vote AS INTEGER), 0)",
	"timestamp":     "COALESCE(CAST(timestamp AS INTEGER), 0)",
	"comment":       "CAST(comment AS TEXT)",
	"prompt_text":   "CAST(prompt_text AS TEXT)",
	"ai_output":     "CAST(ai_output AS TEXT)",
	"model_name":    "CAST(model_name AS TEXT)",
	"response_time": "CAST(response_time AS INTEGER)",
	"metadata":      "CAST(metadata AS TEXT)",
}

// loadColumns returns the votes columns, or a StructuralError when the table
// or one of the required columns is missing.
func (e *Extractor) loadColumns(ctx context.Context) (map[string]bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.columns != nil {
		return e.columns, nil
	}

	s, err := e.openLocked()
	if err != nil {
		return nil, err
	}
	exists, err := s.TableExists(ctx, VotesTable)
	if err != nil {
		return nil, &models.StorageError{Op: "inspect source schema", State: models.StateUnchanged, Err: err}
	}
	if !exists {
		return nil, &models.StructuralError{Table: VotesTable, Msg: "table not found"}
	}
	cols, err := s.Columns(ctx, VotesTable)
	if err != nil {
		return nil, &models.StorageError{Op: "inspect source schema", State: models.StateUnchanged, Err: err}
	}
	var missing []string
	for _, c := range RequiredColumns {
		if !cols[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &models.StructuralError{
			Table:  VotesTable,
			Column: strings.Join(missing, ","),
			Msg:    "required column missing",
		}
	}
	e.columns = cols
	return cols, nil
}

// selectList builds the projection for VoteRecord, substituting NULL for
// optional columns the source does not have.
func selectList(cols map[string]bool) string {
	parts := make([]string, 0, len(RequiredColumns)+len(OptionalColumns)+1)
	parts = append(parts, "rowid AS legacy_rowid")
	for _, c := range RequiredColumns {
		parts = append(parts, columnExpr[c]+" AS "+c)
	}
	for _, c := range OptionalColumns {
		if cols[c] {
			parts = append(parts, columnExpr[c]+" AS "+c)
		} else {
			parts = append(parts, "NULL AS "+c)
		}
	}
	return strings.Join(parts, ", ")
}
