package validator

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"evmigrate/internal/migrator"
	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
)

var requiredTables = []string{"events", "migration_checkpoints", "events_checkpoint", "migration_runs"}

var requiredIndexes = []string{
	"idx_events_user_id",
	"idx_events_event_type",
	"idx_events_timestamp",
	"idx_events_type_timestamp",
	"idx_events_journey",
	"idx_events_conversation",
}

// preservedProps are the converter-written properties compared by the
// preservation sample. migrationRunId differs between runs and is left out.
var preservedProps = []string{
	models.PropPromptID,
	models.PropVote,
	models.PropLegacyID,
	models.PropSource,
	models.PropMetadata,
	models.PropMetadataError,
}

type timedQuery struct {
	name  string
	query string
	args  []any
}

// ValidatePostMigration inspects the target after a migration. Findings are
// reported in the result; the error is reserved for cancellation.
func (v *Validator) ValidatePostMigration(ctx context.Context) (models.PostMigrationValidation, error) {
	res := models.PostMigrationValidation{Warnings: []string{}, Errors: []string{}}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if !v.target.Opened() && !v.target.Exists() {
		res.Errors = append(res.Errors, "target database "+v.target.Path()+" does not exist")
		return res, nil
	}
	s, err := v.target.Get(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("open target: %v", err))
		return res, nil
	}

	res.Integrity.SchemaIntegrity = v.checkSchema(ctx, s, &res)

	mv, err := v.reconciler.ValidateMigration(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("reconcile: %v", err))
	} else {
		res.Integrity.DataIntegrity = mv.IsValid
		res.Errors = append(res.Errors, mv.Errors...)
		res.Warnings = append(res.Warnings, mv.Warnings...)
		res.Metrics.MigrationAccuracy = accuracy(mv.Comparison)
	}

	if res.Integrity.SchemaIntegrity {
		res.Metrics.DataPreservation = v.preservation(ctx, s, &res)
		res.Integrity.PerformanceAcceptable, res.Metrics.PerformanceScore = v.performance(ctx, s, &res)
	}

	info, err := v.checkpoints.GetCheckpointInfo(ctx)
	switch {
	case err != nil:
		res.Errors = append(res.Errors, fmt.Sprintf("read checkpoint: %v", err))
	case info.Exists && info.Status == models.CheckpointActive:
		res.Integrity.RollbackPossible = true
	default:
		res.Warnings = append(res.Warnings, "no active checkpoint: the migration cannot be rolled back")
	}

	i := res.Integrity
	res.IsValid = i.DataIntegrity && i.SchemaIntegrity && i.PerformanceAcceptable && i.RollbackPossible
	v.logger.Infof(providers.TypeValidate, "post-migration checks: data=%t schema=%t performance=%t rollback=%t accuracy=%.3f preservation=%.3f",
		i.DataIntegrity, i.SchemaIntegrity, i.PerformanceAcceptable, i.RollbackPossible,
		res.Metrics.MigrationAccuracy, res.Metrics.DataPreservation)
	return res, ctx.Err()
}

func (v *Validator) checkSchema(ctx context.Context, s *store.SqlStore, res *models.PostMigrationValidation) bool {
	ok := true
	fail := func(format string, args ...any) {
		ok = false
		res.Errors = append(res.Errors, "schema: "+fmt.Sprintf(format, args...))
	}

	for _, t := range requiredTables {
		exists, err := s.TableExists(ctx, t)
		if err != nil {
			fail("%v", err)
			return false
		}
		if !exists {
			fail("table %s is missing", t)
		}
	}
	if !ok {
		return false
	}

	cols, err := s.Columns(ctx, "events")
	if err != nil {
		fail("%v", err)
		return false
	}
	for _, c := range models.EventColumns {
		if !cols[c] {
			fail("events.%s is missing", c)
		}
	}
	idx, err := s.Indexes(ctx, "events")
	if err != nil {
		fail("%v", err)
		return false
	}
	for _, name := range requiredIndexes {
		if !idx[name] {
			fail("index %s is missing", name)
		}
	}

	have, err := s.UserVersion(ctx)
	if err != nil {
		fail("%v", err)
		return false
	}
	if known, err := store.SchemaVersion(); err == nil && have < known {
		fail("schema version %d is older than %d", have, known)
	}
	return ok
}

// accuracy is 1 when every migratable record became exactly one event and
// falls off linearly with the relative difference.
func accuracy(c models.MigrationComparison) float64 {
	expected := c.V3Events - c.Skipped
	if expected <= 0 {
		if c.V4Events == 0 {
			return 1
		}
		return 0
	}
	diff := c.V4Events - expected
	if diff < 0 {
		diff = -diff
	}
	return clamp(1 - float64(diff)/float64(expected))
}

// preservation compares the first records of the source with the events
// they were migrated to, field by field.
func (v *Validator) preservation(ctx context.Context, s *store.SqlStore, res *models.PostMigrationValidation) float64 {
	if v.perf.PreservationSample <= 0 {
		return 1
	}
	it := v.source.ExtractBatches(v.perf.PreservationSample)
	batch, err := it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return 1
	}
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("preservation sample: %v", err))
		return 0
	}

	var compared, preserved int
	for _, rec := range batch {
		want, err := migrator.Convert(rec, "")
		if err != nil {
			// skipped by the migration as well
			continue
		}
		compared++

		var got models.Event
		err = s.DB.GetContext(ctx, &got, `SELECT * FROM events WHERE id = ?`, want.ID)
		if errors.Is(err, sql.ErrNoRows) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("record %s was not migrated", rec.ID))
			continue
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("preservation sample: %v", err))
			return 0
		}
		if diff := diffEvent(&want, &got); len(diff) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("record %s differs in %s", rec.ID, strings.Join(diff, ", ")))
			continue
		}
		preserved++
	}
	if compared == 0 {
		return 1
	}
	return float64(preserved) / float64(compared)
}

func diffEvent(want, got *models.Event) []string {
	var diff []string
	check := func(field string, equal bool) {
		if !equal {
			diff = append(diff, field)
		}
	}
	check("event_type", want.EventType == got.EventType)
	check("user_id", want.UserID == got.UserID)
	check("timestamp", want.Timestamp == got.Timestamp)
	check("journey_id", eqPtr(want.JourneyID, got.JourneyID))
	check("conversation_id", eqPtr(want.ConversationID, got.ConversationID))
	check("turn_sequence", eqPtr(want.TurnSequence, got.TurnSequence))
	check("turn_id", eqPtr(want.TurnID, got.TurnID))
	check("comment", eqPtr(want.Comment, got.Comment))
	check("prompt_text", eqPtr(want.PromptText, got.PromptText))
	check("ai_output", eqPtr(want.AIOutput, got.AIOutput))
	check("model_name", eqPtr(want.ModelName, got.ModelName))
	check("response_time_ms", eqPtr(want.ResponseTimeMs, got.ResponseTimeMs))
	for _, key := range preservedProps {
		check("properties."+key, sameJSON(want.Properties[key], got.Properties[key]))
	}
	return diff
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// sameJSON compares values by their encoding, so an int64 written by the
// converter equals the json.Number read back from the store.
func sameJSON(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}

// performance times the lookups the v4 indexes exist for. The score is 1
// within budget and budget/slowest beyond it.
func (v *Validator) performance(ctx context.Context, s *store.SqlStore, res *models.PostMigrationValidation) (bool, float64) {
	var user string
	var ts int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, timestamp FROM events WHERE event_type = ? ORDER BY timestamp LIMIT 1`,
		v.cfg.Category).Scan(&user, &ts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		res.Errors = append(res.Errors, fmt.Sprintf("performance query: %v", err))
		return false, 0
	}

	queries := []timedQuery{
		{"events by user", `SELECT COUNT(*) FROM events WHERE user_id = ?`, []any{user}},
		{"events by type and time", `SELECT COUNT(*) FROM events WHERE event_type = ? AND timestamp BETWEEN ? AND ?`,
			[]any{v.cfg.Category, ts, ts + int64(24*time.Hour/time.Millisecond)}},
		{"events by journey", `SELECT COUNT(*) FROM events WHERE json_extract(properties, '$.journeyId') = ?`, []any{"none"}},
		{"events by conversation", `SELECT COUNT(*) FROM events WHERE json_extract(properties, '$.conversationId') = ?`, []any{"none"}},
	}

	var slowest time.Duration
	for _, p := range queries {
		if scan, err := fullScan(ctx, s, p); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("performance query %q: %v", p.name, err))
			return false, 0
		} else if scan {
			res.Warnings = append(res.Warnings, fmt.Sprintf("performance query %q does not use an index", p.name))
		}

		start := time.Now()
		var n int64
		if err := s.DB.QueryRowContext(ctx, p.query, p.args...).Scan(&n); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("performance query %q: %v", p.name, err))
			return false, 0
		}
		elapsed := time.Since(start)
		v.logger.Debugf(providers.TypeValidate, "query %q took %s", p.name, elapsed)
		slowest = max(slowest, elapsed)
	}

	budget := v.perf.QueryBudget
	if budget <= 0 || slowest <= budget {
		return true, 1
	}
	res.Warnings = append(res.Warnings, fmt.Sprintf("slowest indexed query took %s, over the %s budget", slowest, budget))
	return false, clamp(float64(budget) / float64(slowest))
}

// fullScan reports whether SQLite plans p as a scan of the events table.
func fullScan(ctx context.Context, s *store.SqlStore, p timedQuery) (bool, error) {
	rows, err := s.DB.QueryContext(ctx, "EXPLAIN QUERY PLAN "+p.query, p.args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	scan := false
	for rows.Next() {
		var id, parent, unused int
		var detail string
		if err := rows.Scan(&id, &parent, &unused, &detail); err != nil {
			return false, err
		}
		if strings.HasPrefix(detail, "SCAN") && !strings.Contains(detail, "INDEX") {
			scan = true
		}
	}
	return scan, rows.Err()
}

func clamp(f float64) float64 {
	return min(max(f, 0), 1)
}
