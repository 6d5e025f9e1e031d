package migrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"evmigrate/internal/models"
	"evmigrate/internal/store"
)

const migratedExpr = `event_type = ? AND CASE WHEN json_valid(properties) THEN json_extract(properties, '$.source') END = ?`

// TargetStatistics summarises the unified store.
func (m *Migrator) TargetStatistics(ctx context.Context) (models.EventStatistics, error) {
	stats := models.EventStatistics{ByType: map[string]int64{}}
	s, err := m.target.Get(ctx)
	if err != nil {
		return stats, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}

	q := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN ` + migratedExpr + ` THEN 1 ELSE 0 END), 0),
		COUNT(DISTINCT CASE WHEN ` + migratedExpr + ` THEN user_id END),
		COALESCE(MIN(CASE WHEN ` + migratedExpr + ` THEN timestamp END), 0),
		COALESCE(MAX(CASE WHEN ` + migratedExpr + ` THEN timestamp END), 0)
		FROM events`
	cat, src := m.cfg.Category, models.MigrationSource
	err = s.DB.QueryRowContext(ctx, q, cat, cat, src, cat, src, cat, src, cat, src).Scan(
		&stats.TotalEvents, &stats.CategoryEvents, &stats.MigratedEvents, &stats.UniqueUsers,
		&stats.DateRange.Start, &stats.DateRange.End)
	if err != nil {
		return stats, &models.StorageError{Op: "aggregate target", State: models.StateUnchanged, Err: err}
	}

	rows, err := s.DB.QueryxContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return stats, &models.StorageError{Op: "aggregate target", State: models.StateUnchanged, Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return stats, err
		}
		stats.ByType[typ] = n
	}
	return stats, rows.Err()
}

// skippedRecords unions the skipped sets of every live run over the current
// source, so records rejected in an earlier invocation are still accounted
// for.
func (m *Migrator) skippedRecords(ctx context.Context, s *store.SqlStore) (uint64, error) {
	var blobs [][]byte
	err := s.DB.SelectContext(ctx, &blobs,
		`SELECT skipped FROM migration_runs WHERE source_path = ? AND status <> ? AND skipped IS NOT NULL`,
		m.source.Path(), models.RunRolledBack)
	if err != nil {
		return 0, err
	}
	all := roaring64.New()
	for _, b := range blobs {
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(b); err != nil {
			return 0, fmt.Errorf("decode skipped set: %w", err)
		}
		all.Or(bm)
	}
	return all.GetCardinality(), nil
}

// ValidateMigration reconciles the source with the migrated events. Count or
// range mismatches make the result invalid; they are reported, not fixed.
func (m *Migrator) ValidateMigration(ctx context.Context) (models.MigrationValidation, error) {
	v := models.MigrationValidation{Warnings: []string{}, Errors: []string{}}
	if !m.target.Opened() && !m.target.Exists() {
		return v, &models.StorageError{
			Op:    "open target",
			State: models.StateUnchanged,
			Err:   errors.New("target database " + m.target.Path() + " does not exist"),
		}
	}

	v3, err := m.source.Statistics(ctx)
	if err != nil {
		return v, err
	}
	v4, err := m.TargetStatistics(ctx)
	if err != nil {
		return v, err
	}
	s, err := m.target.Get(ctx)
	if err != nil {
		return v, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}
	skipped, err := m.skippedRecords(ctx, s)
	if err != nil {
		return v, &models.StorageError{Op: "read migration runs", State: models.StateUnchanged, Err: err}
	}

	c := models.MigrationComparison{
		V3Events:    v3.TotalVotes,
		V4Events:    v4.MigratedEvents,
		Skipped:     int64(skipped),
		V3Users:     v3.UniqueUsers,
		V4Users:     v4.UniqueUsers,
		V3DateRange: v3.DateRange,
		V4DateRange: v4.DateRange,
	}
	v.Comparison = c

	if expected := c.V3Events - c.Skipped; c.V4Events != expected {
		v.Errors = append(v.Errors, (&models.IntegrityMismatchError{Field: "v4Events", Expected: expected, Actual: c.V4Events}).Error())
	}
	if c.V3Users != c.V4Users {
		mismatch := (&models.IntegrityMismatchError{Field: "users", Expected: c.V3Users, Actual: c.V4Users}).Error()
		if c.Skipped > 0 {
			v.Warnings = append(v.Warnings, mismatch+" (records were skipped)")
		} else {
			v.Errors = append(v.Errors, mismatch)
		}
	}
	switch {
	case c.V3Events == 0 && c.V4Events == 0:
		v.Warnings = append(v.Warnings, "nothing to compare: source is empty")
	case !c.V3DateRange.Overlaps(c.V4DateRange):
		v.Errors = append(v.Errors, fmt.Sprintf("date ranges do not overlap: v3 [%d, %d], v4 [%d, %d]",
			c.V3DateRange.Start, c.V3DateRange.End, c.V4DateRange.Start, c.V4DateRange.End))
	case c.V3DateRange.Contains(c.V4DateRange) && c.V3DateRange != c.V4DateRange:
		v.Warnings = append(v.Warnings, "migrated date range lies strictly inside the source range")
	}

	v.IsValid = len(v.Errors) == 0
	return v, nil
}
