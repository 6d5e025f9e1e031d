// Package legacy reads the v3 votes database. It never writes to it: the
// source is opened with mode=ro and query_only.
package legacy

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"

	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
)

// sqlBlankChars is models.BlankChars as a SQLite TRIM character set.
const sqlBlankChars = "' ' || char(9, 10, 11, 12, 13)"

// ExtractorInterface is what the migrator and the validators need from the
// legacy side.
type ExtractorInterface interface {
	Validate(ctx context.Context) (models.ValidationResult, error)
	Statistics(ctx context.Context) (models.LegacyStatistics, error)
	ExtractBatches(batchSize int) *BatchIterator
	ExtractBatchesAfter(rowID int64, batchSize int) *BatchIterator
	Extract(ctx context.Context, batchSize, sampleSize int) (models.ExtractionSummary, error)
	Path() string
	Close() error
}

type Extractor struct {
	mu      sync.Mutex
	path    string
	ratio   float64
	store   *store.SqlStore
	columns map[string]bool
	closed  bool

	cache   providers.CacheProviderInterface
	logger  providers.Logger
	metrics providers.MetricsProviderInterface
}

// NewExtractor does not touch the file. The source is opened lazily by the
// first operation that needs it.
func NewExtractor(cfg structures.MigrationConfig, cache providers.CacheProviderInterface, logger providers.Logger, metrics providers.MetricsProviderInterface) *Extractor {
	return &Extractor{
		path:    cfg.SourcePath,
		ratio:   cfg.MaxMalformedRatio,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}
}

func (e *Extractor) Path() string {
	return e.path
}

func (e *Extractor) openLocked() (*store.SqlStore, error) {
	if e.closed {
		return nil, models.ErrClosed
	}
	if e.store != nil {
		return e.store, nil
	}
	s, err := store.Open(e.path, store.ReadOnly)
	if err != nil {
		return nil, &models.StorageError{Op: "open source", State: models.StateUnchanged, Err: err}
	}
	e.store = s
	return s, nil
}

func (e *Extractor) db() (*store.SqlStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked()
}

// Close releases the source connection. Calling it twice is a no-op.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

type qualityCounts struct {
	Total     int64 `db:"total"`
	BadVotes  int64 `db:"bad_votes"`
	BlankUser int64 `db:"blank_users"`
	BadTime   int64 `db:"bad_timestamps"`
	BadMeta   int64 `db:"bad_metadata"`
	MinTime   int64 `db:"min_ts"`
	MaxTime   int64 `db:"max_ts"`
}

// Validate checks that the source has the v3 shape. A missing table or
// required column is returned as a *models.StructuralError; row-level
// anomalies only produce warnings, except when the share of unparsable
// metadata exceeds the configured ratio.
func (e *Extractor) Validate(ctx context.Context) (models.ValidationResult, error) {
	res := models.ValidationResult{Errors: []string{}, Warnings: []string{}}

	cols, err := e.loadColumns(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	for _, c := range OptionalColumns {
		if !cols[c] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("optional column %s is missing; its values will be empty", c))
		}
	}

	s, err := e.db()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	metaExpr := "0"
	if cols["metadata"] {
		// CASE keeps json_type away from text json_valid already rejected
		metaExpr = `CASE
			WHEN metadata IS NULL OR TRIM(CAST(metadata AS TEXT), %[1]s) = '' THEN 0
			WHEN json_valid(CAST(metadata AS TEXT)) = 0 THEN 1
			WHEN json_type(CAST(metadata AS TEXT)) <> 'object' THEN 1
			ELSE 0 END`
		metaExpr = fmt.Sprintf(metaExpr, sqlBlankChars)
	}
	q := fmt.Sprintf(`SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN %[1]s NOT IN (1, -1) THEN 1 ELSE 0 END), 0) AS bad_votes,
		COALESCE(SUM(CASE WHEN TRIM(%[2]s, %[5]s) = '' THEN 1 ELSE 0 END), 0) AS blank_users,
		COALESCE(SUM(CASE WHEN %[3]s <= 0 THEN 1 ELSE 0 END), 0) AS bad_timestamps,
		COALESCE(SUM(%[4]s), 0) AS bad_metadata,
		COALESCE(MIN(%[3]s), 0) AS min_ts,
		COALESCE(MAX(%[3]s), 0) AS max_ts
		FROM votes`, columnExpr["vote"], columnExpr["user_id"], columnExpr["timestamp"], metaExpr, sqlBlankChars)

	var qc qualityCounts
	if err := s.DB.GetContext(ctx, &qc, q); err != nil {
		serr := &models.StorageError{Op: "scan source", State: models.StateUnchanged, Err: err}
		res.Errors = append(res.Errors, serr.Error())
		return res, serr
	}

	res.Summary = models.ValidationSummary{
		TotalEvents: qc.Total,
		DateRange:   models.DateRange{Start: qc.MinTime, End: qc.MaxTime},
	}
	if qc.Total == 0 {
		res.Warnings = append(res.Warnings, "source contains no votes")
	}
	if qc.BadVotes > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d record(s) have a vote outside {+1, -1} and will be skipped", qc.BadVotes))
	}
	if qc.BlankUser > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d record(s) have an empty user id and will be skipped", qc.BlankUser))
	}
	if qc.BadTime > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d record(s) have a non-positive timestamp and will be skipped", qc.BadTime))
	}
	if qc.BadMeta > 0 {
		ratio := float64(qc.BadMeta) / float64(qc.Total)
		msg := fmt.Sprintf("%d record(s) (%.1f%%) have unparsable metadata; they keep an empty metadata object",
			qc.BadMeta, ratio*100)
		if ratio > e.ratio {
			res.Errors = append(res.Errors, fmt.Sprintf("%s, above the %.1f%% limit", msg, e.ratio*100))
		} else {
			res.Warnings = append(res.Warnings, msg)
		}
	}

	res.IsValid = len(res.Errors) == 0
	e.logger.Infof(providers.TypeValidate, "validated %s: %d vote(s), %d warning(s), %d error(s)",
		e.path, qc.Total, len(res.Warnings), len(res.Errors))
	return res, nil
}

// Statistics aggregates the source in SQL. Results are memoised per file
// state, so a second call against an unchanged file does not rescan it.
func (e *Extractor) Statistics(ctx context.Context) (models.LegacyStatistics, error) {
	var stats models.LegacyStatistics

	key, keyErr := statsKey(e.path)
	if keyErr == nil {
		if raw, ok := e.cache.Get(key); ok {
			if err := json.Unmarshal(raw, &stats); err == nil {
				return stats, nil
			}
		}
	}

	if _, err := e.loadColumns(ctx); err != nil {
		return stats, err
	}
	s, err := e.db()
	if err != nil {
		return stats, err
	}

	q := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT %[1]s), COUNT(DISTINCT %[2]s),
		COALESCE(MIN(%[3]s), 0), COALESCE(MAX(%[3]s), 0) FROM votes`,
		columnExpr["user_id"], columnExpr["prompt_id"], columnExpr["timestamp"])
	err = s.DB.QueryRowContext(ctx, q).Scan(
		&stats.TotalVotes, &stats.UniqueUsers, &stats.UniquePrompts,
		&stats.DateRange.Start, &stats.DateRange.End)
	if err != nil {
		return stats, &models.StorageError{Op: "aggregate source", State: models.StateUnchanged, Err: err}
	}
	e.metrics.SetSourceRecords(stats.TotalVotes)

	if keyErr == nil {
		if raw, err := json.Marshal(stats); err == nil {
			e.cache.Set(key, raw)
		}
	}
	return stats, nil
}

func statsKey(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return providers.CacheKey(providers.CacheNamespaceSourceStats, path,
		strconv.FormatInt(fi.Size(), 10), strconv.FormatInt(fi.ModTime().UnixNano(), 10)), nil
}

// ExtractBatches starts a lazy walk over the whole source.
func (e *Extractor) ExtractBatches(batchSize int) *BatchIterator {
	return &BatchIterator{ext: e, size: max(batchSize, 1)}
}

// ExtractBatchesAfter resumes a walk after the given legacy rowid.
func (e *Extractor) ExtractBatchesAfter(rowID int64, batchSize int) *BatchIterator {
	return &BatchIterator{ext: e, size: max(batchSize, 1), resume: true, start: rowID, after: rowID}
}

// Extract walks every batch without converting, keeping up to sampleSize
// records for display.
func (e *Extractor) Extract(ctx context.Context, batchSize, sampleSize int) (models.ExtractionSummary, error) {
	summary := models.ExtractionSummary{Samples: []models.VoteRecord{}}
	it := e.ExtractBatches(batchSize)
	for batch, err := range it.Batches(ctx) {
		if err != nil {
			return summary, err
		}
		summary.Batches++
		summary.TotalRecords += int64(len(batch))
		for i := 0; i < len(batch) && len(summary.Samples) < sampleSize; i++ {
			summary.Samples = append(summary.Samples, batch[i])
		}
	}
	summary.MalformedMetadata = it.MalformedMetadata()
	return summary, nil
}
