// Package migrator converts legacy votes into unified events and writes them
// to the target store batch by batch.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"evmigrate/internal/idgen"
	"evmigrate/internal/legacy"
	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
)

// insertChunk keeps a multi-row INSERT well below SQLite's bound-variable
// limit.
const insertChunk = 500

const systemUser = "evmigrate"

// Checkpointer snapshots the target before the first write.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context) (models.CheckpointInfo, error)
}

type MigratorInterface interface {
	DryRun(ctx context.Context) (models.DryRunResult, error)
	Migrate(ctx context.Context) (models.MigrationStats, error)
	ValidateMigration(ctx context.Context) (models.MigrationValidation, error)
	TargetStatistics(ctx context.Context) (models.EventStatistics, error)
	Close() error
}

type Migrator struct {
	cfg          structures.MigrationConfig
	source       legacy.ExtractorInterface
	target       *store.Handle
	checkpointer Checkpointer
	logger       providers.Logger
	metrics      providers.MetricsProviderInterface
	now          func() time.Time
}

// NewMigrator wires a migrator. checkpointer may be nil, in which case
// Migrate writes without a rollback point.
func NewMigrator(cfg structures.MigrationConfig, source legacy.ExtractorInterface, target *store.Handle, checkpointer Checkpointer, logger providers.Logger, metrics providers.MetricsProviderInterface) *Migrator {
	return &Migrator{
		cfg:          cfg,
		source:       source,
		target:       target,
		checkpointer: checkpointer,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// DryRun converts every record without opening the target.
func (m *Migrator) DryRun(ctx context.Context) (models.DryRunResult, error) {
	res := models.DryRunResult{SampleConversions: []models.SampleConversion{}}
	runID := idgen.Generate("dryrun")

	for batch, err := range m.source.ExtractBatches(m.cfg.BatchSize).Batches(ctx) {
		if err != nil {
			return res, err
		}
		for i := range batch {
			rec := &batch[i]
			ev, err := Convert(*rec, runID)
			if err != nil {
				res.ErrorsEncountered++
				m.logger.Warnf(providers.TypeMigrate, "dry run: skipping %v", err)
				continue
			}
			res.TotalEvents++
			res.EstimatedSizeBytes += ev.ApproxSize()
			if len(res.SampleConversions) < m.cfg.SampleSize {
				res.SampleConversions = append(res.SampleConversions, models.SampleConversion{
					OriginalID:    rec.ID,
					NewID:         ev.ID,
					EventType:     ev.EventType,
					PropertyCount: len(ev.Properties),
					HasContent:    rec.HasContent(),
				})
			}
		}
	}
	m.logger.Infof(providers.TypeMigrate, "Dry run: %d event(s), ~%d bytes, %d error(s)",
		res.TotalEvents, res.EstimatedSizeBytes, res.ErrorsEncountered)
	return res, nil
}

// state describes the target after n committed batches.
func stateAfter(n int, checkpointed bool) models.StoreState {
	switch {
	case n > 0:
		return models.PartiallyMigrated(n)
	case checkpointed:
		return models.StateCheckpointed
	default:
		return models.StateUnchanged
	}
}

// Migrate copies the whole source into the target. Each batch is its own
// transaction; a failure leaves every earlier batch committed and reports
// how far the run got.
func (m *Migrator) Migrate(ctx context.Context) (models.MigrationStats, error) {
	var stats models.MigrationStats
	stats.State = models.StateUnchanged

	validation, err := m.source.Validate(ctx)
	if err != nil {
		return stats, err
	}
	for _, msg := range validation.Errors {
		m.logger.Warnf(providers.TypeMigrate, "source validation: %s", msg)
	}
	if stats.V3Stats, err = m.source.Statistics(ctx); err != nil {
		return stats, err
	}

	s, err := m.target.Get(ctx)
	if err != nil {
		return stats, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}

	checkpointed := false
	if m.checkpointer != nil {
		info, err := m.checkpointer.CreateCheckpoint(ctx)
		if err != nil {
			return stats, fmt.Errorf("checkpoint before migration: %w", err)
		}
		stats.CheckpointID = info.ID
		stats.State = models.StateCheckpointed
		checkpointed = true
	} else {
		m.logger.Warnf(providers.TypeMigrate, "migrating without a checkpoint; rollback will not be possible")
	}

	run := models.MigrationRun{
		ID:           idgen.Generate("run"),
		CheckpointID: stats.CheckpointID,
		SourcePath:   m.source.Path(),
		StartedAt:    m.now().UnixMilli(),
		Status:       models.RunRunning,
	}
	stats.RunID = run.ID
	if err := m.insertRun(ctx, s, &run); err != nil {
		return stats, &models.StorageError{Op: "record run", State: stats.State, Err: err}
	}
	m.logger.Infof(providers.TypeMigrate, "Migration %s: %s -> %s, batch size %d",
		run.ID, m.source.Path(), m.target.Path(), m.cfg.BatchSize)

	skipped := roaring64.New()
	var inserted int64
	it := m.source.ExtractBatches(m.cfg.BatchSize)
	fail := func(op string, err error) (models.MigrationStats, error) {
		stats.State = stateAfter(run.BatchesCommitted, checkpointed)
		m.failRun(s, &run)
		m.logger.Errorf(providers.TypeMigrate, "migration %s stopped: %s: %v (store %s)", run.ID, op, err, stats.State)
		return stats, &models.StorageError{Op: op, Batch: run.BatchesCommitted + 1, State: stats.State, Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail("migrate", err)
		}
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail("read source", err)
		}

		started := m.now()
		events := make([]models.Event, 0, len(batch))
		var summary models.ConversionSummary
		for i := range batch {
			rec := &batch[i]
			ev, err := Convert(*rec, run.ID)
			if err != nil {
				summary.ErrorsEncountered++
				skipped.Add(uint64(rec.RowID))
				m.logger.Warnf(providers.TypeMigrate, "skipping %v", err)
				continue
			}
			events = append(events, ev)
			summary.VotesToVoteCast++
			if rec.Metadata.Valid() && !rec.Metadata.Empty() {
				summary.MetadataPreserved++
			}
			if rec.HasContent() {
				summary.ContentPreserved++
			}
		}

		progress := run
		progress.BatchesCommitted++
		progress.RecordsMigrated += summary.VotesToVoteCast
		progress.ErrorsEncountered += summary.ErrorsEncountered
		progress.LastRowID = it.LastRowID()
		if progress.Skipped, err = skipped.MarshalBinary(); err != nil {
			return fail("encode skipped set", err)
		}
		n, err := m.writeBatch(ctx, s, events, &progress)
		if err != nil {
			return fail("write batch", err)
		}
		run = progress
		inserted += n

		stats.BatchesCommitted = run.BatchesCommitted
		addSummary(&stats.ConversionSummary, summary)
		m.metrics.IncBatchesCommitted()
		m.metrics.IncRecordsMigrated(len(events))
		m.metrics.IncRecordsSkipped(int(summary.ErrorsEncountered))
		m.metrics.ObserveBatchDuration(m.now().Sub(started))
		if m.cfg.Verbose {
			m.logger.Infof(providers.TypeMigrate, "Batch %d committed: %d event(s), %d skipped, up to rowid %d",
				run.BatchesCommitted, len(events), summary.ErrorsEncountered, run.LastRowID)
		}
	}

	if err := m.completeRun(ctx, s, &run, inserted); err != nil {
		return fail("complete run", err)
	}

	stats.State = models.StateMigrated
	if stats.V4Stats, err = m.TargetStatistics(ctx); err != nil {
		return stats, err
	}
	if err := m.metrics.Flush(); err != nil {
		m.logger.Warnf(providers.TypeMigrate, "failed to write metrics: %v", err)
	}
	m.logger.Infof(providers.TypeMigrate, "Migration %s complete: %d event(s) in %d batch(es), %d skipped",
		run.ID, run.RecordsMigrated, run.BatchesCommitted, run.ErrorsEncountered)
	return stats, nil
}

func addSummary(dst *models.ConversionSummary, src models.ConversionSummary) {
	dst.VotesToVoteCast += src.VotesToVoteCast
	dst.MetadataPreserved += src.MetadataPreserved
	dst.ContentPreserved += src.ContentPreserved
	dst.ErrorsEncountered += src.ErrorsEncountered
}

// writeBatch inserts events and records run progress in one transaction.
// Events already present are left as they are. It returns the number of
// rows actually inserted.
func (m *Migrator) writeBatch(ctx context.Context, s *store.SqlStore, events []models.Event, run *models.MigrationRun) (int64, error) {
	var inserted int64
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		n, err := insertEvents(ctx, tx, events)
		if err != nil {
			return err
		}
		inserted = n
		return updateRun(ctx, tx, run)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, events []models.Event) (int64, error) {
	var inserted int64
	for startIdx := 0; startIdx < len(events); startIdx += insertChunk {
		end := min(startIdx+insertChunk, len(events))
		ins := sq.Insert("events").Options("OR IGNORE").Columns(models.EventColumns...)
		for i := startIdx; i < end; i++ {
			ins = ins.Values(events[i].Values()...)
		}
		q, args, err := ins.ToSql()
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("insert events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	return inserted, nil
}

func (m *Migrator) insertRun(ctx context.Context, s *store.SqlStore, run *models.MigrationRun) error {
	q, args, err := sq.Insert("migration_runs").
		Columns("id", "checkpoint_id", "source_path", "started_at", "status").
		Values(run.ID, run.CheckpointID, run.SourcePath, run.StartedAt, run.Status).
		ToSql()
	if err != nil {
		return err
	}
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

func updateRun(ctx context.Context, tx *sqlx.Tx, run *models.MigrationRun) error {
	q, args, err := sq.Update("migration_runs").SetMap(map[string]interface{}{
		"status":             run.Status,
		"finished_at":        run.FinishedAt,
		"batches_committed":  run.BatchesCommitted,
		"records_migrated":   run.RecordsMigrated,
		"errors_encountered": run.ErrorsEncountered,
		"last_rowid":         run.LastRowID,
		"skipped":            run.Skipped,
	}).Where(sq.Eq{"id": run.ID}).ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, q, args...)
	return err
}

// completeRun closes the run record and, when the run inserted new events,
// appends the completion marker. A run that found everything migrated
// already leaves events as it was.
func (m *Migrator) completeRun(ctx context.Context, s *store.SqlStore, run *models.MigrationRun, inserted int64) error {
	finished := m.now().UnixMilli()
	done := *run
	done.Status = models.RunCompleted
	done.FinishedAt = &finished

	if inserted == 0 {
		m.logger.Infof(providers.TypeMigrate, "Migration %s inserted no new events, no completion marker written", run.ID)
		if err := s.InTx(ctx, func(tx *sqlx.Tx) error { return updateRun(ctx, tx, &done) }); err != nil {
			return err
		}
		*run = done
		return nil
	}

	marker := models.Event{
		ID:        idgen.Generate("mig"),
		EventType: models.EventMigrationCompleted,
		UserID:    systemUser,
		Timestamp: finished,
		Properties: models.Properties{
			models.PropSource:         models.MigrationSource,
			models.PropCategory:       m.cfg.Category,
			models.PropMigrationRunID: run.ID,
			models.PropCheckpointID:   run.CheckpointID,
			models.PropSourcePath:     run.SourcePath,
			models.PropRecords:        run.RecordsMigrated,
			models.PropSkipped:        run.ErrorsEncountered,
		},
		CreatedAt: finished,
	}
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := insertEvents(ctx, tx, []models.Event{marker}); err != nil {
			return err
		}
		return updateRun(ctx, tx, &done)
	})
	if err != nil {
		return err
	}
	*run = done
	return nil
}

// failRun marks the run failed. It runs on a fresh context so a cancelled
// migration still leaves an accurate record.
func (m *Migrator) failRun(s *store.SqlStore, run *models.MigrationRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	finished := m.now().UnixMilli()
	failed := *run
	failed.Status = models.RunFailed
	failed.FinishedAt = &finished
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		return updateRun(ctx, tx, &failed)
	})
	if err != nil {
		m.logger.Warnf(providers.TypeMigrate, "failed to mark run %s failed: %v", run.ID, err)
	}
}

// Close releases the source and target connections.
func (m *Migrator) Close() error {
	var result *multierror.Error
	if err := m.source.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.target.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
