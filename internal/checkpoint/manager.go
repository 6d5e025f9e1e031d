// Package checkpoint snapshots the migrated category of the unified store
// before a migration and restores it on rollback.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"

	"evmigrate/internal/idgen"
	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
)

const archiveExt = ".ckpt.zst"

// propExpr reads a top-level property without failing on rows whose
// properties are not valid JSON.
func propExpr(key string) string {
	return "CASE WHEN json_valid(properties) THEN json_extract(properties, '$." + key + "') END"
}

var sourceExpr = propExpr(models.PropSource)

var checkpointColumns = []string{"id", "category", "created_at", "row_count", "size_bytes", "archive_path", "status"}

type ManagerInterface interface {
	CreateCheckpoint(ctx context.Context) (models.CheckpointInfo, error)
	GetCheckpointInfo(ctx context.Context) (models.CheckpointInfo, error)
	PerformFullRollback(ctx context.Context) (models.RollbackResult, error)
	VerifyRollback(ctx context.Context) (models.RollbackVerification, error)
}

type Manager struct {
	target     *store.Handle
	category   string
	archiveDir string
	compressor CompressorInterface
	logger     providers.Logger
	metrics    providers.MetricsProviderInterface
	now        func() time.Time
}

func NewManager(cfg structures.MigrationConfig, target *store.Handle, compressor CompressorInterface, logger providers.Logger, metrics providers.MetricsProviderInterface) *Manager {
	return &Manager{
		target:     target,
		category:   cfg.Category,
		archiveDir: cfg.ArchiveDir,
		compressor: compressor,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func eventColumns() string {
	return strings.Join(models.EventColumns, ", ")
}

// CreateCheckpoint copies the events of the category that the migration did
// not produce into events_checkpoint, writes the archive and records the
// checkpoint, all inside one transaction. Earlier active checkpoints become
// superseded. Rows the migration produced are left out, since rollback
// deletes them and a retried run must not restore a failed run's output.
func (m *Manager) CreateCheckpoint(ctx context.Context) (models.CheckpointInfo, error) {
	start := m.now()
	s, err := m.target.Get(ctx)
	if err != nil {
		return models.CheckpointInfo{}, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}

	info := models.CheckpointInfo{
		Exists:      true,
		ID:          idgen.Generate("ckpt"),
		Category:    m.category,
		CreatedAt:   start.UTC(),
		CreatedAtMs: start.UnixMilli(),
		Status:      models.CheckpointActive,
	}
	info.ArchivePath = filepath.Join(m.archiveDir, info.ID+archiveExt)

	archived := false
	err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE migration_checkpoints SET status = ? WHERE category = ? AND status = ?`,
			models.CheckpointSuperseded, m.category, models.CheckpointActive)
		if err != nil {
			return fmt.Errorf("supersede previous checkpoints: %w", err)
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO events_checkpoint (checkpoint_id, %[1]s) SELECT ?, %[1]s FROM events
			WHERE event_type = ? AND COALESCE(%[2]s, '') <> ?`,
			eventColumns(), sourceExpr), info.ID, m.category, models.MigrationSource)
		if err != nil {
			return fmt.Errorf("copy events: %w", err)
		}
		if info.RowCount, err = res.RowsAffected(); err != nil {
			return err
		}

		size, err := m.writeArchive(ctx, tx, info)
		if err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		archived = true
		info.SizeBytes = size

		q, args, err := sq.Insert("migration_checkpoints").
			Columns(checkpointColumns...).
			Values(info.ID, info.Category, info.CreatedAtMs, info.RowCount, info.SizeBytes, info.ArchivePath, info.Status).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		if archived {
			os.Remove(info.ArchivePath)
		}
		m.logger.Errorf(providers.TypeCheckpoint, "checkpoint failed: %v", err)
		return models.CheckpointInfo{}, &models.StorageError{Op: "create checkpoint", State: models.StateUnchanged, Err: err}
	}

	m.metrics.ObserveCheckpointDuration(m.now().Sub(start))
	m.logger.Infof(providers.TypeCheckpoint, "Checkpoint %s: %d %s event(s), archive %s (%s)",
		info.ID, info.RowCount, info.Category, info.ArchivePath, humanize.Bytes(uint64(info.SizeBytes)))
	return info, nil
}

func (m *Manager) writeArchive(ctx context.Context, tx *sqlx.Tx, info models.CheckpointInfo) (int64, error) {
	aw, err := createArchive(info.ArchivePath, m.compressor, archiveHeader{
		Version:      archiveVersion,
		CheckpointID: info.ID,
		Category:     info.Category,
		CreatedAt:    info.CreatedAtMs,
	})
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryxContext(ctx, fmt.Sprintf(
		`SELECT %s FROM events_checkpoint WHERE checkpoint_id = ? ORDER BY id`, eventColumns()), info.ID)
	if err != nil {
		aw.abort()
		return 0, err
	}
	for rows.Next() {
		var r archiveRow
		if err := rows.StructScan(&r); err != nil {
			rows.Close()
			aw.abort()
			return 0, err
		}
		if err := aw.write(&r); err != nil {
			rows.Close()
			aw.abort()
			return 0, err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		aw.abort()
		return 0, err
	}
	if aw.count != info.RowCount {
		aw.abort()
		return 0, &models.IntegrityMismatchError{Field: "archivedEvents", Expected: info.RowCount, Actual: aw.count}
	}
	return aw.commit()
}

// latest returns the newest checkpoint of the category, optionally
// restricted to the given statuses.
func (m *Manager) latest(ctx context.Context, q sqlx.QueryerContext, statuses ...models.CheckpointStatus) (models.CheckpointInfo, error) {
	sel := sq.Select(checkpointColumns...).
		From("migration_checkpoints").
		Where(sq.Eq{"category": m.category}).
		OrderBy("created_at DESC", "rowid DESC").
		Limit(1)
	if len(statuses) > 0 {
		sel = sel.Where(sq.Eq{"status": statuses})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return models.CheckpointInfo{}, err
	}

	var info models.CheckpointInfo
	err = sqlx.GetContext(ctx, q, &info, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CheckpointInfo{}, nil
	}
	if err != nil {
		return models.CheckpointInfo{}, err
	}
	info.Exists = true
	info.CreatedAt = time.UnixMilli(info.CreatedAtMs).UTC()
	return info, nil
}

// GetCheckpointInfo describes the newest checkpoint. A missing target is
// reported as no checkpoint rather than created.
func (m *Manager) GetCheckpointInfo(ctx context.Context) (models.CheckpointInfo, error) {
	if !m.target.Opened() && !m.target.Exists() {
		return models.CheckpointInfo{}, nil
	}
	s, err := m.target.Get(ctx)
	if err != nil {
		return models.CheckpointInfo{}, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}
	info, err := m.latest(ctx, s.DB)
	if err != nil {
		return info, &models.StorageError{Op: "read checkpoint", State: models.StateUnchanged, Err: err}
	}
	return info, nil
}

// PerformFullRollback removes every migrated event of the category and
// restores the rows of the active checkpoint. Events of other types and
// live events of the same type that were not produced by the migration are
// never touched.
func (m *Manager) PerformFullRollback(ctx context.Context) (models.RollbackResult, error) {
	result := models.RollbackResult{State: models.StateUnchanged}
	if !m.target.Opened() && !m.target.Exists() {
		return result, models.ErrNoCheckpoint
	}
	s, err := m.target.Get(ctx)
	if err != nil {
		return result, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}

	info, err := m.latest(ctx, s.DB, models.CheckpointActive)
	if err != nil {
		return result, &models.StorageError{Op: "read checkpoint", State: models.StateUnchanged, Err: err}
	}
	if !info.Exists {
		return result, models.ErrNoCheckpoint
	}
	result.CheckpointID = info.ID

	err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE event_type = ? AND `+sourceExpr+` = ?`,
			m.category, models.MigrationSource)
		if err != nil {
			return fmt.Errorf("delete migrated events: %w", err)
		}
		if result.Deleted, err = res.RowsAffected(); err != nil {
			return err
		}

		// completion markers of this category belong to the migration too
		res, err = tx.ExecContext(ctx,
			`DELETE FROM events WHERE event_type = ? AND `+sourceExpr+` = ? AND `+propExpr(models.PropCategory)+` = ?`,
			models.EventMigrationCompleted, models.MigrationSource, m.category)
		if err != nil {
			return fmt.Errorf("delete completion markers: %w", err)
		}
		markers, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.Deleted += markers

		var stored int64
		if err := tx.GetContext(ctx, &stored,
			`SELECT COUNT(*) FROM events_checkpoint WHERE checkpoint_id = ?`, info.ID); err != nil {
			return err
		}
		if stored == info.RowCount {
			res, err = tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT OR IGNORE INTO events (%[1]s) SELECT %[1]s FROM events_checkpoint WHERE checkpoint_id = ?`,
				eventColumns()), info.ID)
			if err != nil {
				return fmt.Errorf("restore events: %w", err)
			}
			if result.Restored, err = res.RowsAffected(); err != nil {
				return err
			}
		} else {
			m.logger.Warnf(providers.TypeCheckpoint, "checkpoint %s has %d of %d row(s) in store, restoring from %s",
				info.ID, stored, info.RowCount, info.ArchivePath)
			restored, err := m.restoreFromArchive(ctx, tx, info)
			if err != nil {
				return err
			}
			result.Restored = restored
			result.FromArchive = true
		}

		if _, err := tx.ExecContext(ctx, `UPDATE migration_checkpoints SET status = ? WHERE id = ?`,
			models.CheckpointRolledBack, info.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE migration_runs SET status = ? WHERE checkpoint_id = ?`,
			models.RunRolledBack, info.ID)
		return err
	})
	if err != nil {
		m.metrics.IncRollbacks("failed")
		m.logger.Errorf(providers.TypeCheckpoint, "rollback to %s failed: %v", info.ID, err)
		return models.RollbackResult{CheckpointID: info.ID, State: models.StateUnchanged},
			&models.StorageError{Op: "rollback", State: models.StateUnchanged, Err: err}
	}

	result.State = models.StateRolledBack
	m.metrics.IncRollbacks("success")
	m.logger.Infof(providers.TypeCheckpoint, "Rolled back to %s: %d event(s) removed, %d restored",
		info.ID, result.Deleted, result.Restored)
	return result, nil
}

func (m *Manager) restoreFromArchive(ctx context.Context, tx *sqlx.Tx, info models.CheckpointInfo) (int64, error) {
	if info.ArchivePath == "" {
		return 0, fmt.Errorf("checkpoint %s is incomplete and has no archive", info.ID)
	}
	var restored int64
	header, err := readArchive(info.ArchivePath, m.compressor, func(r *archiveRow) error {
		q, args, err := sq.Insert("events").Options("OR IGNORE").
			Columns(models.EventColumns...).
			Values(r.values()...).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		restored += n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("restore from archive: %w", err)
	}
	if header.CheckpointID != info.ID {
		return 0, fmt.Errorf("archive %s belongs to checkpoint %s, not %s", info.ArchivePath, header.CheckpointID, info.ID)
	}
	return restored, nil
}

// VerifyRollback checks that every checkpointed event is back in events and
// that no migrated event outside the checkpoint is left over.
func (m *Manager) VerifyRollback(ctx context.Context) (models.RollbackVerification, error) {
	v := models.RollbackVerification{Errors: []string{}}
	if !m.target.Opened() && !m.target.Exists() {
		return v, models.ErrNoCheckpoint
	}
	s, err := m.target.Get(ctx)
	if err != nil {
		return v, &models.StorageError{Op: "open target", State: models.StateUnchanged, Err: err}
	}
	info, err := m.latest(ctx, s.DB)
	if err != nil {
		return v, &models.StorageError{Op: "read checkpoint", State: models.StateUnchanged, Err: err}
	}
	if !info.Exists {
		return v, models.ErrNoCheckpoint
	}
	if info.Status != models.CheckpointRolledBack {
		v.Errors = append(v.Errors, fmt.Sprintf("checkpoint %s is %s, not rolled back", info.ID, info.Status))
	}

	var c models.RollbackComparison
	if err := s.DB.GetContext(ctx, &c.CheckpointEvents,
		`SELECT COUNT(*) FROM events_checkpoint WHERE checkpoint_id = ?`, info.ID); err != nil {
		return v, &models.StorageError{Op: "verify rollback", State: models.StateUnchanged, Err: err}
	}

	if c.CheckpointEvents == info.RowCount {
		err = s.DB.GetContext(ctx, &c.RestoredEvents,
			`SELECT COUNT(*) FROM events_checkpoint c JOIN events e ON e.id = c.id WHERE c.checkpoint_id = ?`, info.ID)
		if err == nil {
			err = s.DB.GetContext(ctx, &c.LeftoverMigrated,
				`SELECT COUNT(*) FROM events e WHERE e.event_type = ? AND `+sourceExpr+` = ?
				AND NOT EXISTS (SELECT 1 FROM events_checkpoint c WHERE c.checkpoint_id = ? AND c.id = e.id)`,
				m.category, models.MigrationSource, info.ID)
		}
	} else {
		c, err = m.compareWithArchive(ctx, s.DB, info)
	}
	if err != nil {
		return v, &models.StorageError{Op: "verify rollback", State: models.StateUnchanged, Err: err}
	}

	v.Comparison = c
	if c.RestoredEvents != c.CheckpointEvents {
		mismatch := &models.IntegrityMismatchError{Field: "restoredEvents", Expected: c.CheckpointEvents, Actual: c.RestoredEvents}
		v.Errors = append(v.Errors, mismatch.Error())
	}
	if c.LeftoverMigrated > 0 {
		v.Errors = append(v.Errors, fmt.Sprintf("%d migrated event(s) outside the checkpoint remain", c.LeftoverMigrated))
	}
	v.IsValid = len(v.Errors) == 0
	return v, nil
}

func (m *Manager) compareWithArchive(ctx context.Context, db *sqlx.DB, info models.CheckpointInfo) (models.RollbackComparison, error) {
	var c models.RollbackComparison
	ids := make(map[string]struct{}, info.RowCount)
	if _, err := readArchive(info.ArchivePath, m.compressor, func(r *archiveRow) error {
		ids[r.ID] = struct{}{}
		return nil
	}); err != nil {
		return c, err
	}
	c.CheckpointEvents = int64(len(ids))

	rows, err := db.QueryxContext(ctx, `SELECT id, event_type, `+sourceExpr+` AS source FROM events WHERE event_type = ?`, m.category)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, eventType string
		var source sql.NullString
		if err := rows.Scan(&id, &eventType, &source); err != nil {
			return c, err
		}
		_, inCheckpoint := ids[id]
		switch {
		case inCheckpoint:
			c.RestoredEvents++
		case source.String == models.MigrationSource:
			c.LeftoverMigrated++
		}
	}
	return c, rows.Err()
}
