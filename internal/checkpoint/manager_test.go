package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmigrate/internal/models"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
	"evmigrate/internal/testutil"
)

type fixture struct {
	cfg     structures.MigrationConfig
	handle  *store.Handle
	db      *sqlx.DB
	manager *Manager
	metrics *testutil.MockMetrics
}

func newFixture(t *testing.T, events ...models.Event) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := structures.MigrationConfig{
		TargetPath: filepath.Join(dir, "v4.db"),
		Category:   string(models.EventVoteCast),
		ArchiveDir: filepath.Join(dir, "v4.db.checkpoints"),
	}
	logger := &testutil.MockLogger{}
	handle := store.NewHandle(cfg.TargetPath, store.ReadWrite, logger)
	t.Cleanup(func() { _ = handle.Close() })

	s, err := handle.Get(context.Background())
	require.NoError(t, err)
	testutil.InsertEvents(t, s.DB, events...)

	metrics := &testutil.MockMetrics{}
	return &fixture{
		cfg:     cfg,
		handle:  handle,
		db:      s.DB,
		manager: NewManager(cfg, handle, NewZstdCompressor(), logger, metrics),
		metrics: metrics,
	}
}

func event(id string, typ models.EventType, props models.Properties) models.Event {
	return models.Event{
		ID:         id,
		EventType:  typ,
		UserID:     "user-" + id,
		Timestamp:  1700000000000,
		Properties: props,
		Comment:    testutil.Str("c-" + id),
		CreatedAt:  1700000000500,
	}
}

func migrated(id string) models.Event {
	return event(id, models.EventVoteCast, models.Properties{
		models.PropSource:   models.MigrationSource,
		models.PropLegacyID: id,
	})
}

func marker(id string) models.Event {
	return event(id, models.EventMigrationCompleted, models.Properties{
		models.PropSource:   models.MigrationSource,
		models.PropCategory: string(models.EventVoteCast),
	})
}

func TestManager_CreateCheckpointCopiesCategoryOnly(t *testing.T) {
	f := newFixture(t,
		event("live-1", models.EventVoteCast, models.Properties{"k": "v"}),
		migrated("old-1"),
		event("turn-1", models.EventTurnCompleted, nil),
	)
	ctx := context.Background()

	info, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(1), info.RowCount, "migrated rows are not part of the checkpoint")
	assert.Equal(t, models.CheckpointActive, info.Status)
	assert.FileExists(t, info.ArchivePath)
	assert.Positive(t, info.SizeBytes)
	assert.Len(t, f.metrics.CheckpointDurations, 1)

	got, err := f.manager.GetCheckpointInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, info.RowCount, got.RowCount)
	assert.Equal(t, info.ArchivePath, got.ArchivePath)
	assert.Equal(t, info.CreatedAtMs, got.CreatedAtMs)

	var ids []string
	require.NoError(t, f.db.Select(&ids, `SELECT id FROM events_checkpoint WHERE checkpoint_id = ?`, info.ID))
	assert.Equal(t, []string{"live-1"}, ids)
}

func TestManager_GetCheckpointInfoWithoutTarget(t *testing.T) {
	dir := t.TempDir()
	cfg := structures.MigrationConfig{TargetPath: filepath.Join(dir, "absent.db"), Category: "vote_cast", ArchiveDir: dir}
	handle := store.NewHandle(cfg.TargetPath, store.ReadWrite, &testutil.MockLogger{})
	m := NewManager(cfg, handle, NewZstdCompressor(), &testutil.MockLogger{}, &testutil.MockMetrics{})

	info, err := m.GetCheckpointInfo(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.NoFileExists(t, cfg.TargetPath)

	_, err = m.PerformFullRollback(context.Background())
	assert.ErrorIs(t, err, models.ErrNoCheckpoint)
}

func TestManager_NewCheckpointSupersedesPrevious(t *testing.T) {
	f := newFixture(t, event("live-1", models.EventVoteCast, nil))
	ctx := context.Background()

	first, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	second, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)

	var status string
	require.NoError(t, f.db.Get(&status, `SELECT status FROM migration_checkpoints WHERE id = ?`, first.ID))
	assert.Equal(t, string(models.CheckpointSuperseded), status)

	var rows int
	require.NoError(t, f.db.Get(&rows, `SELECT COUNT(*) FROM events_checkpoint WHERE checkpoint_id = ?`, first.ID))
	assert.Equal(t, 1, rows, "superseded checkpoints keep their rows")

	latest, err := f.manager.GetCheckpointInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, models.CheckpointActive, latest.Status)
}

func TestManager_RollbackIsInverseAndLeavesUnrelatedEvents(t *testing.T) {
	f := newFixture(t,
		event("live-1", models.EventVoteCast, models.Properties{"k": "v"}),
		event("turn-1", models.EventTurnCompleted, models.Properties{"turn": 1}),
		event("step-1", models.EventJourneyStep, models.Properties{"step": "a"}),
	)
	ctx := context.Background()
	turnBefore := testutil.RawEvent(t, f.db, "turn-1")
	stepBefore := testutil.RawEvent(t, f.db, "step-1")
	liveBefore := testutil.RawEvent(t, f.db, "live-1")

	_, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)

	testutil.InsertEvents(t, f.db, migrated("v3vote_a"), migrated("v3vote_b"), marker("mig_1"))
	// an external writer keeps going while the migration runs
	testutil.InsertEvents(t, f.db, event("ext-1", models.EventTurnCompleted, nil))

	res, err := f.manager.PerformFullRollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Deleted)
	assert.Zero(t, res.Restored, "live rows were never removed")
	assert.False(t, res.FromArchive)
	assert.Equal(t, models.StateRolledBack, res.State)
	assert.Equal(t, 1, f.metrics.Rollbacks["success"])

	assert.Equal(t, turnBefore, testutil.RawEvent(t, f.db, "turn-1"))
	assert.Equal(t, stepBefore, testutil.RawEvent(t, f.db, "step-1"))
	assert.Equal(t, liveBefore, testutil.RawEvent(t, f.db, "live-1"))
	assert.Equal(t, 1, testutil.CountEvents(t, f.db, `id = ?`, "ext-1"))
	assert.Zero(t, testutil.CountEvents(t, f.db, `id IN (?, ?, ?)`, "v3vote_a", "v3vote_b", "mig_1"))

	v, err := f.manager.VerifyRollback(ctx)
	require.NoError(t, err)
	assert.True(t, v.IsValid, v.Errors)
	assert.Equal(t, int64(1), v.Comparison.CheckpointEvents)
	assert.Equal(t, int64(1), v.Comparison.RestoredEvents)
	assert.Zero(t, v.Comparison.LeftoverMigrated)

	info, err := f.manager.GetCheckpointInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointRolledBack, info.Status)

	_, err = f.manager.PerformFullRollback(ctx)
	assert.ErrorIs(t, err, models.ErrNoCheckpoint, "a rolled back checkpoint is not reused")
}

func TestManager_RollbackAfterRetriedMigrationRestoresOriginalState(t *testing.T) {
	f := newFixture(t, event("live-1", models.EventVoteCast, nil))
	ctx := context.Background()
	before := testutil.RawEvent(t, f.db, "live-1")

	// the first run fails after one batch, the retry checkpoints again
	_, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	testutil.InsertEvents(t, f.db, migrated("v3vote_a"), migrated("v3vote_b"))

	retry, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retry.RowCount)
	testutil.InsertEvents(t, f.db, migrated("v3vote_c"), marker("mig_1"))

	res, err := f.manager.PerformFullRollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, res.CheckpointID)
	assert.Equal(t, int64(4), res.Deleted)
	assert.Zero(t, res.Restored)

	assert.Equal(t, 1, testutil.CountEvents(t, f.db, `event_type = ?`, models.EventVoteCast))
	assert.Equal(t, before, testutil.RawEvent(t, f.db, "live-1"))
	assert.Zero(t, testutil.CountEvents(t, f.db, `event_type = ?`, models.EventMigrationCompleted))

	v, err := f.manager.VerifyRollback(ctx)
	require.NoError(t, err)
	assert.True(t, v.IsValid, v.Errors)
	assert.Zero(t, v.Comparison.LeftoverMigrated)
}

func TestManager_FailedRestoreKeepsMigratedRows(t *testing.T) {
	f := newFixture(t, event("live-1", models.EventVoteCast, nil))
	ctx := context.Background()

	_, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	testutil.InsertEvents(t, f.db, migrated("v3vote_a"), migrated("v3vote_b"))
	// an external writer removed the live row, so the restore has to insert it
	_, err = f.db.Exec(`DELETE FROM events WHERE id = 'live-1'`)
	require.NoError(t, err)
	_, err = f.db.Exec(`CREATE TRIGGER block_restore BEFORE INSERT ON events
		WHEN NEW.id = 'live-1' BEGIN SELECT RAISE(ABORT, 'restore blocked'); END`)
	require.NoError(t, err)

	res, err := f.manager.PerformFullRollback(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore blocked")
	var serr *models.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.StateUnchanged, serr.State)
	assert.Equal(t, models.StateUnchanged, res.State)
	assert.Equal(t, 1, f.metrics.Rollbacks["failed"])

	assert.Equal(t, 2, testutil.CountEvents(t, f.db, `id IN (?, ?)`, "v3vote_a", "v3vote_b"),
		"the delete step is rolled back with the failed restore")
	info, err := f.manager.GetCheckpointInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointActive, info.Status)
}

func TestManager_RollbackFallsBackToArchive(t *testing.T) {
	f := newFixture(t, event("live-keep", models.EventVoteCast, models.Properties{"k": "v"}),
		event("turn-1", models.EventTurnCompleted, nil))
	ctx := context.Background()
	before := testutil.RawEvent(t, f.db, "live-keep")

	info, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	_, err = f.db.Exec(`DELETE FROM events_checkpoint WHERE checkpoint_id = ?`, info.ID)
	require.NoError(t, err)
	testutil.InsertEvents(t, f.db, migrated("v3vote_a"))
	_, err = f.db.Exec(`DELETE FROM events WHERE id = 'live-keep'`)
	require.NoError(t, err)

	res, err := f.manager.PerformFullRollback(ctx)
	require.NoError(t, err)
	assert.True(t, res.FromArchive)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, int64(1), res.Restored)
	assert.Equal(t, before, testutil.RawEvent(t, f.db, "live-keep"))

	v, err := f.manager.VerifyRollback(ctx)
	require.NoError(t, err)
	assert.True(t, v.IsValid, v.Errors)
	assert.Equal(t, int64(1), v.Comparison.RestoredEvents)
}

func TestManager_RollbackFailsWithoutArchive(t *testing.T) {
	f := newFixture(t, event("live-keep", models.EventVoteCast, nil))
	ctx := context.Background()

	info, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	_, err = f.db.Exec(`DELETE FROM events_checkpoint WHERE checkpoint_id = ?`, info.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(info.ArchivePath))
	testutil.InsertEvents(t, f.db, migrated("v3vote_keep"))

	res, err := f.manager.PerformFullRollback(ctx)
	require.Error(t, err)
	assert.True(t, models.IsStorage(err))
	assert.Equal(t, models.StateUnchanged, res.State)
	assert.Equal(t, 1, testutil.CountEvents(t, f.db, `id = ?`, "v3vote_keep"), "failed rollback must not delete anything")
	assert.Equal(t, 1, f.metrics.Rollbacks["failed"])
}

func TestManager_VerifyRollbackReportsLeftovers(t *testing.T) {
	f := newFixture(t, event("live-1", models.EventVoteCast, nil))
	ctx := context.Background()

	_, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)
	_, err = f.manager.PerformFullRollback(ctx)
	require.NoError(t, err)

	testutil.InsertEvents(t, f.db, migrated("v3vote_late"))
	v, err := f.manager.VerifyRollback(ctx)
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, int64(1), v.Comparison.LeftoverMigrated)
}

func TestManager_VerifyBeforeRollbackIsInvalid(t *testing.T) {
	f := newFixture(t, event("live-1", models.EventVoteCast, nil))
	ctx := context.Background()

	_, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)

	v, err := f.manager.VerifyRollback(ctx)
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	require.NotEmpty(t, v.Errors)
	assert.Contains(t, v.Errors[0], "not rolled back")
}

func TestManager_FailedCheckpointChangesNothing(t *testing.T) {
	f := newFixture(t, event("live-1", models.EventVoteCast, nil))
	ctx := context.Background()

	good, err := f.manager.CreateCheckpoint(ctx)
	require.NoError(t, err)

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg := f.cfg
	cfg.ArchiveDir = filepath.Join(blocker, "sub")
	broken := NewManager(cfg, f.handle, NewZstdCompressor(), &testutil.MockLogger{}, &testutil.MockMetrics{})

	_, err = broken.CreateCheckpoint(ctx)
	require.Error(t, err)
	var serr *models.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.StateUnchanged, serr.State)

	latest, err := f.manager.GetCheckpointInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, good.ID, latest.ID)
	assert.Equal(t, models.CheckpointActive, latest.Status)

	var n int
	require.NoError(t, f.db.Get(&n, `SELECT COUNT(*) FROM migration_checkpoints`))
	assert.Equal(t, 1, n)
}
