package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmigrate/internal/legacy"
	"evmigrate/internal/models"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
	"evmigrate/internal/testutil"
)

// --- local mocks (scoped to service tests) ---

type mockSource struct {
	validation models.ValidationResult
	validErr   error
	stats      models.LegacyStatistics
	extract    models.ExtractionSummary
	extractArg [2]int
	closed     int
}

func (m *mockSource) Validate(context.Context) (models.ValidationResult, error) {
	return m.validation, m.validErr
}
func (m *mockSource) Statistics(context.Context) (models.LegacyStatistics, error) {
	return m.stats, nil
}
func (m *mockSource) ExtractBatches(int) *legacy.BatchIterator              { return nil }
func (m *mockSource) ExtractBatchesAfter(int64, int) *legacy.BatchIterator { return nil }
func (m *mockSource) Extract(_ context.Context, batchSize, sampleSize int) (models.ExtractionSummary, error) {
	m.extractArg = [2]int{batchSize, sampleSize}
	return m.extract, nil
}
func (m *mockSource) Path() string { return "v3.db" }
func (m *mockSource) Close() error { m.closed++; return nil }

type mockMigrator struct {
	dryRuns    int
	migrations int
	stats      models.MigrationStats
	migrateErr error
	validation models.MigrationValidation
	target     models.EventStatistics
}

func (m *mockMigrator) DryRun(context.Context) (models.DryRunResult, error) {
	m.dryRuns++
	return models.DryRunResult{TotalEvents: 3}, nil
}
func (m *mockMigrator) Migrate(context.Context) (models.MigrationStats, error) {
	m.migrations++
	return m.stats, m.migrateErr
}
func (m *mockMigrator) ValidateMigration(context.Context) (models.MigrationValidation, error) {
	return m.validation, nil
}
func (m *mockMigrator) TargetStatistics(context.Context) (models.EventStatistics, error) {
	return m.target, nil
}
func (m *mockMigrator) Close() error { return nil }

type mockCheckpoints struct {
	rollback     models.RollbackResult
	rollbackErr  error
	verification models.RollbackVerification
	verified     int
}

func (m *mockCheckpoints) CreateCheckpoint(context.Context) (models.CheckpointInfo, error) {
	return models.CheckpointInfo{}, nil
}
func (m *mockCheckpoints) GetCheckpointInfo(context.Context) (models.CheckpointInfo, error) {
	return models.CheckpointInfo{}, nil
}
func (m *mockCheckpoints) PerformFullRollback(context.Context) (models.RollbackResult, error) {
	return m.rollback, m.rollbackErr
}
func (m *mockCheckpoints) VerifyRollback(context.Context) (models.RollbackVerification, error) {
	m.verified++
	return m.verification, nil
}

type mockValidator struct {
	pre       models.PreMigrationValidation
	post      models.PostMigrationValidation
	report    models.MigrationReport
	preCalls  int
	postCalls int
}

func (m *mockValidator) ValidatePreMigration(context.Context) (models.PreMigrationValidation, error) {
	m.preCalls++
	return m.pre, nil
}
func (m *mockValidator) ValidatePostMigration(context.Context) (models.PostMigrationValidation, error) {
	m.postCalls++
	return m.post, nil
}
func (m *mockValidator) GenerateMigrationReport(context.Context) (models.MigrationReport, error) {
	return m.report, nil
}

// --- helpers ---

func readyValidator() *mockValidator {
	return &mockValidator{
		pre:  models.PreMigrationValidation{IsValid: true},
		post: models.PostMigrationValidation{IsValid: true},
	}
}

type fixture struct {
	source      *mockSource
	migrator    *mockMigrator
	checkpoints *mockCheckpoints
	validator   *mockValidator
	metrics     *testutil.MockMetrics
	target      string
	svc         MigrationServiceInterface
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source:      &mockSource{},
		migrator:    &mockMigrator{},
		checkpoints: &mockCheckpoints{},
		validator:   readyValidator(),
		metrics:     &testutil.MockMetrics{},
		target:      filepath.Join(t.TempDir(), "v4.db"),
	}
	cfg := structures.MigrationConfig{TargetPath: f.target, BatchSize: 50, SampleSize: 4}
	logger := &testutil.MockLogger{}
	f.svc = NewMigrationService(cfg, f.source, f.migrator, f.checkpoints, f.validator,
		store.NewHandle(f.target, store.ReadOnly, logger), logger, f.metrics)
	return f
}

func errorCount(t *testing.T, err error) int {
	t.Helper()
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	return len(merr.Errors)
}

// --- tests ---

func TestValidate_AccumulatesErrors(t *testing.T) {
	f := newFixture(t)
	f.source.validation = models.ValidationResult{Errors: []string{"first", "second"}}

	res, err := f.svc.Validate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, errorCount(t, err))
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, f.source.validation, res)
}

func TestValidate_WarningsAreNotErrors(t *testing.T) {
	f := newFixture(t)
	f.source.validation = models.ValidationResult{IsValid: true, Warnings: []string{"w"}}

	_, err := f.svc.Validate(context.Background())
	assert.NoError(t, err)
}

func TestValidate_StructuralError(t *testing.T) {
	f := newFixture(t)
	f.source.validErr = &models.StructuralError{Table: "votes", Msg: "table is missing"}

	_, err := f.svc.Validate(context.Background())
	assert.True(t, models.IsStructural(err))
}

func TestStats_WithoutTarget(t *testing.T) {
	f := newFixture(t)
	f.source.stats = models.LegacyStatistics{TotalVotes: 3}

	res, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Source.TotalVotes)
	assert.Nil(t, res.Target)
}

func TestStats_WithTarget(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.target, nil, 0o600))
	f.migrator.target = models.EventStatistics{MigratedEvents: 3}

	res, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Target)
	assert.Equal(t, int64(3), res.Target.MigratedEvents)
}

func TestExtract_UsesConfiguredSizes(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [2]int{50, 4}, f.source.extractArg)
}

func TestMigrate_DryRunDoesNotMigrate(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Migrate(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, res.DryRun)
	assert.Nil(t, res.Stats)
	assert.Equal(t, 1, f.migrator.dryRuns)
	assert.Equal(t, 0, f.migrator.migrations)
	assert.Zero(t, f.validator.preCalls)
}

func TestMigrate_ChecksReadinessAndIntegrity(t *testing.T) {
	f := newFixture(t)
	f.migrator.stats = models.MigrationStats{State: models.StateMigrated}

	res, err := f.svc.Migrate(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.validator.preCalls)
	assert.Equal(t, 1, f.migrator.migrations)
	assert.Equal(t, 1, f.validator.postCalls)
	require.NotNil(t, res.Pre)
	require.NotNil(t, res.Post)
	assert.Equal(t, models.StateMigrated, res.Stats.State)
}

func TestMigrate_NotReadyWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.validator.pre = models.PreMigrationValidation{
		Errors: []string{"insufficient disk space on /data: 10 MB free, 200 MB required"},
	}

	res, err := f.svc.Migrate(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotReady)
	assert.Contains(t, err.Error(), "insufficient disk space")
	assert.Equal(t, 0, f.migrator.migrations)
	assert.Zero(t, f.validator.postCalls)
	require.NotNil(t, res.Pre)
	require.NotNil(t, res.Stats)
	assert.Equal(t, models.StateUnchanged, res.Stats.State)
	assert.Nil(t, res.Post)
}

func TestMigrate_IntegrityErrorsFailTheCommand(t *testing.T) {
	f := newFixture(t)
	f.migrator.stats = models.MigrationStats{State: models.StateMigrated}
	f.validator.post = models.PostMigrationValidation{Errors: []string{"v4Events: expected 3, got 2"}}

	res, err := f.svc.Migrate(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, 1, errorCount(t, err))
	assert.Equal(t, models.StateMigrated, res.Stats.State)
}

func TestMigrate_FailureKeepsProgress(t *testing.T) {
	f := newFixture(t)
	f.migrator.stats = models.MigrationStats{BatchesCommitted: 2, State: models.PartiallyMigrated(2)}
	f.migrator.migrateErr = &models.StorageError{Op: "write batch", Batch: 3, State: models.PartiallyMigrated(2), Err: errors.New("disk full")}

	res, err := f.svc.Migrate(context.Background(), false)
	require.Error(t, err)
	assert.True(t, models.IsStorage(err))
	require.NotNil(t, res.Stats)
	assert.Equal(t, models.PartiallyMigrated(2), res.Stats.State)
	assert.Zero(t, f.validator.postCalls, "a failed run is not integrity-checked")
}

func TestValidateMigration_Mismatch(t *testing.T) {
	f := newFixture(t)
	f.migrator.validation = models.MigrationValidation{Errors: []string{"v4Events: expected 3, got 2"}}

	_, err := f.svc.ValidateMigration(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, errorCount(t, err))
}

func TestRollback_VerifyOnlyWhenAsked(t *testing.T) {
	f := newFixture(t)
	f.checkpoints.rollback = models.RollbackResult{CheckpointID: "ckpt_1", Deleted: 3}

	res, err := f.svc.Rollback(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, res.Verification)
	assert.Equal(t, 0, f.checkpoints.verified)

	f.checkpoints.verification = models.RollbackVerification{Errors: []string{"1 migrated event(s) left"}}
	res, err = f.svc.Rollback(context.Background(), true)
	require.Error(t, err)
	require.NotNil(t, res.Verification)
	assert.Equal(t, int64(3), res.Rollback.Deleted)
}

func TestRollback_NoCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.checkpoints.rollbackErr = models.ErrNoCheckpoint

	_, err := f.svc.Rollback(context.Background(), true)
	assert.ErrorIs(t, err, models.ErrNoCheckpoint)
	assert.Equal(t, 0, f.checkpoints.verified)
}

func TestValidatePost_InvalidWithoutErrorLines(t *testing.T) {
	f := newFixture(t)
	f.validator.post = models.PostMigrationValidation{IsValid: false, Warnings: []string{"no active checkpoint"}}

	_, err := f.svc.ValidatePost(context.Background())
	assert.EqualError(t, err, "post-migration validation failed")
}

func TestReport_SavesAndFailsOnFailedStatus(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "report.json")
	f.validator.report = models.MigrationReport{
		Version: models.ReportVersion,
		Summary: models.ReportSummary{Status: models.ReportWarning},
	}

	_, err := f.svc.Report(context.Background(), out)
	require.NoError(t, err)
	var saved models.MigrationReport
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, models.ReportWarning, saved.Summary.Status)

	f.validator.report.Summary.Status = models.ReportFailed
	f.validator.report.PostMigration.Errors = []string{"schema: table events is missing"}
	_, err = f.svc.Report(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 2, errorCount(t, err))
}

func TestClose_FlushesMetricsAndClosesSource(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Close())
	assert.Equal(t, 1, f.source.closed)
	assert.Equal(t, 1, f.metrics.Flushes)

	f.metrics.FlushErr = errors.New("textfile: permission denied")
	err := f.svc.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}
