package services

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"evmigrate/internal/checkpoint"
	"evmigrate/internal/legacy"
	"evmigrate/internal/migrator"
	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
	"evmigrate/internal/validator"
)

// StatsResult pairs the source statistics with the target's, when a target
// exists.
type StatsResult struct {
	Source models.LegacyStatistics `json:"source"`
	Target *models.EventStatistics `json:"target,omitempty"`
}

// MigrateResult carries the dry run, or the readiness check, the run
// statistics and the integrity check of a full migration.
type MigrateResult struct {
	DryRun *models.DryRunResult            `json:"dryRun,omitempty"`
	Pre    *models.PreMigrationValidation  `json:"preMigration,omitempty"`
	Stats  *models.MigrationStats          `json:"stats,omitempty"`
	Post   *models.PostMigrationValidation `json:"postMigration,omitempty"`
}

type RollbackResult struct {
	Rollback     models.RollbackResult        `json:"rollback"`
	Verification *models.RollbackVerification `json:"verification,omitempty"`
}

// MigrationServiceInterface has one method per command. A non-nil error
// means the command should exit non-zero; the result is still meaningful
// and is returned alongside it.
type MigrationServiceInterface interface {
	Validate(ctx context.Context) (models.ValidationResult, error)
	Stats(ctx context.Context) (StatsResult, error)
	Extract(ctx context.Context) (models.ExtractionSummary, error)
	Convert(ctx context.Context) (models.DryRunResult, error)
	Migrate(ctx context.Context, dryRun bool) (MigrateResult, error)
	ValidateMigration(ctx context.Context) (models.MigrationValidation, error)
	Rollback(ctx context.Context, verify bool) (RollbackResult, error)
	ValidatePre(ctx context.Context) (models.PreMigrationValidation, error)
	ValidatePost(ctx context.Context) (models.PostMigrationValidation, error)
	Report(ctx context.Context, out string) (models.MigrationReport, error)
	Close() error
}

type MigrationService struct {
	cfg         structures.MigrationConfig
	source      legacy.ExtractorInterface
	migrator    migrator.MigratorInterface
	checkpoints checkpoint.ManagerInterface
	validator   validator.ValidatorInterface
	target      *store.Handle
	logger      providers.Logger
	metrics     providers.MetricsProviderInterface
}

func NewMigrationService(
	cfg structures.MigrationConfig,
	source legacy.ExtractorInterface,
	mig migrator.MigratorInterface,
	checkpoints checkpoint.ManagerInterface,
	val validator.ValidatorInterface,
	target *store.Handle,
	logger providers.Logger,
	metrics providers.MetricsProviderInterface,
) MigrationServiceInterface {
	return &MigrationService{
		cfg:         cfg,
		source:      source,
		migrator:    mig,
		checkpoints: checkpoints,
		validator:   val,
		target:      target,
		logger:      logger,
		metrics:     metrics,
	}
}

// findings turns reported error lines into one error. It returns nil when
// there are none.
func findings(lines []string) error {
	var errs *multierror.Error
	for _, l := range lines {
		errs = multierror.Append(errs, errors.New(l))
	}
	return errs.ErrorOrNil()
}

func (s *MigrationService) targetExists() bool {
	return s.target.Opened() || s.target.Exists()
}

func (s *MigrationService) Validate(ctx context.Context) (models.ValidationResult, error) {
	res, err := s.source.Validate(ctx)
	if err != nil {
		return res, err
	}
	return res, findings(res.Errors)
}

func (s *MigrationService) Stats(ctx context.Context) (StatsResult, error) {
	var res StatsResult
	var err error
	if res.Source, err = s.source.Statistics(ctx); err != nil {
		return res, err
	}
	if !s.targetExists() {
		return res, nil
	}
	target, err := s.migrator.TargetStatistics(ctx)
	if err != nil {
		return res, err
	}
	res.Target = &target
	return res, nil
}

func (s *MigrationService) Extract(ctx context.Context) (models.ExtractionSummary, error) {
	return s.source.Extract(ctx, s.cfg.BatchSize, s.cfg.SampleSize)
}

func (s *MigrationService) Convert(ctx context.Context) (models.DryRunResult, error) {
	return s.migrator.DryRun(ctx)
}

// Migrate runs the readiness checks, the migration and the integrity checks
// in that order. A failed readiness check stops before anything is written.
func (s *MigrationService) Migrate(ctx context.Context, dryRun bool) (MigrateResult, error) {
	if dryRun {
		res, err := s.migrator.DryRun(ctx)
		return MigrateResult{DryRun: &res}, err
	}

	pre, err := s.validator.ValidatePreMigration(ctx)
	res := MigrateResult{Pre: &pre}
	if err != nil {
		return res, err
	}
	if !pre.IsValid {
		res.Stats = &models.MigrationStats{State: models.StateUnchanged}
		s.logger.Errorf(providers.TypeMigrate, "migration refused: %d readiness error(s)", len(pre.Errors))
		return res, multierror.Append(models.ErrNotReady, findings(pre.Errors))
	}

	// on failure stats still says how far the run got
	stats, err := s.migrator.Migrate(ctx)
	res.Stats = &stats
	if err != nil {
		return res, err
	}

	post, err := s.validator.ValidatePostMigration(ctx)
	if err != nil {
		return res, err
	}
	res.Post = &post
	return res, findings(post.Errors)
}

func (s *MigrationService) ValidateMigration(ctx context.Context) (models.MigrationValidation, error) {
	res, err := s.migrator.ValidateMigration(ctx)
	if err != nil {
		return res, err
	}
	return res, findings(res.Errors)
}

// Rollback restores the latest active checkpoint. With verify, a failed
// verification is reported as an error even though the rollback committed.
func (s *MigrationService) Rollback(ctx context.Context, verify bool) (RollbackResult, error) {
	var res RollbackResult
	var err error
	if res.Rollback, err = s.checkpoints.PerformFullRollback(ctx); err != nil {
		return res, err
	}
	if !verify {
		return res, nil
	}
	v, err := s.checkpoints.VerifyRollback(ctx)
	if err != nil {
		return res, err
	}
	res.Verification = &v
	return res, findings(v.Errors)
}

func (s *MigrationService) ValidatePre(ctx context.Context) (models.PreMigrationValidation, error) {
	res, err := s.validator.ValidatePreMigration(ctx)
	if err != nil {
		return res, err
	}
	return res, findings(res.Errors)
}

func (s *MigrationService) ValidatePost(ctx context.Context) (models.PostMigrationValidation, error) {
	res, err := s.validator.ValidatePostMigration(ctx)
	if err != nil {
		return res, err
	}
	if len(res.Errors) == 0 && !res.IsValid {
		return res, errors.New("post-migration validation failed")
	}
	return res, findings(res.Errors)
}

// Report builds the migration report and, when out is set, saves it there.
// A failed report is an error; a report with warnings is not.
func (s *MigrationService) Report(ctx context.Context, out string) (models.MigrationReport, error) {
	rep, err := s.validator.GenerateMigrationReport(ctx)
	if err != nil {
		return rep, err
	}
	if out != "" {
		if err := validator.SaveReport(out, rep); err != nil {
			return rep, err
		}
		s.logger.Infof(providers.TypeValidate, "report written to %s", out)
	}
	if rep.Summary.Status == models.ReportFailed {
		return rep, multierror.Append(errors.New("migration report status is failed"),
			findings(rep.PostMigration.Errors))
	}
	return rep, nil
}

// Close releases both databases and exports the collected metrics.
func (s *MigrationService) Close() error {
	var errs *multierror.Error
	if err := s.source.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.target.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.metrics.Flush(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
