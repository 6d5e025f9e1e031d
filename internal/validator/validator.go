// Package validator answers "can we migrate?" before a run and "did it
// work?" after one. It never writes to either database.
package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"evmigrate/internal/legacy"
	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
)

// CheckpointInspector reads the checkpoint record.
type CheckpointInspector interface {
	GetCheckpointInfo(ctx context.Context) (models.CheckpointInfo, error)
}

// Reconciler compares the source with what was migrated.
type Reconciler interface {
	ValidateMigration(ctx context.Context) (models.MigrationValidation, error)
}

type ValidatorInterface interface {
	ValidatePreMigration(ctx context.Context) (models.PreMigrationValidation, error)
	ValidatePostMigration(ctx context.Context) (models.PostMigrationValidation, error)
	GenerateMigrationReport(ctx context.Context) (models.MigrationReport, error)
}

type Validator struct {
	cfg         structures.MigrationConfig
	readiness   structures.ReadinessConfig
	perf        structures.PerformanceConfig
	source      legacy.ExtractorInterface
	target      *store.Handle
	checkpoints CheckpointInspector
	reconciler  Reconciler
	logger      providers.Logger

	freeSpace func(path string) (uint64, error)
	readable  func(path string) error
	writable  func(path string) error
	now       func() time.Time
}

// NewValidator expects a read-only target handle.
func NewValidator(
	cfg structures.MigrationConfig,
	readiness structures.ReadinessConfig,
	perf structures.PerformanceConfig,
	source legacy.ExtractorInterface,
	target *store.Handle,
	checkpoints CheckpointInspector,
	reconciler Reconciler,
	logger providers.Logger,
) *Validator {
	return &Validator{
		cfg:         cfg,
		readiness:   readiness,
		perf:        perf,
		source:      source,
		target:      target,
		checkpoints: checkpoints,
		reconciler:  reconciler,
		logger:      logger,
		freeSpace:   diskFree,
		readable:    canRead,
		writable:    canWrite,
		now:         time.Now,
	}
}

// ValidatePreMigration runs the four readiness checks independently; one
// failing check does not stop the others.
func (v *Validator) ValidatePreMigration(ctx context.Context) (models.PreMigrationValidation, error) {
	res := models.PreMigrationValidation{
		Recommendations: []string{},
		Errors:          []string{},
		Warnings:        []string{},
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	v.checkSource(ctx, &res)
	v.checkDiskSpace(&res)
	v.checkPermissions(&res)
	v.checkCheckpointReady(ctx, &res)

	r := res.Readiness
	res.IsValid = r.V3Database && r.DiskSpace && r.Permissions && r.CheckpointReady
	v.logger.Infof(providers.TypeValidate, "pre-migration checks: v3Database=%t diskSpace=%t permissions=%t checkpointReady=%t",
		r.V3Database, r.DiskSpace, r.Permissions, r.CheckpointReady)
	return res, ctx.Err()
}

func (v *Validator) checkSource(ctx context.Context, res *models.PreMigrationValidation) {
	vr, err := v.source.Validate(ctx)
	res.Errors = append(res.Errors, vr.Errors...)
	res.Warnings = append(res.Warnings, vr.Warnings...)
	if err != nil && len(vr.Errors) == 0 {
		res.Errors = append(res.Errors, err.Error())
	}
	res.Readiness.V3Database = err == nil && vr.IsValid
	if models.IsStructural(err) {
		res.Recommendations = append(res.Recommendations, "point --source at a v3 votes database")
	}
}

// requiredSpace covers the migrated copy, its indexes and the checkpoint,
// plus a fixed safety margin.
func (v *Validator) requiredSpace() uint64 {
	var sourceSize int64
	if fi, err := os.Stat(v.source.Path()); err == nil {
		sourceSize = fi.Size()
	}
	margin := uint64(max(v.readiness.MinFreeDiskMB, 0)) * humanize.MByte
	return margin + uint64(float64(sourceSize)*max(v.readiness.SpaceMultiplier, 0))
}

func (v *Validator) checkDiskSpace(res *models.PreMigrationValidation) {
	dir, _, err := nearestExisting(filepath.Dir(v.cfg.TargetPath))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("disk space: %v", err))
		return
	}
	free, err := v.freeSpace(dir)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("disk space: cannot stat %s: %v", dir, err))
		return
	}
	need := v.requiredSpace()
	if free < need {
		res.Errors = append(res.Errors, fmt.Sprintf("insufficient disk space on %s: %s free, %s required",
			dir, humanize.Bytes(free), humanize.Bytes(need)))
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("free at least %s of disk space", humanize.Bytes(need-free)))
		return
	}
	res.Readiness.DiskSpace = true
}

func (v *Validator) checkPermissions(res *models.PreMigrationValidation) {
	sourceOK := true
	if err := v.readable(v.source.Path()); err != nil {
		sourceOK = false
		res.Errors = append(res.Errors, fmt.Sprintf("source %s is not readable: %v", v.source.Path(), err))
		res.Recommendations = append(res.Recommendations, "grant read access to "+v.source.Path())
	}

	target := v.cfg.TargetPath
	var err error
	if _, statErr := os.Stat(target); statErr != nil {
		dir, fi, derr := nearestExisting(filepath.Dir(target))
		switch {
		case derr != nil:
			err = derr
		case !fi.IsDir():
			err = fmt.Errorf("%s is not a directory", dir)
		default:
			err = v.writable(dir)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cannot create target in %s: %v", dir, err))
		}
		target = dir
	} else if err = v.writable(target); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("target %s is not writable: %v", target, err))
	}
	if err != nil {
		res.Recommendations = append(res.Recommendations, "grant write access to "+target)
	}
	res.Readiness.Permissions = sourceOK && err == nil
}

// checkCheckpointReady checks that the archive location can be written and
// that an existing target carries a schema this build understands.
func (v *Validator) checkCheckpointReady(ctx context.Context, res *models.PreMigrationValidation) {
	ready := true

	if v.cfg.ArchiveDir != "" {
		dir, fi, err := nearestExisting(v.cfg.ArchiveDir)
		switch {
		case err != nil:
		case !fi.IsDir():
			err = fmt.Errorf("%s is not a directory", dir)
		default:
			err = v.writable(dir)
		}
		if err != nil {
			ready = false
			res.Errors = append(res.Errors, fmt.Sprintf("checkpoint archive directory %s is unusable: %v", v.cfg.ArchiveDir, err))
			res.Recommendations = append(res.Recommendations, "set checkpoint.archiveDir to a writable directory")
		}
	}

	if v.target.Opened() || v.target.Exists() {
		if err := v.checkTargetVersion(ctx); err != nil {
			ready = false
			res.Errors = append(res.Errors, err.Error())
		}
	}
	res.Readiness.CheckpointReady = ready
}

func (v *Validator) checkTargetVersion(ctx context.Context) error {
	s, err := v.target.Get(ctx)
	if err != nil {
		return fmt.Errorf("target %s cannot be opened: %w", v.target.Path(), err)
	}
	have, err := s.UserVersion(ctx)
	if err != nil {
		return fmt.Errorf("target %s: read schema version: %w", v.target.Path(), err)
	}
	known, err := store.SchemaVersion()
	if err != nil {
		return err
	}
	if have > known {
		return fmt.Errorf("target schema version %d is newer than the supported version %d", have, known)
	}
	return nil
}

// nearestExisting walks up from path to the first entry that exists.
func nearestExisting(path string) (string, os.FileInfo, error) {
	p := filepath.Clean(path)
	for {
		fi, err := os.Stat(p)
		if err == nil {
			return p, fi, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return p, nil, err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil, err
		}
		p = parent
	}
}
