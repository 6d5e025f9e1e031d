package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"evmigrate/internal/models"
	"evmigrate/internal/providers"
)

// GenerateMigrationReport collects every check into one document. It is
// read-only; findings that stop a section are recorded in that section.
func (v *Validator) GenerateMigrationReport(ctx context.Context) (models.MigrationReport, error) {
	rep := models.MigrationReport{
		Version:         models.ReportVersion,
		GeneratedAt:     v.now().UTC(),
		SourcePath:      v.cfg.SourcePath,
		TargetPath:      v.cfg.TargetPath,
		Recommendations: []string{},
	}

	var err error
	if rep.PreMigration, err = v.ValidatePreMigration(ctx); err != nil {
		return rep, err
	}
	if rep.PostMigration, err = v.ValidatePostMigration(ctx); err != nil {
		return rep, err
	}

	rep.Comparison = models.MigrationValidation{Warnings: []string{}, Errors: []string{}}
	if v.target.Opened() || v.target.Exists() {
		if mv, err := v.reconciler.ValidateMigration(ctx); err != nil {
			rep.Comparison.Errors = append(rep.Comparison.Errors, err.Error())
		} else {
			rep.Comparison = mv
		}
	} else {
		rep.Comparison.Errors = append(rep.Comparison.Errors, "target database "+v.target.Path()+" does not exist")
	}

	if info, err := v.checkpoints.GetCheckpointInfo(ctx); err == nil {
		rep.Checkpoint = info
	}

	post := rep.PostMigration
	rep.Summary = models.ReportSummary{
		Status:           status(rep),
		DataAccuracy:     post.Metrics.MigrationAccuracy,
		PerformanceScore: post.Metrics.PerformanceScore,
	}
	rep.Recommendations = recommendations(rep)

	v.logger.Infof(providers.TypeValidate, "report for %s: %s (accuracy %.3f, performance %.3f)",
		v.cfg.TargetPath, rep.Summary.Status, rep.Summary.DataAccuracy, rep.Summary.PerformanceScore)
	return rep, ctx.Err()
}

func status(rep models.MigrationReport) models.ReportStatus {
	post := rep.PostMigration
	switch {
	case !post.Integrity.DataIntegrity || !post.Integrity.SchemaIntegrity || len(post.Errors) > 0:
		return models.ReportFailed
	case !post.IsValid || len(post.Warnings) > 0 || len(rep.Comparison.Warnings) > 0:
		return models.ReportWarning
	default:
		return models.ReportSuccess
	}
}

func recommendations(rep models.MigrationReport) []string {
	out := append([]string{}, rep.PreMigration.Recommendations...)
	post := rep.PostMigration
	c := rep.Comparison.Comparison

	if post.Integrity.SchemaIntegrity && post.Metrics.MigrationAccuracy < 1 && c.V4Events < c.V3Events-c.Skipped {
		out = append(out, "run migrate again; events that already exist are left untouched")
	}
	if c.Skipped > 0 {
		out = append(out, fmt.Sprintf("review the %d skipped legacy record(s) reported in the migration log", c.Skipped))
	}
	if post.Integrity.SchemaIntegrity && !post.Integrity.PerformanceAcceptable {
		out = append(out, "run ANALYZE on the target and check that the event indexes are in place")
	}
	if !post.Integrity.RollbackPossible {
		out = append(out, "keep a backup of the target: there is no active checkpoint to roll back to")
	}
	if post.Metrics.DataPreservation < 1 {
		out = append(out, "compare the differing records listed in the warnings with the source")
	}
	return out
}

// SaveReport writes the report as indented JSON. The file is replaced
// atomically, so readers never see a partial report.
func SaveReport(path string, rep models.MigrationReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync report: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod report: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}
