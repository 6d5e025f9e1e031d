package controllers

import (
	"context"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"evmigrate/internal/providers"
	"evmigrate/internal/services"
)

// Options are the per-command flags.
type Options struct {
	DryRun bool
	Verify bool
	Out    string
}

// CommandController renders every command result as indented JSON on the
// given writer. The result is written even when the command fails, so the
// caller sees both the findings and the exit status.
type CommandController struct {
	logger  providers.Logger
	service services.MigrationServiceInterface
}

func NewCommandController(logger providers.Logger, service services.MigrationServiceInterface) *CommandController {
	return &CommandController{
		logger:  logger,
		service: service,
	}
}

func (cc *CommandController) render(w io.Writer, command string, compute func() (any, error)) error {
	result, err := compute()
	if err != nil {
		cc.logger.Errorf(providers.GetLogTypeByCommand(command), "%s: %v", command, err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return errors.Join(err, fmt.Errorf("encode %s result: %w", command, encErr))
	}
	return err
}

func (cc *CommandController) Validate(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "validate", func() (any, error) {
		return cc.service.Validate(ctx)
	})
}

func (cc *CommandController) Stats(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "stats", func() (any, error) {
		return cc.service.Stats(ctx)
	})
}

func (cc *CommandController) Extract(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "extract", func() (any, error) {
		return cc.service.Extract(ctx)
	})
}

func (cc *CommandController) Convert(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "convert", func() (any, error) {
		return cc.service.Convert(ctx)
	})
}

func (cc *CommandController) Migrate(ctx context.Context, w io.Writer, opts Options) error {
	return cc.render(w, "migrate", func() (any, error) {
		return cc.service.Migrate(ctx, opts.DryRun)
	})
}

func (cc *CommandController) ValidateMigration(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "validate-migration", func() (any, error) {
		return cc.service.ValidateMigration(ctx)
	})
}

func (cc *CommandController) Rollback(ctx context.Context, w io.Writer, opts Options) error {
	return cc.render(w, "rollback", func() (any, error) {
		return cc.service.Rollback(ctx, opts.Verify)
	})
}

func (cc *CommandController) ValidatePre(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "validate-pre", func() (any, error) {
		return cc.service.ValidatePre(ctx)
	})
}

func (cc *CommandController) ValidatePost(ctx context.Context, w io.Writer, _ Options) error {
	return cc.render(w, "validate-post", func() (any, error) {
		return cc.service.ValidatePost(ctx)
	})
}

func (cc *CommandController) Report(ctx context.Context, w io.Writer, opts Options) error {
	return cc.render(w, "report", func() (any, error) {
		return cc.service.Report(ctx, opts.Out)
	})
}
