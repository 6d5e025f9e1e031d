package internal

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"

	"evmigrate/internal/controllers"
	"evmigrate/internal/providers"
	"evmigrate/internal/services"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
)

// App is one command invocation: the wired service and how to release it.
type App struct {
	conf       *structures.Config
	controller *controllers.CommandController
	service    services.MigrationServiceInterface
	logger     providers.Logger
}

func NewApp(conf *structures.Config, controller *controllers.CommandController, service services.MigrationServiceInterface, logger providers.Logger) *App {
	return &App{
		conf:       conf,
		controller: controller,
		service:    service,
		logger:     logger,
	}
}

// TargetMode picks how a route opens the target. A dry run never writes.
func TargetMode(r Route, opts controllers.Options) store.Mode {
	if r.Writes && !opts.DryRun {
		return store.ReadWrite
	}
	return store.ReadOnly
}

func (a *App) Run(ctx context.Context, r Route, w io.Writer, opts controllers.Options) error {
	t := providers.GetLogTypeByCommand(r.Name)
	a.logger.Infof(t, "Starting %s %s: source=%s target=%s", a.conf.AppName, r.Name,
		a.conf.Migration.SourcePath, a.conf.Migration.TargetPath)

	started := time.Now()
	err := r.Handle(a.controller, ctx, w, opts)
	if err != nil {
		a.logger.Errorf(t, "%s failed after %s", r.Name, time.Since(started).Round(time.Millisecond))
		return err
	}
	a.logger.Infof(t, "%s finished in %s", r.Name, time.Since(started).Round(time.Millisecond))
	return nil
}

// Close releases the databases, flushes metrics and closes the log.
func (a *App) Close() error {
	var errs *multierror.Error
	if err := a.service.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	a.logger.Close()
	return errs.ErrorOrNil()
}
