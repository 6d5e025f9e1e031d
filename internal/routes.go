package internal

import (
	"context"
	"io"

	"evmigrate/internal/controllers"
)

type Handler func(cc *controllers.CommandController, ctx context.Context, w io.Writer, opts controllers.Options) error

// Route binds a command name to its controller method. Writes marks the
// commands that need the target opened read-write; every other command opens
// it read-only.
type Route struct {
	Name   string
	Short  string
	Writes bool
	Handle Handler
}

// Routes lists the commands in the order they are shown in help output.
func Routes() []Route {
	return []Route{
		{Name: "validate", Short: "Check that the source has the v3 votes shape", Handle: (*controllers.CommandController).Validate},
		{Name: "stats", Short: "Show source and target statistics", Handle: (*controllers.CommandController).Stats},
		{Name: "extract", Short: "Walk the source batch by batch without converting", Handle: (*controllers.CommandController).Extract},
		{Name: "convert", Short: "Convert every vote without writing (dry run)", Handle: (*controllers.CommandController).Convert},
		{Name: "migrate", Short: "Checkpoint the target and migrate every vote", Writes: true, Handle: (*controllers.CommandController).Migrate},
		{Name: "validate-migration", Short: "Reconcile the source with the migrated events", Handle: (*controllers.CommandController).ValidateMigration},
		{Name: "rollback", Short: "Restore the target to its latest checkpoint", Writes: true, Handle: (*controllers.CommandController).Rollback},
		{Name: "validate-pre", Short: "Check readiness before migrating", Handle: (*controllers.CommandController).ValidatePre},
		{Name: "validate-post", Short: "Check integrity and quality after migrating", Handle: (*controllers.CommandController).ValidatePost},
		{Name: "report", Short: "Produce the migration report", Handle: (*controllers.CommandController).Report},
	}
}

// FindRoute returns the route called name.
func FindRoute(name string) (Route, bool) {
	for _, r := range Routes() {
		if r.Name == name {
			return r, true
		}
	}
	return Route{}, false
}
