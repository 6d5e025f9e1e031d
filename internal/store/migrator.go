package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"evmigrate/internal/providers"
	"evmigrate/internal/store/migrations"
)

// Migrator brings the unified schema up to date using the SQL scripts under
// migrations/, tracked through PRAGMA user_version.
type Migrator struct {
	store  *SqlStore
	logger providers.Logger
}

func NewMigrator(store *SqlStore, logger providers.Logger) *Migrator {
	return &Migrator{
		store:  store,
		logger: logger,
	}
}

// EnsureSchema applies the embedded unified-schema scripts to s.
func EnsureSchema(ctx context.Context, s *SqlStore, logger providers.Logger) error {
	return NewMigrator(s, logger).Up(ctx, migrations.All)
}

func (m *Migrator) Up(ctx context.Context, source embed.FS) error {
	if m.store.ReadOnly() {
		return fmt.Errorf("cannot apply schema to read-only store %s", m.store.Path())
	}
	list, err := source.ReadDir(".")
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	current, err := m.store.UserVersion(ctx)
	if err != nil {
		return err
	}
	final, err := scriptVersion(list[len(list)-1].Name())
	if err != nil {
		return err
	}
	if final > current {
		m.logger.Infof(providers.TypeApp, "Bringing up %d schema migration(s) on %s", final-current, m.store.Path())
	}

	for _, f := range list {
		n := f.Name()
		v, err := scriptVersion(n)
		if err != nil {
			return err
		}
		// re-read every iteration so an out-of-order list never reapplies
		// an older script after a newer one
		c, err := m.store.UserVersion(ctx)
		if err != nil {
			return err
		}
		if v <= c {
			continue
		}
		m.logger.Debugf(providers.TypeApp, "Executing schema migration %s", n)
		script, err := source.ReadFile(n)
		if err != nil {
			return err
		}
		if err := m.store.execTrans(ctx, string(script)); err != nil {
			return fmt.Errorf("schema migration %s: %w", n, err)
		}
	}
	return nil
}

// SchemaVersion is the version the embedded scripts bring a store up to.
func SchemaVersion() (int, error) {
	list, err := migrations.All.ReadDir(".")
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, f := range list {
		v, err := scriptVersion(f.Name())
		if err != nil {
			return 0, err
		}
		latest = max(latest, v)
	}
	return latest, nil
}

// scriptVersion extracts 2 from "0002_create_checkpoints.sql".
func scriptVersion(filename string) (int, error) {
	v, err := strconv.Atoi(strings.Split(filename, "_")[0])
	if err != nil {
		return 0, fmt.Errorf("invalid migration file name %q: %w", filename, err)
	}
	return v, nil
}
