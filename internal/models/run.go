package models

type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// MigrationRun is one row of migration_runs. Skipped holds a serialised
// roaring64 bitmap of legacy rowids rejected as data-quality errors.
type MigrationRun struct {
	ID                string    `db:"id"`
	CheckpointID      string    `db:"checkpoint_id"`
	SourcePath        string    `db:"source_path"`
	StartedAt         int64     `db:"started_at"`
	FinishedAt        *int64    `db:"finished_at"`
	Status            RunStatus `db:"status"`
	BatchesCommitted  int       `db:"batches_committed"`
	RecordsMigrated   int64     `db:"records_migrated"`
	ErrorsEncountered int64     `db:"errors_encountered"`
	LastRowID         int64     `db:"last_rowid"`
	Skipped           []byte    `db:"skipped"`
}
