package models

import "time"

type CheckpointStatus string

const (
	CheckpointActive     CheckpointStatus = "active"
	CheckpointSuperseded CheckpointStatus = "superseded"
	CheckpointRolledBack CheckpointStatus = "rolled_back"
)

// CheckpointInfo is the persisted record of one checkpoint.
type CheckpointInfo struct {
	Exists      bool             `json:"exists"`
	ID          string           `json:"id,omitempty" db:"id"`
	Category    string           `json:"category,omitempty" db:"category"`
	CreatedAt   time.Time        `json:"createdAt" db:"-"`
	CreatedAtMs int64            `json:"-" db:"created_at"`
	RowCount    int64            `json:"rowCount" db:"row_count"`
	SizeBytes   int64            `json:"sizeBytes" db:"size_bytes"`
	ArchivePath string           `json:"archivePath,omitempty" db:"archive_path"`
	Status      CheckpointStatus `json:"status,omitempty" db:"status"`
}

type RollbackResult struct {
	CheckpointID string     `json:"checkpointId"`
	Deleted      int64      `json:"deleted"`
	Restored     int64      `json:"restored"`
	FromArchive  bool       `json:"fromArchive"`
	State        StoreState `json:"state"`
}

type RollbackComparison struct {
	CheckpointEvents int64 `json:"checkpointEvents"`
	RestoredEvents   int64 `json:"restoredEvents"`
	LeftoverMigrated int64 `json:"leftoverMigrated"`
}

type RollbackVerification struct {
	IsValid    bool               `json:"isValid"`
	Comparison RollbackComparison `json:"comparison"`
	Errors     []string           `json:"errors"`
}
