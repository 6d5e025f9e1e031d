package models

import "time"

type Readiness struct {
	V3Database      bool `json:"v3Database"`
	DiskSpace       bool `json:"diskSpace"`
	Permissions     bool `json:"permissions"`
	CheckpointReady bool `json:"checkpointReady"`
}

type PreMigrationValidation struct {
	IsValid         bool      `json:"isValid"`
	Readiness       Readiness `json:"readiness"`
	Recommendations []string  `json:"recommendations"`
	Errors          []string  `json:"errors"`
	Warnings        []string  `json:"warnings"`
}

type Integrity struct {
	DataIntegrity         bool `json:"dataIntegrity"`
	SchemaIntegrity       bool `json:"schemaIntegrity"`
	PerformanceAcceptable bool `json:"performanceAcceptable"`
	RollbackPossible      bool `json:"rollbackPossible"`
}

// QualityMetrics values are fractions in [0, 1].
type QualityMetrics struct {
	MigrationAccuracy float64 `json:"migrationAccuracy"`
	DataPreservation  float64 `json:"dataPreservation"`
	PerformanceScore  float64 `json:"performanceScore"`
}

type PostMigrationValidation struct {
	IsValid   bool           `json:"isValid"`
	Integrity Integrity      `json:"integrity"`
	Metrics   QualityMetrics `json:"metrics"`
	Warnings  []string       `json:"warnings"`
	Errors    []string       `json:"errors"`
}

type ReportStatus string

const (
	ReportSuccess ReportStatus = "success"
	ReportWarning ReportStatus = "warning"
	ReportFailed  ReportStatus = "failed"
)

type ReportSummary struct {
	Status           ReportStatus `json:"status"`
	DataAccuracy     float64      `json:"dataAccuracy"`
	PerformanceScore float64      `json:"performanceScore"`
}

// MigrationReport is the audit document written by the report command. Its
// JSON layout is part of the external contract.
type MigrationReport struct {
	Version         int                     `json:"version"`
	GeneratedAt     time.Time               `json:"generatedAt"`
	SourcePath      string                  `json:"sourcePath"`
	TargetPath      string                  `json:"targetPath"`
	Summary         ReportSummary           `json:"summary"`
	PreMigration    PreMigrationValidation  `json:"preMigration"`
	PostMigration   PostMigrationValidation `json:"postMigration"`
	Comparison      MigrationValidation     `json:"comparison"`
	Checkpoint      CheckpointInfo          `json:"checkpoint"`
	Recommendations []string                `json:"recommendations"`
}

// ReportVersion is bumped only on incompatible report layout changes.
const ReportVersion = 1
