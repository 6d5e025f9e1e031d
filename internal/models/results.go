package models

// DateRange is an inclusive range of epoch-millisecond timestamps. A zero
// range means no rows.
type DateRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r DateRange) Empty() bool {
	return r.Start == 0 && r.End == 0
}

func (r DateRange) Overlaps(o DateRange) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Start <= o.End && o.Start <= r.End
}

func (r DateRange) Contains(o DateRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

type ValidationSummary struct {
	TotalEvents int64     `json:"totalEvents"`
	DateRange   DateRange `json:"dateRange"`
}

// ValidationResult is the outcome of validating the legacy source. Errors
// are fatal findings, warnings are data-quality findings.
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []string          `json:"errors"`
	Warnings []string          `json:"warnings"`
	Summary  ValidationSummary `json:"summary"`
}

type LegacyStatistics struct {
	TotalVotes    int64     `json:"totalVotes"`
	UniqueUsers   int64     `json:"uniqueUsers"`
	UniquePrompts int64     `json:"uniquePrompts"`
	DateRange     DateRange `json:"dateRange"`
}

// EventStatistics describes the unified store. UniqueUsers and DateRange
// cover migrated events only.
type EventStatistics struct {
	TotalEvents    int64            `json:"totalEvents"`
	CategoryEvents int64            `json:"categoryEvents"`
	MigratedEvents int64            `json:"migratedEvents"`
	UniqueUsers    int64            `json:"uniqueUsers"`
	DateRange      DateRange        `json:"dateRange"`
	ByType         map[string]int64 `json:"byType"`
}

// ExtractionSummary is the result of walking the legacy source batch by
// batch without converting anything.
type ExtractionSummary struct {
	TotalRecords      int64        `json:"totalRecords"`
	Batches           int          `json:"batches"`
	MalformedMetadata int64        `json:"malformedMetadata"`
	Samples           []VoteRecord `json:"samples"`
}

type SampleConversion struct {
	OriginalID    string    `json:"originalId"`
	NewID         string    `json:"newId"`
	EventType     EventType `json:"eventType"`
	PropertyCount int       `json:"propertyCount"`
	HasContent    bool      `json:"hasContent"`
}

type DryRunResult struct {
	TotalEvents        int64              `json:"totalEvents"`
	EstimatedSizeBytes int64              `json:"estimatedSizeBytes"`
	ErrorsEncountered  int64              `json:"errorsEncountered"`
	SampleConversions  []SampleConversion `json:"sampleConversions"`
}

type ConversionSummary struct {
	VotesToVoteCast   int64 `json:"votesToVoteCast"`
	MetadataPreserved int64 `json:"metadataPreserved"`
	ContentPreserved  int64 `json:"contentPreserved"`
	ErrorsEncountered int64 `json:"errorsEncountered"`
}

type MigrationStats struct {
	RunID             string            `json:"runId"`
	CheckpointID      string            `json:"checkpointId,omitempty"`
	BatchesCommitted  int               `json:"batchesCommitted"`
	V3Stats           LegacyStatistics  `json:"v3Stats"`
	V4Stats           EventStatistics   `json:"v4Stats"`
	ConversionSummary ConversionSummary `json:"conversionSummary"`
	State             StoreState        `json:"state"`
}

type MigrationComparison struct {
	V3Events    int64     `json:"v3Events"`
	V4Events    int64     `json:"v4Events"`
	Skipped     int64     `json:"skipped"`
	V3Users     int64     `json:"v3Users"`
	V4Users     int64     `json:"v4Users"`
	V3DateRange DateRange `json:"v3DateRange"`
	V4DateRange DateRange `json:"v4DateRange"`
}

type MigrationValidation struct {
	IsValid    bool                `json:"isValid"`
	Comparison MigrationComparison `json:"comparison"`
	Warnings   []string            `json:"warnings"`
	Errors     []string            `json:"errors"`
}
