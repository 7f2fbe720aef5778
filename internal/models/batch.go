package models

import (
	"time"
)

// Ingest batch statuses. A batch is partial when some records landed and
// others failed; malformed records never abort the batch.
const (
	BatchStatusRunning = "running"
	BatchStatusSuccess = "success"
	BatchStatusPartial = "partial"
	BatchStatusFailed  = "failed"
)

// IngestBatch is the bookkeeping row for one ingest run against the external
// source. Every mirror write in the run carries its BatchID for traceability.
type IngestBatch struct {
	BatchID  string `gorm:"primaryKey;size:36"`
	TenantID string `gorm:"index;size:64;not null"`
	Status   string `gorm:"size:16;not null"`

	RecordsUpserted int `gorm:"not null;default:0"`
	RecordsFailed   int `gorm:"not null;default:0"`

	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMs int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IngestFailure records one rejected source record within a batch.
type IngestFailure struct {
	FailureID  uint64 `gorm:"primaryKey;autoIncrement"`
	BatchID    string `gorm:"index;size:36;not null"`
	TenantID   string `gorm:"size:64;not null"`
	ExternalID string `gorm:"size:128"`
	Reason     string `gorm:"size:1024"`
	CreatedAt  time.Time
}

// TableName overrides the table name for IngestBatch
func (IngestBatch) TableName() string {
	return "ingest_batches"
}

// TableName overrides the table name for IngestFailure
func (IngestFailure) TableName() string {
	return "ingest_failures"
}
