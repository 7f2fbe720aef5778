package models

import (
	"time"
)

// MirrorRecord is the immutable local cache of one externally-sourced PFA
// record. It is created and overwritten only by the ingest pipeline; user
// edits never touch it. Category/Class/SourceType/PlanStart/PlanEnd are
// indexed projections of baseline fields so list queries can filter without
// parsing the document.
type MirrorRecord struct {
	MirrorID   uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID   string `gorm:"uniqueIndex:idx_mirror_identity,priority:1;size:64;not null"`
	ExternalID string `gorm:"uniqueIndex:idx_mirror_identity,priority:2;size:128;not null"`

	// Baseline holds every field as received from the source system.
	Baseline JSON `gorm:"not null"`

	Category   string     `gorm:"index;size:128"`
	Class      string     `gorm:"index;size:128"`
	SourceType string     `gorm:"index;size:64"`
	PlanStart  *time.Time `gorm:"index"`
	PlanEnd    *time.Time `gorm:"index"`

	// ExternalVersion is the source system's version stamp. Opaque: compared
	// for equality, never interpreted.
	ExternalVersion string `gorm:"size:128"`

	// Revision increments on every ingest write. Drafts record the revision
	// they were created against for the commit staleness check.
	Revision uint64 `gorm:"not null;default:1"`

	LastIngestedAt time.Time
	IngestBatchID  string `gorm:"index;size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MirrorHistory is the append-only before-image of a MirrorRecord, written in
// the same transaction as the ingest overwrite. Keyed by (mirrorId, revision)
// so audit and push-back tooling can reconstruct the baseline a delta was
// created against.
type MirrorHistory struct {
	HistoryID  uint64 `gorm:"primaryKey;autoIncrement"`
	MirrorID   uint64 `gorm:"uniqueIndex:idx_mirror_history,priority:1;not null"`
	Revision   uint64 `gorm:"uniqueIndex:idx_mirror_history,priority:2;not null"`
	TenantID   string `gorm:"index;size:64;not null"`
	ExternalID string `gorm:"size:128;not null"`

	Baseline        JSON   `gorm:"not null"`
	ExternalVersion string `gorm:"size:128"`
	IngestBatchID   string `gorm:"size:36"`

	ArchivedAt time.Time
}

// TableName overrides the table name for MirrorRecord
func (MirrorRecord) TableName() string {
	return "mirror_records"
}

// TableName overrides the table name for MirrorHistory
func (MirrorHistory) TableName() string {
	return "mirror_history"
}
