package models

import (
	"time"
)

// Sync states for a ModificationRecord. SyncStatePristine is never stored;
// it is the provenance value reported for a merged view with no active
// modification.
const (
	SyncStateDraft     = "draft"
	SyncStateCommitted = "committed"
	SyncStateSyncing   = "syncing"
	SyncStateSynced    = "synced"
	SyncStateSyncError = "sync_error"

	SyncStatePristine = "pristine"
)

// Error codes recorded on a sync_error row so operators and tooling can tell
// "retry later" from "needs a new delta".
const (
	SyncErrorCodeTransient = "external_transient"
	SyncErrorCodeConflict  = "external_conflict"
)

// legalTransitions holds the permitted state-machine edges.
// sync_error -> committed is the retry edge and the only backward one.
var legalTransitions = map[string][]string{
	SyncStateDraft:     {SyncStateCommitted},
	SyncStateCommitted: {SyncStateSyncing},
	SyncStateSyncing:   {SyncStateSynced, SyncStateSyncError},
	SyncStateSyncError: {SyncStateCommitted},
}

// TransitionAllowed reports whether from -> to is a legal sync state edge.
func TransitionAllowed(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveSyncStates are the states whose delta still overlays the baseline in
// merged views. A synced delta has been folded back into the next ingest of
// the mirror and must not be applied twice.
var ActiveSyncStates = []string{SyncStateDraft, SyncStateCommitted, SyncStateSyncing}

// ModificationRecord is one user's sparse field-level override of a
// MirrorRecord. At most one draft row exists per (mirrorId, userId,
// sessionId); repeated edits merge into it.
type ModificationRecord struct {
	ModificationID uint64 `gorm:"primaryKey;autoIncrement"`

	MirrorID  uint64 `gorm:"index:idx_modification_scope,priority:1;not null"`
	TenantID  string `gorm:"index;size:64;not null"`
	UserID    string `gorm:"index:idx_modification_scope,priority:2;size:64;not null"`
	SessionID string `gorm:"index:idx_modification_scope,priority:3;size:36"`

	// Delta contains only allow-listed editable fields.
	Delta JSON `gorm:"not null"`

	// ModifiedFields lists the keys present in Delta, kept redundantly for
	// diffing and for the push-back pipeline.
	ModifiedFields JSON `gorm:"not null"`

	SyncState string `gorm:"index;size:16;not null"`

	// BaseVersion is the mirror revision the draft was created against;
	// CurrentVersion increments on every local write to this row.
	BaseVersion    uint64 `gorm:"not null"`
	CurrentVersion uint64 `gorm:"not null;default:1"`

	ChangeReason string `gorm:"size:1024"`

	RetryCount       int    `gorm:"not null;default:0"`
	SyncErrorCode    string `gorm:"size:32"`
	SyncErrorMessage string `gorm:"size:2048"`

	// Escalated marks a sync_error row that exhausted its retry budget (or
	// hit an external conflict) and needs operator attention.
	Escalated bool `gorm:"not null;default:false"`

	NextAttemptAt *time.Time `gorm:"index"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CommittedAt *time.Time
	SyncedAt    *time.Time
}

// TableName overrides the table name for ModificationRecord
func (ModificationRecord) TableName() string {
	return "modification_records"
}
