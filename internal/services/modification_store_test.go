package services

import (
	"encoding/json"
	"testing"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"gorm.io/gorm"
)

// seedMirror creates one mirror row for modification tests
func seedMirror(t *testing.T, db *gorm.DB, tenantID, externalID string) *models.MirrorRecord {
	mirror, err := UpsertMirror(db, tenantID, externalID,
		[]byte(`{"category":"compute","notes":"baseline","forecastCategory":"compute"}`), "v1", "seed")
	if err != nil {
		t.Fatalf("Failed to seed mirror: %v", err)
	}
	return mirror
}

// TestUpsertDraftCreate tests first edit: a draft row pinned to the current
// mirror revision
func TestUpsertDraftCreate(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	draft, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"edited"}`), "cleanup")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}

	if draft.SyncState != models.SyncStateDraft {
		t.Errorf("Expected draft state, got %s", draft.SyncState)
	}
	if draft.BaseVersion != mirror.Revision {
		t.Errorf("Expected baseVersion %d, got %d", mirror.Revision, draft.BaseVersion)
	}
	if draft.CurrentVersion != 1 {
		t.Errorf("Expected currentVersion 1, got %d", draft.CurrentVersion)
	}

	var fields []string
	if err := json.Unmarshal([]byte(draft.ModifiedFields.JSON), &fields); err != nil {
		t.Fatalf("Failed to decode modifiedFields: %v", err)
	}
	if len(fields) != 1 || fields[0] != "notes" {
		t.Errorf("Expected modifiedFields [notes], got %v", fields)
	}
}

// TestUpsertDraftMerge tests repeated edits merging into the same row with
// field union and version bump
func TestUpsertDraftMerge(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	first, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"one","forecastCategory":"storage"}`), "")
	if err != nil {
		t.Fatalf("First edit failed: %v", err)
	}
	second, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"two","assignedTo":"sam"}`), "")
	if err != nil {
		t.Fatalf("Second edit failed: %v", err)
	}

	if second.ModificationID != first.ModificationID {
		t.Fatalf("Expected edits to merge into one row, got %d and %d", first.ModificationID, second.ModificationID)
	}
	if second.CurrentVersion != 2 {
		t.Errorf("Expected currentVersion 2, got %d", second.CurrentVersion)
	}

	// Per-field overwrite: notes replaced, forecastCategory kept, assignedTo added
	var delta map[string]interface{}
	if err := json.Unmarshal([]byte(second.Delta.JSON), &delta); err != nil {
		t.Fatalf("Failed to decode delta: %v", err)
	}
	if delta["notes"] != "two" || delta["forecastCategory"] != "storage" || delta["assignedTo"] != "sam" {
		t.Errorf("Merged delta wrong: %v", delta)
	}

	var fields []string
	if err := json.Unmarshal([]byte(second.ModifiedFields.JSON), &fields); err != nil {
		t.Fatalf("Failed to decode modifiedFields: %v", err)
	}
	if len(fields) != 3 {
		t.Errorf("Expected 3 modified fields, got %v", fields)
	}

	// Only one row exists
	var count int64
	db.Model(&models.ModificationRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 modification row, got %d", count)
	}
}

// TestUpsertDraftIsolation tests that drafts are keyed per user and session
func TestUpsertDraftIsolation(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	if _, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"a"}`), ""); err != nil {
		t.Fatalf("alex draft failed: %v", err)
	}
	if _, err := UpsertDraft(db, mirror.MirrorID, "t1", "kim", "s1", []byte(`{"notes":"k"}`), ""); err != nil {
		t.Fatalf("kim draft failed: %v", err)
	}
	if _, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s2", []byte(`{"notes":"b"}`), ""); err != nil {
		t.Fatalf("alex second session draft failed: %v", err)
	}

	var count int64
	db.Model(&models.ModificationRecord{}).Count(&count)
	if count != 3 {
		t.Errorf("Expected 3 separate draft rows, got %d", count)
	}
}

// TestUpsertDraftMirrorNotFound tests drafting against a missing mirror
func TestUpsertDraftMirrorNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := UpsertDraft(db, 42, "t1", "alex", "s1", []byte(`{"notes":"x"}`), "")
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
}

// TestTransition tests the legal edges and their timestamps
func TestTransition(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	draft, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), "")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}

	committed, err := Transition(db, draft.ModificationID, models.SyncStateDraft, models.SyncStateCommitted)
	if err != nil {
		t.Fatalf("draft->committed failed: %v", err)
	}
	if committed.CommittedAt == nil {
		t.Error("Expected committedAt to be stamped")
	}

	syncing, err := Transition(db, draft.ModificationID, models.SyncStateCommitted, models.SyncStateSyncing)
	if err != nil {
		t.Fatalf("committed->syncing failed: %v", err)
	}

	synced, err := Transition(db, syncing.ModificationID, models.SyncStateSyncing, models.SyncStateSynced)
	if err != nil {
		t.Fatalf("syncing->synced failed: %v", err)
	}
	if synced.SyncedAt == nil {
		t.Error("Expected syncedAt to be stamped")
	}
}

// TestTransitionIllegal tests rejected edges
func TestTransitionIllegal(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	draft, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), "")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}

	// draft -> synced skips the pipeline
	if _, err := Transition(db, draft.ModificationID, models.SyncStateDraft, models.SyncStateSynced); !types.IsKind(err, types.KindIllegalTransition) {
		t.Errorf("Expected illegal_transition, got %v", err)
	}

	// Compare-and-set: claiming a row that is not in the from state fails
	if _, err := Transition(db, draft.ModificationID, models.SyncStateCommitted, models.SyncStateSyncing); !types.IsKind(err, types.KindIllegalTransition) {
		t.Errorf("Expected illegal_transition for state mismatch, got %v", err)
	}
}

// TestTransitionRetryEdge tests sync_error -> committed clearing the error
// bookkeeping
func TestTransitionRetryEdge(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	draft, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), "")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}
	for _, edge := range [][2]string{
		{models.SyncStateDraft, models.SyncStateCommitted},
		{models.SyncStateCommitted, models.SyncStateSyncing},
		{models.SyncStateSyncing, models.SyncStateSyncError},
	} {
		if _, err := Transition(db, draft.ModificationID, edge[0], edge[1]); err != nil {
			t.Fatalf("Transition %s->%s failed: %v", edge[0], edge[1], err)
		}
	}
	db.Model(&models.ModificationRecord{}).
		Where("modification_id = ?", draft.ModificationID).
		Updates(map[string]interface{}{"sync_error_code": models.SyncErrorCodeTransient, "sync_error_message": "timeout"})

	retried, err := Transition(db, draft.ModificationID, models.SyncStateSyncError, models.SyncStateCommitted)
	if err != nil {
		t.Fatalf("sync_error->committed failed: %v", err)
	}
	if retried.SyncErrorCode != "" || retried.SyncErrorMessage != "" || retried.NextAttemptAt != nil {
		t.Errorf("Expected error bookkeeping cleared, got %+v", retried)
	}
}

// TestGetActiveModification tests that synced rows no longer overlay
func TestGetActiveModification(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	draft, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), "")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}

	active, err := GetActiveModification(db, mirror.MirrorID, "alex")
	if err != nil {
		t.Fatalf("GetActiveModification failed: %v", err)
	}
	if active == nil || active.ModificationID != draft.ModificationID {
		t.Fatalf("Expected the draft to be active, got %+v", active)
	}

	for _, edge := range [][2]string{
		{models.SyncStateDraft, models.SyncStateCommitted},
		{models.SyncStateCommitted, models.SyncStateSyncing},
		{models.SyncStateSyncing, models.SyncStateSynced},
	} {
		if _, err := Transition(db, draft.ModificationID, edge[0], edge[1]); err != nil {
			t.Fatalf("Transition %s->%s failed: %v", edge[0], edge[1], err)
		}
	}

	active, err = GetActiveModification(db, mirror.MirrorID, "alex")
	if err != nil {
		t.Fatalf("GetActiveModification failed: %v", err)
	}
	if active != nil {
		t.Errorf("Expected no active modification after synced, got %+v", active)
	}
}

// TestDeleteDraft tests that only draft rows can be deleted
func TestDeleteDraft(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "t1", "ext-1")

	draft, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), "")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}
	if err := DeleteDraft(db, draft.ModificationID); err != nil {
		t.Fatalf("DeleteDraft failed: %v", err)
	}

	other, err := UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"y"}`), "")
	if err != nil {
		t.Fatalf("UpsertDraft failed: %v", err)
	}
	if _, err := Transition(db, other.ModificationID, models.SyncStateDraft, models.SyncStateCommitted); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := DeleteDraft(db, other.ModificationID); !types.IsKind(err, types.KindValidation) {
		t.Errorf("Expected validation error deleting a committed row, got %v", err)
	}
}
